// Package queue implements the durable job queue and its worker pools.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/store"
)

// =============================================================================
// Queue Configuration
// =============================================================================

// QueueConfig holds the per-queue worker pool settings.
type QueueConfig struct {
	// Concurrency is the number of workers pulling from this queue.
	Concurrency int
	// RatePerSecond caps job starts per second. Zero means unlimited.
	RatePerSecond float64
	// MaxAttempts applied to jobs enqueued without an explicit value.
	MaxAttempts int
}

// DefaultQueueConfigs holds the per-queue defaults. Production wiring
// overlays these with the queues config section.
func DefaultQueueConfigs() map[string]QueueConfig {
	return map[string]QueueConfig{
		domain.QueueGeneration:   {Concurrency: 3, RatePerSecond: 1, MaxAttempts: 1},
		domain.QueueBuild:        {Concurrency: 2, RatePerSecond: 3, MaxAttempts: 3},
		domain.QueueDeploy:       {Concurrency: 2, RatePerSecond: 3, MaxAttempts: 3},
		domain.QueueNotification: {Concurrency: 10, RatePerSecond: 5, MaxAttempts: 5},
	}
}

// =============================================================================
// Queue
// =============================================================================

// Queue enqueues typed jobs onto the durable backend.
type Queue struct {
	store   store.Store
	configs map[string]QueueConfig
}

// NewQueue creates a queue frontend over the store.
func NewQueue(st store.Store, configs map[string]QueueConfig) *Queue {
	if configs == nil {
		configs = DefaultQueueConfigs()
	}
	return &Queue{store: st, configs: configs}
}

// EnqueueGeneration queues a code generation job. Generation jobs run at most
// once at the queue level; the healing loop owns all retrying.
func (q *Queue) EnqueueGeneration(ctx context.Context, payload domain.GenerationJob) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	return q.enqueue(ctx, domain.QueueGeneration, "generate", payload, 0)
}

// EnqueueBuild queues a build job.
func (q *Queue) EnqueueBuild(ctx context.Context, payload domain.BuildJob) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	return q.enqueue(ctx, domain.QueueBuild, "build", payload, 0)
}

// EnqueueDeploy queues a deploy job.
func (q *Queue) EnqueueDeploy(ctx context.Context, payload domain.DeployJob) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	return q.enqueue(ctx, domain.QueueDeploy, "deploy", payload, 0)
}

// EnqueueNotification queues an event for delivery to notification sinks.
func (q *Queue) EnqueueNotification(ctx context.Context, event domain.Event) (string, error) {
	return q.enqueue(ctx, domain.QueueNotification, "notify", event, 0)
}

func (q *Queue) enqueue(ctx context.Context, queueName, jobType string, payload any, priority int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	maxAttempts := 1
	if cfg, ok := q.configs[queueName]; ok && cfg.MaxAttempts > 0 {
		maxAttempts = cfg.MaxAttempts
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		Status:      domain.JobQueued,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.GetJob(ctx, id)
}
