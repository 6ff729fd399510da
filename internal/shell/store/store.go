package store

import (
	"context"
	"time"

	"github.com/artpar/appship/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for appship entities.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, opts ListOptions) ([]domain.Deployment, error)

	// Port allocation operations. InsertPortAllocation rejects a port that
	// already has a live row; DeletePortAllocation is idempotent and reports
	// whether a row was removed.
	InsertPortAllocation(ctx context.Context, alloc *domain.PortAllocation) error
	DeletePortAllocation(ctx context.Context, port int) (bool, error)
	DeleteProjectPortAllocations(ctx context.Context, projectID string) (int, error)
	ListPortAllocations(ctx context.Context) ([]domain.PortAllocation, error)
	IsPortAllocated(ctx context.Context, port int) (bool, error)

	// Job queue operations. ClaimJob atomically moves the next runnable job
	// on a queue to active for the given worker; it returns (nil, nil) when
	// the queue is empty.
	EnqueueJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ClaimJob(ctx context.Context, queue, workerID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, id string, result []byte) error
	FailJob(ctx context.Context, id, errorMsg string) error
	RetryJob(ctx context.Context, id, errorMsg string, runAt time.Time) error
	HeartbeatJob(ctx context.Context, id string) error
	UpdateJobProgress(ctx context.Context, id string, percent int) error
	RequeueStalledJobs(ctx context.Context, staleBefore time.Time) ([]string, error)

	Close() error
}

// =============================================================================
// List Options
// =============================================================================

// ListOptions controls pagination for list operations.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize applies sane bounds to pagination values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
