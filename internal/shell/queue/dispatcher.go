package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/store"
)

// =============================================================================
// Handler Registry
// =============================================================================

// ProgressFunc reports handler progress as a percentage with a short message.
type ProgressFunc func(percent int, message string)

// Handler processes one claimed job and returns its serialized result.
type Handler func(ctx context.Context, job *domain.Job, progress ProgressFunc) ([]byte, error)

type handlerKey struct {
	queue   string
	jobType string
}

// =============================================================================
// Dispatcher
// =============================================================================

// DispatcherConfig tunes the polling and retry machinery shared by all queues.
type DispatcherConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StallTimeout      time.Duration
	JanitorInterval   time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = 30 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 2 * time.Minute
	}
	return c
}

// Dispatcher runs one worker pool per queue, routing claimed jobs to their
// registered handlers. A panicking handler fails its own job and nothing else.
type Dispatcher struct {
	store    store.Store
	queues   map[string]QueueConfig
	cfg      DispatcherConfig
	handlers map[handlerKey]Handler
	limiters map[string]*rate.Limiter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given queue configurations.
func NewDispatcher(st store.Store, queues map[string]QueueConfig, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if queues == nil {
		queues = DefaultQueueConfigs()
	}

	limiters := make(map[string]*rate.Limiter, len(queues))
	for name, qc := range queues {
		if qc.RatePerSecond > 0 {
			limiters[name] = rate.NewLimiter(rate.Limit(qc.RatePerSecond), 1)
		}
	}

	return &Dispatcher{
		store:    st,
		queues:   queues,
		cfg:      cfg.withDefaults(),
		handlers: make(map[handlerKey]Handler),
		limiters: limiters,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Register installs the handler for a queue and job type. Registration must
// finish before Start.
func (d *Dispatcher) Register(queue, jobType string, h Handler) {
	d.handlers[handlerKey{queue: queue, jobType: jobType}] = h
}

// Start launches the worker pools and the stalled-job janitor.
func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for name, qc := range d.queues {
		concurrency := qc.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			workerID := fmt.Sprintf("%s-worker-%d", name, i)
			d.wg.Add(1)
			go d.runWorker(name, workerID)
		}
		d.logger.Info("queue workers started", "queue", name, "concurrency", concurrency)
	}

	d.wg.Add(1)
	go d.runJanitor()
}

// Stop cancels all workers and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// =============================================================================
// Worker Loop
// =============================================================================

func (d *Dispatcher) runWorker(queue, workerID string) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		if limiter := d.limiters[queue]; limiter != nil {
			if err := limiter.Wait(d.ctx); err != nil {
				return
			}
		}

		job, err := d.store.ClaimJob(d.ctx, queue, workerID)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error("failed to claim job", "queue", queue, "error", err)
			job = nil
		}

		if job == nil {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		d.runJob(job, workerID)
	}
}

func (d *Dispatcher) runJob(job *domain.Job, workerID string) {
	logger := d.logger.With("queue", job.Queue, "job_id", job.ID, "type", job.Type, "worker", workerID)
	logger.Info("job started", "attempt", job.Attempts)

	hbCtx, stopHeartbeat := context.WithCancel(d.ctx)
	defer stopHeartbeat()
	d.wg.Add(1)
	go d.runHeartbeat(hbCtx, job.ID)

	started := time.Now()
	result, err := d.invoke(job)

	if err != nil {
		d.handleFailure(job, err, logger)
		return
	}

	if cerr := d.store.CompleteJob(d.ctx, job.ID, result); cerr != nil {
		logger.Error("failed to mark job completed", "error", cerr)
		return
	}
	logger.Info("job completed", "duration_ms", time.Since(started).Milliseconds())
}

// invoke runs the handler with panic isolation.
func (d *Dispatcher) invoke(job *domain.Job) (result []byte, err error) {
	h, ok := d.handlers[handlerKey{queue: job.Queue, jobType: job.Type}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrUnknownJobType, job.Queue, job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	progress := func(percent int, message string) {
		if perr := d.store.UpdateJobProgress(d.ctx, job.ID, percent); perr != nil {
			d.logger.Debug("failed to update progress", "job_id", job.ID, "error", perr)
		}
		if message != "" {
			d.logger.Debug("job progress", "job_id", job.ID, "percent", percent, "message", message)
		}
	}

	return h(d.ctx, job, progress)
}

func (d *Dispatcher) handleFailure(job *domain.Job, jobErr error, logger *slog.Logger) {
	if job.ExhaustedAttempts() {
		logger.Error("job failed permanently", "attempt", job.Attempts, "error", jobErr)
		if err := d.store.FailJob(d.ctx, job.ID, jobErr.Error()); err != nil {
			logger.Error("failed to mark job failed", "error", err)
		}
		return
	}

	delay := d.backoff(job.Attempts)
	logger.Warn("job failed, scheduling retry", "attempt", job.Attempts, "delay", delay, "error", jobErr)
	if err := d.store.RetryJob(d.ctx, job.ID, jobErr.Error(), time.Now().UTC().Add(delay)); err != nil {
		logger.Error("failed to schedule retry", "error", err)
	}
}

// backoff returns the exponential retry delay for the given attempt count.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	return delay
}

// =============================================================================
// Heartbeat and Janitor
// =============================================================================

func (d *Dispatcher) runHeartbeat(ctx context.Context, jobID string) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.HeartbeatJob(ctx, jobID); err != nil {
				d.logger.Debug("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// runJanitor requeues jobs whose worker stopped heartbeating. Stalls are
// logged loudly; they mean a worker died mid-job.
func (d *Dispatcher) runJanitor() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-d.cfg.StallTimeout)
			ids, err := d.store.RequeueStalledJobs(d.ctx, cutoff)
			if err != nil {
				if d.ctx.Err() == nil {
					d.logger.Error("stalled job sweep failed", "error", err)
				}
				continue
			}
			for _, id := range ids {
				d.logger.Warn("requeued stalled job", "job_id", id)
			}
		}
	}
}
