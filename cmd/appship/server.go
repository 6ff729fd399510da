package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/api"
	"github.com/artpar/appship/internal/shell/deploy"
	"github.com/artpar/appship/internal/shell/docker"
	"github.com/artpar/appship/internal/shell/generator"
	"github.com/artpar/appship/internal/shell/healing"
	"github.com/artpar/appship/internal/shell/notify"
	"github.com/artpar/appship/internal/shell/ports"
	"github.com/artpar/appship/internal/shell/queue"
	"github.com/artpar/appship/internal/shell/sandbox"
	"github.com/artpar/appship/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the appship application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     docker.Engine
	allocator  *ports.Allocator
	notifier   *notify.Notifier
	dispatcher *queue.Dispatcher
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker
	engine, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify Docker connection
	if err := engine.Ping(context.Background()); err != nil {
		s.Close()
		engine.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Create port allocator over the configured pool
	allocator, err := ports.NewAllocator(s, domain.PortRange{
		Min: cfg.Ports.Min,
		Max: cfg.Ports.Max,
	}, logger)
	if err != nil {
		s.Close()
		engine.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Create project sandbox for build contexts
	sb, err := sandbox.NewSandbox(cfg.Sandbox.Dir)
	if err != nil {
		s.Close()
		engine.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Create notification sinks; a webhook sink only when configured
	sinks := []notify.Sink{&notify.SlogSink{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
		logger.Info("webhook notifications enabled", "url", cfg.Notify.WebhookURL)
	}
	notifier := notify.NewNotifier(sinks, cfg.Notify.BufferSize, logger)

	// Create job queue frontend and worker dispatcher. Config overlays the
	// built-in per-queue defaults; unset fields keep them.
	queueConfigs := queue.DefaultQueueConfigs()
	for name, tuning := range cfg.Queues {
		qc := queueConfigs[name]
		if tuning.Concurrency > 0 {
			qc.Concurrency = tuning.Concurrency
		}
		if tuning.RatePerSecond > 0 {
			qc.RatePerSecond = tuning.RatePerSecond
		}
		if tuning.MaxAttempts > 0 {
			qc.MaxAttempts = tuning.MaxAttempts
		}
		queueConfigs[name] = qc
	}
	q := queue.NewQueue(s, queueConfigs)
	dispatcher := queue.NewDispatcher(s, queueConfigs, queue.DispatcherConfig{
		PollInterval: cfg.Queue.PollInterval,
		StallTimeout: cfg.Queue.StallTimeout,
	}, logger)

	// Create deployment orchestrator
	orch := deploy.NewOrchestrator(s, engine, allocator, sb, notifier, q, deploy.Config{
		Host:         cfg.Deploy.Host,
		MemoryLimit:  cfg.Deploy.MemoryLimit,
		CPULimit:     cfg.Deploy.CPULimit,
		StopGrace:    cfg.Deploy.StopGrace,
		BuildTimeout: cfg.Build.Timeout,
	}, logger)

	// Create code generation client and healing loop
	if cfg.Generator.URL == "" {
		logger.Warn("generator url not configured, generation jobs will fail until APPSHIP_GENERATOR_URL is set")
	}
	gen := generator.NewClient(generator.Config{
		BaseURL: cfg.Generator.URL,
		APIKey:  cfg.Generator.APIKey,
		Timeout: cfg.Generator.Timeout,
	}, logger)
	healer := healing.NewService(gen, engine, sb, healing.Config{
		MaxRetries:   cfg.Healing.MaxRetries,
		BuildTimeout: cfg.Build.Timeout,
	}, logger)

	// Register queue handlers
	dispatcher.Register(domain.QueueGeneration, "generate", healer.Handler())
	dispatcher.Register(domain.QueueBuild, "build", orch.BuildHandler())
	dispatcher.Register(domain.QueueDeploy, "deploy", orch.DeployHandler())
	dispatcher.Register(domain.QueueNotification, "notify", notificationHandler(sinks))

	// Create HTTP handler
	handler := api.NewHandler(s, q, orch, engine, logger)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     engine,
		allocator:  allocator,
		notifier:   notifier,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// notificationHandler delivers a queued event to every sink. Any sink failure
// fails the job so the queue retries delivery.
func notificationHandler(sinks []notify.Sink) queue.Handler {
	return func(ctx context.Context, job *domain.Job, _ queue.ProgressFunc) ([]byte, error) {
		var event domain.Event
		if err := json.Unmarshal(job.Payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		for _, sink := range sinks {
			if err := sink.Deliver(ctx, event); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Release ports held by deployments that died with a previous process
	released, err := s.allocator.ReleaseStale(ctx, func(deploymentID string) bool {
		d, err := s.store.GetDeployment(ctx, deploymentID)
		return err == nil && d.Status == domain.StatusRunning
	})
	if err != nil {
		s.logger.Error("stale port sweep failed", "error", err)
	} else if released > 0 {
		s.logger.Info("released stale port allocations", "count", released)
	}

	// Start notification delivery and queue workers
	s.notifier.Start()
	s.dispatcher.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop queue workers; waits for in-flight jobs
	s.dispatcher.Stop()

	// Stop notification delivery
	s.notifier.Stop()

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
