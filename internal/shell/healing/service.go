// Package healing runs the generate → build → fix loop for generation jobs.
package healing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/appship/internal/core/domain"
	corehealing "github.com/artpar/appship/internal/core/healing"
	"github.com/artpar/appship/internal/shell/docker"
	"github.com/artpar/appship/internal/shell/queue"
	"github.com/artpar/appship/internal/shell/sandbox"
)

// =============================================================================
// Collaborators
// =============================================================================

// Generator is the external code generator.
type Generator interface {
	// Generate produces the initial file set for a prompt.
	Generate(ctx context.Context, job domain.GenerationJob) ([]domain.GeneratedFile, error)
	// Fix produces a file set addressing only the broken parts described in
	// the request. Returning zero files means no fix could be produced.
	Fix(ctx context.Context, req corehealing.FixRequest) ([]domain.GeneratedFile, error)
}

// Builder is the subset of the container engine the loop needs.
type Builder interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, opts docker.BuildOptions) (*domain.BuildResult, error)
}

// =============================================================================
// Service
// =============================================================================

// Config tunes the healing loop.
type Config struct {
	// MaxRetries is the fix-attempt bound. The first build is not a retry.
	MaxRetries int
	// BuildTimeout bounds each build attempt.
	BuildTimeout time.Duration
}

// Service wraps one generation + self-healed build cycle. Healing state
// lives for exactly one generation job; generation jobs are enqueued with a
// single queue-level attempt so queue redelivery can never restart a healing
// loop from attempt zero.
type Service struct {
	generator Generator
	builder   Builder
	sandbox   *sandbox.Sandbox
	cfg       Config
	logger    *slog.Logger
}

// NewService creates the healing service.
func NewService(generator Generator, builder Builder, sb *sandbox.Sandbox, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Service{
		generator: generator,
		builder:   builder,
		sandbox:   sb,
		cfg:       cfg,
		logger:    logger.With("component", "healing"),
	}
}

// Handler returns the generation queue handler.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, job *domain.Job, progress queue.ProgressFunc) ([]byte, error) {
		started := time.Now()

		var payload domain.GenerationJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		if err := payload.Validate(); err != nil {
			return nil, err
		}

		outcome, err := s.GenerateWithHealing(ctx, payload, progress)

		// Healing exhaustion is a business failure: the job completes with a
		// failed outcome carrying the error history and the broken file set.
		// Anything else (validation, engine down) fails the job itself.
		if err != nil && !errors.Is(err, corehealing.ErrRetriesExhausted) {
			return nil, err
		}

		result, rerr := domain.NewJobResult(outcome, err, started)
		if rerr != nil {
			return nil, rerr
		}
		return json.Marshal(result)
	}
}

// GenerateWithHealing generates code, builds it, and on build failure asks
// the generator for targeted fixes until the build passes or the retry
// bound is spent. The returned outcome always carries the full error
// history; a failed outcome also carries the final still-broken file set.
func (s *Service) GenerateWithHealing(ctx context.Context, job domain.GenerationJob, progress queue.ProgressFunc) (*corehealing.Outcome, error) {
	logger := s.logger.With("generation_id", job.GenerationID, "project_id", job.ProjectID)
	hc := corehealing.NewContext(s.cfg.MaxRetries)

	if err := s.builder.Ping(ctx); err != nil {
		return nil, err
	}

	progress(5, "generating code")
	files, err := s.generator.Generate(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("code generation failed: %w", err)
	}
	hc.Merge(files)
	logger.Info("code generated", "files", hc.FileCount())

	progress(30, "building")
	buildLogs, buildErr := s.writeAndBuild(ctx, job.ProjectID, hc)
	if buildErr == nil {
		outcome := hc.Outcome(true)
		progress(100, "build passed")
		logger.Info("build passed first try")
		return &outcome, nil
	}
	hc.RecordError(buildErr.Error())
	errorLog := fixErrorLog(buildErr, buildLogs)

	for hc.CanRetry() {
		if err := hc.BeginAttempt(); err != nil {
			break
		}

		percent := 30 + 60*hc.Attempt/(s.cfg.MaxRetries+1)
		progress(percent, fmt.Sprintf("build failed, fix attempt %d of %d", hc.Attempt, hc.MaxRetries))
		logger.Warn("build failed, requesting fix", "attempt", hc.Attempt, "error", truncate(hc.LastError(), 200))

		fixes, err := s.generator.Fix(ctx, hc.NewFixRequest(job.ProjectID, errorLog))
		if err != nil {
			hc.RecordError(fmt.Sprintf("fix generation failed: %v", err))
			continue
		}
		if len(fixes) == 0 {
			hc.RecordError(corehealing.ErrNoFixProduced.Error())
			continue
		}
		hc.Merge(fixes)

		buildLogs, buildErr = s.writeAndBuild(ctx, job.ProjectID, hc)
		if buildErr == nil {
			outcome := hc.Outcome(true)
			progress(100, "build passed")
			logger.Info("healing succeeded", "attempts", hc.Attempt, "fixed_files", len(hc.FixedFiles))
			return &outcome, nil
		}
		hc.RecordError(buildErr.Error())
		errorLog = fixErrorLog(buildErr, buildLogs)
	}

	outcome := hc.Outcome(false)
	logger.Error("healing exhausted", "attempts", hc.Attempt, "errors", len(hc.PreviousErrors))
	return &outcome, fmt.Errorf("%w after %d attempts: %s",
		corehealing.ErrRetriesExhausted, hc.Attempt, truncate(hc.LastError(), 200))
}

// writeAndBuild materializes the working set and runs one build attempt.
// On failure it returns the captured build output so the fix request can
// carry the compiler and package-manager lines behind the error.
func (s *Service) writeAndBuild(ctx context.Context, projectID string, hc *corehealing.Context) ([]string, error) {
	dir, err := s.sandbox.WriteFiles(projectID, hc.WorkingSet())
	if err != nil {
		return nil, err
	}

	result, err := s.builder.BuildImage(ctx, docker.BuildOptions{
		ContextDir: dir,
		Tag:        domain.ImageName(projectID),
		Timeout:    s.cfg.BuildTimeout,
	})
	if err != nil {
		var logs []string
		if result != nil {
			logs = result.Logs
		}
		if result != nil && result.Error != "" {
			return logs, fmt.Errorf("build failed: %s", result.Error)
		}
		return logs, err
	}
	return nil, nil
}

// errorLogTail bounds how many trailing build output lines a fix request
// carries.
const errorLogTail = 40

// fixErrorLog joins the build error with the tail of the build output.
func fixErrorLog(err error, logs []string) string {
	if len(logs) > errorLogTail {
		logs = logs[len(logs)-errorLogTail:]
	}
	if len(logs) == 0 {
		return err.Error()
	}
	return err.Error() + "\n" + strings.Join(logs, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
