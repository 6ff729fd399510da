package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Job Errors
// =============================================================================

var (
	ErrInvalidPayload  = errors.New("invalid job payload")
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotClaimable = errors.New("job is not claimable")
)

// =============================================================================
// Queues
// =============================================================================

// Queue names. Each queue gets its own worker pool with independently
// configured concurrency and rate limits.
const (
	QueueGeneration   = "generation"
	QueueBuild        = "build"
	QueueDeploy       = "deploy"
	QueueNotification = "notification"
)

// KnownQueues lists every queue the dispatcher may own.
func KnownQueues() []string {
	return []string{QueueGeneration, QueueBuild, QueueDeploy, QueueNotification}
}

// =============================================================================
// Job
// =============================================================================

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a typed unit of work on a named queue. The queue guarantees
// at-least-once delivery and at most one active worker per job id.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorMsg    string          `json:"error,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	LockedBy    string          `json:"locked_by,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExhaustedAttempts reports whether the queue-level attempt bound is spent.
func (j *Job) ExhaustedAttempts() bool {
	return j.Attempts >= j.MaxAttempts
}

// =============================================================================
// Job Payloads
// =============================================================================

// GenerationConfig tunes the external code generator for one job.
type GenerationConfig struct {
	Framework   string  `json:"framework,omitempty"`
	Styling     string  `json:"styling,omitempty"`
	Language    string  `json:"language,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerationJob asks for code generation plus a self-healed build.
type GenerationJob struct {
	GenerationID string           `json:"generation_id"`
	ProjectID    string           `json:"project_id"`
	UserID       string           `json:"user_id"`
	Prompt       string           `json:"prompt"`
	Type         string           `json:"type,omitempty"`
	Assets       []string         `json:"assets,omitempty"`
	Config       GenerationConfig `json:"config"`
}

// Validate rejects malformed payloads before any resource is touched.
func (p *GenerationJob) Validate() error {
	if p.GenerationID == "" {
		return fmt.Errorf("%w: generation_id is required", ErrInvalidPayload)
	}
	if p.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidPayload)
	}
	if p.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	return nil
}

// BuildConfig carries per-project build settings.
type BuildConfig struct {
	BuildCommand    string            `json:"build_command,omitempty"`
	OutputDirectory string            `json:"output_directory,omitempty"`
	InstallCommand  string            `json:"install_command,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	NodeVersion     string            `json:"node_version,omitempty"`
}

// GitInfo identifies the source revision a build came from.
type GitInfo struct {
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// BuildJob asks for an image build without deployment.
type BuildJob struct {
	BuildID   string      `json:"build_id"`
	ProjectID string      `json:"project_id"`
	UserID    string      `json:"user_id"`
	Config    BuildConfig `json:"config"`
	Git       *GitInfo    `json:"git_info,omitempty"`
}

func (p *BuildJob) Validate() error {
	if p.BuildID == "" {
		return fmt.Errorf("%w: build_id is required", ErrInvalidPayload)
	}
	if p.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidPayload)
	}
	return nil
}

// DeployJob asks for a full build→port→run→publish cycle.
type DeployJob struct {
	DeploymentID string        `json:"deployment_id"`
	ProjectID    string        `json:"project_id"`
	UserID       string        `json:"user_id"`
	BuildID      string        `json:"build_id,omitempty"`
	Environment  string        `json:"environment"`
	Domain       *CustomDomain `json:"domain,omitempty"`
}

var validEnvironments = map[string]bool{
	"preview":    true,
	"staging":    true,
	"production": true,
}

func (p *DeployJob) Validate() error {
	if p.DeploymentID == "" {
		return fmt.Errorf("%w: deployment_id is required", ErrInvalidPayload)
	}
	if p.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidPayload)
	}
	if p.Environment != "" && !validEnvironments[p.Environment] {
		return fmt.Errorf("%w: environment %q is not one of preview/staging/production", ErrInvalidPayload, p.Environment)
	}
	return nil
}

// =============================================================================
// Job Results
// =============================================================================

// JobResult is the common envelope every handler returns to the queue.
type JobResult struct {
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CompletedAt time.Time       `json:"completed_at"`
}

// NewJobResult builds a result envelope from a handler outcome.
func NewJobResult(output any, err error, started time.Time) (*JobResult, error) {
	res := &JobResult{
		Success:     err == nil,
		DurationMs:  time.Since(started).Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	if output != nil {
		raw, mErr := json.Marshal(output)
		if mErr != nil {
			return nil, fmt.Errorf("marshal job output: %w", mErr)
		}
		res.Output = raw
	}
	return res, nil
}
