package api

import (
	"time"

	"github.com/artpar/appship/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateGenerationRequest asks for a prompt-to-app generation.
type CreateGenerationRequest struct {
	ProjectID string                  `json:"project_id"`
	UserID    string                  `json:"user_id"`
	Prompt    string                  `json:"prompt"`
	Type      string                  `json:"type,omitempty"`
	Assets    []string                `json:"assets,omitempty"`
	Config    domain.GenerationConfig `json:"config"`
}

// CreateDeploymentRequest asks for a build-and-deploy of a project.
type CreateDeploymentRequest struct {
	ProjectID   string               `json:"project_id"`
	UserID      string               `json:"user_id"`
	BuildID     string               `json:"build_id,omitempty"`
	Environment string               `json:"environment,omitempty"`
	Domain      *domain.CustomDomain `json:"domain,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// GenerationEnqueuedResponse reports the queued generation job.
type GenerationEnqueuedResponse struct {
	GenerationID string `json:"generation_id"`
	JobID        string `json:"job_id"`
}

// DeploymentResponse is the API shape of a deployment record.
type DeploymentResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	UserID      string     `json:"user_id"`
	BuildID     string     `json:"build_id,omitempty"`
	Environment string     `json:"environment"`
	Status      string     `json:"status"`
	ImageID     string     `json:"image_id,omitempty"`
	ContainerID string     `json:"container_id,omitempty"`
	Port        int        `json:"port,omitempty"`
	URL         string     `json:"url,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DeploymentEnqueuedResponse pairs the new record with its queued job.
type DeploymentEnqueuedResponse struct {
	Deployment DeploymentResponse `json:"deployment"`
	JobID      string             `json:"job_id"`
}

// JobResponse is the API shape of a queued job.
type JobResponse struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	Result   any    `json:"result,omitempty"`
}
