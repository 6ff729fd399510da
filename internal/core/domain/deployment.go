package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingProject    = errors.New("project id is required")
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusBuilding  DeploymentStatus = "building"
	StatusDeploying DeploymentStatus = "deploying"
	StatusRunning   DeploymentStatus = "running"
	StatusStopped   DeploymentStatus = "stopped"
	StatusFailed    DeploymentStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the durable record of one build→run→serve lifecycle.
// It is owned by the orchestrator handling the deployment's job; everything
// else reads it through the store.
type Deployment struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	UserID      string           `json:"user_id"`
	BuildID     string           `json:"build_id,omitempty"`
	Environment string           `json:"environment"`
	Status      DeploymentStatus `json:"status"`
	ImageID     string           `json:"image_id,omitempty"`
	ImageName   string           `json:"image_name,omitempty"`
	ContainerID string           `json:"container_id,omitempty"`
	Port        int              `json:"port,omitempty"`
	URL         string           `json:"url,omitempty"`
	Domain      *CustomDomain    `json:"domain,omitempty"`
	BuildLogs   []string         `json:"build_logs,omitempty"`
	ErrorMsg    string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CustomDomain is an optional vanity domain attached to a deployment.
type CustomDomain struct {
	Name string `json:"name"`
	SSL  bool   `json:"ssl"`
}

// NewDeployment creates a pending deployment record.
func NewDeployment(projectID, userID, buildID, environment string) (*Deployment, error) {
	if projectID == "" {
		return nil, ErrMissingProject
	}
	if environment == "" {
		environment = "preview"
	}
	now := time.Now().UTC()
	return &Deployment{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		UserID:      userID,
		BuildID:     buildID,
		Environment: environment,
		Status:      StatusPending,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition attempts to move the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}

	d.Status = to
	d.UpdatedAt = time.Now().UTC()

	if to.IsTerminal() {
		now := time.Now().UTC()
		d.CompletedAt = &now
	}
	return nil
}

// Fail transitions to failed with an error message. Failing is only valid
// while a build or deploy is in flight.
func (d *Deployment) Fail(errorMessage string) error {
	if err := d.Transition(StatusFailed); err != nil {
		return err
	}
	d.ErrorMsg = errorMessage
	return nil
}

// AppendBuildLog records one build output line in stream order.
func (d *Deployment) AppendBuildLog(line string) {
	d.BuildLogs = append(d.BuildLogs, line)
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status edges. There are no others:
// a deployment can only fail while building or deploying, and only a
// running deployment can be stopped.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:   {StatusBuilding},
	StatusBuilding:  {StatusDeploying, StatusFailed},
	StatusDeploying: {StatusRunning, StatusFailed},
	StatusRunning:   {StatusStopped},
	StatusStopped:   {},
	StatusFailed:    {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// URL Computation
// =============================================================================

// DeploymentURL computes the public URL for a running deployment.
// A custom domain with SSL gets https; otherwise the host:port form is used.
func DeploymentURL(domain *CustomDomain, host string, port int) string {
	if domain != nil && domain.Name != "" {
		if domain.SSL {
			return fmt.Sprintf("https://%s", domain.Name)
		}
		return fmt.Sprintf("http://%s", domain.Name)
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// ImageName returns the deterministic image tag for a project.
func ImageName(projectID string) string {
	return fmt.Sprintf("appship/%s:latest", projectID)
}
