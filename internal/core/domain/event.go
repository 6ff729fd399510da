package domain

import "time"

// =============================================================================
// Deployment Events
// =============================================================================

// EventType identifies a deployment lifecycle event sent to the notifier.
type EventType string

const (
	EventBuilding  EventType = "deployment:building"
	EventDeploying EventType = "deployment:deploying"
	EventReady     EventType = "deployment:ready"
	EventFailed    EventType = "deployment:failed"
	EventStopped   EventType = "deployment:stopped"
)

// Event is the fire-and-forget progress notification emitted while a
// deployment moves through its lifecycle. Delivery failures are ignored by
// the emitting path.
type Event struct {
	Event        EventType        `json:"event"`
	DeploymentID string           `json:"deployment_id"`
	ProjectID    string           `json:"project_id"`
	Status       DeploymentStatus `json:"status"`
	Message      string           `json:"message,omitempty"`
	URL          string           `json:"url,omitempty"`
	Port         int              `json:"port,omitempty"`
	ContainerID  string           `json:"container_id,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewEvent builds an event snapshot from a deployment record.
func NewEvent(typ EventType, d *Deployment, message string) Event {
	return Event{
		Event:        typ,
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Status:       d.Status,
		Message:      message,
		URL:          d.URL,
		Port:         d.Port,
		ContainerID:  d.ContainerID,
		Error:        d.ErrorMsg,
		Timestamp:    time.Now().UTC(),
	}
}
