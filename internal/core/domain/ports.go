package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Port Allocation
// =============================================================================

var (
	ErrNoAvailablePort = errors.New("no available port in range")
	ErrPortReserved    = errors.New("port is already reserved")
	ErrInvalidRange    = errors.New("invalid port range")
)

// PortAllocation is an exclusive claim on a host TCP port for one
// deployment. A port present in the allocation table is never handed out
// again until released.
type PortAllocation struct {
	Port         int       `json:"port"`
	ProjectID    string    `json:"project_id,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// PortRange is the configured window of host ports the allocator may use.
type PortRange struct {
	Min int
	Max int
}

// Validate checks the range is usable.
func (r PortRange) Validate() error {
	if r.Min <= 0 || r.Max <= 0 || r.Min > r.Max {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.Min, r.Max)
	}
	if r.Max > 65535 {
		return fmt.Errorf("%w: max %d exceeds 65535", ErrInvalidRange, r.Max)
	}
	return nil
}
