// Package ports hands out exclusive host ports from a configured range.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/store"
)

// ProbeFunc reports whether a host port can currently be bound.
type ProbeFunc func(port int) bool

// tcpProbe attempts a bind-then-close on the port.
func tcpProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// =============================================================================
// Allocator
// =============================================================================

// Allocator assigns host ports so no two live deployments share one.
// Allocations are recorded in the store so they survive a restart; the mutex
// makes find+reserve atomic for concurrent callers in this process.
type Allocator struct {
	mu     sync.Mutex
	store  store.Store
	rng    domain.PortRange
	probe  ProbeFunc
	logger *slog.Logger
}

// NewAllocator creates an allocator over the given range.
func NewAllocator(st store.Store, rng domain.PortRange, logger *slog.Logger) (*Allocator, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{
		store:  st,
		rng:    rng,
		probe:  tcpProbe,
		logger: logger,
	}, nil
}

// SetProbe overrides the bind probe. Tests use this to avoid real sockets.
func (a *Allocator) SetProbe(probe ProbeFunc) {
	a.probe = probe
}

// FindAvailablePort scans the range ascending and returns the first port that
// is neither recorded as allocated nor currently bound by another process.
// The port is not reserved; a caller that needs exclusivity uses Allocate.
func (a *Allocator) FindAvailablePort(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findLocked(ctx)
}

func (a *Allocator) findLocked(ctx context.Context) (int, error) {
	allocs, err := a.store.ListPortAllocations(ctx)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(allocs))
	for _, alloc := range allocs {
		taken[alloc.Port] = true
	}

	for port := a.rng.Min; port <= a.rng.Max; port++ {
		if taken[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: range %d-%d", domain.ErrNoAvailablePort, a.rng.Min, a.rng.Max)
}

// Reserve records a claim on a specific port. A port already claimed is
// rejected with ErrPortReserved.
func (a *Allocator) Reserve(ctx context.Context, port int, projectID, deploymentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserveLocked(ctx, port, projectID, deploymentID)
}

func (a *Allocator) reserveLocked(ctx context.Context, port int, projectID, deploymentID string) error {
	err := a.store.InsertPortAllocation(ctx, &domain.PortAllocation{
		Port:         port,
		ProjectID:    projectID,
		DeploymentID: deploymentID,
		AllocatedAt:  time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePort) {
			return fmt.Errorf("%w: %d", domain.ErrPortReserved, port)
		}
		return err
	}
	return nil
}

// Allocate finds and reserves a port in one step. Two concurrent callers never
// receive the same port.
func (a *Allocator) Allocate(ctx context.Context, projectID, deploymentID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, err := a.findLocked(ctx)
	if err != nil {
		return 0, err
	}
	if err := a.reserveLocked(ctx, port, projectID, deploymentID); err != nil {
		return 0, err
	}
	return port, nil
}

// Release frees a port. Releasing a port that is not reserved is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed, err := a.store.DeletePortAllocation(ctx, port)
	if err != nil {
		return err
	}
	if removed {
		a.logger.Debug("released port", "port", port)
	}
	return nil
}

// ReleaseProjectPorts frees every port held by a project.
func (a *Allocator) ReleaseProjectPorts(ctx context.Context, projectID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.store.DeleteProjectPortAllocations(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("released project ports", "project_id", projectID, "count", n)
	}
	return n, nil
}

// IsPortAvailable reports whether a port could be handed out right now.
func (a *Allocator) IsPortAvailable(ctx context.Context, port int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocated, err := a.store.IsPortAllocated(ctx, port)
	if err != nil {
		return false, err
	}
	if allocated {
		return false, nil
	}
	return a.probe(port), nil
}

// ReleaseStale drops allocations whose deployment is no longer running.
// Run at startup so ports held by deployments that died with a previous
// process return to the pool.
func (a *Allocator) ReleaseStale(ctx context.Context, isLive func(deploymentID string) bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocs, err := a.store.ListPortAllocations(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, alloc := range allocs {
		if isLive(alloc.DeploymentID) {
			continue
		}
		removed, err := a.store.DeletePortAllocation(ctx, alloc.Port)
		if err != nil {
			return released, err
		}
		if removed {
			released++
			a.logger.Info("released stale port", "port", alloc.Port, "deployment_id", alloc.DeploymentID)
		}
	}
	return released, nil
}
