// Package docker builds application images and runs their containers
// through the Docker Engine API.
package docker

import (
	"context"
	"time"

	"github.com/artpar/appship/internal/core/domain"
)

// =============================================================================
// Engine Interface
// =============================================================================

// Engine is the container backend used by the deployment pipeline.
type Engine interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, opts BuildOptions) (*domain.BuildResult, error)
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveImage(ctx context.Context, imageID string) error
	Close() error
}

// =============================================================================
// Build Types
// =============================================================================

// LogFunc receives one build output line at a time, in stream order.
type LogFunc func(line string)

// BuildOptions configures an image build.
type BuildOptions struct {
	// ContextDir is the directory holding the Dockerfile and app sources.
	ContextDir string
	// Tag is the image name to apply, e.g. "appship/proj-123:latest".
	Tag string
	// BuildArgs are passed through to the Dockerfile.
	BuildArgs map[string]*string
	// Timeout bounds the whole build. Zero means no deadline beyond ctx.
	Timeout time.Duration
	// OnLog, when set, receives each rendered output line as it arrives.
	OnLog LogFunc
}

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec describes one app container.
type ContainerSpec struct {
	Name         string
	Image        string
	HostPort     int
	InternalPort int // container-side port the app listens on
	Env          map[string]string
	Labels       map[string]string
	// Resource ceilings. Zero means unlimited.
	MemoryLimit int64   // bytes
	CPULimit    float64 // cores
	// RestartPolicy is a Docker restart policy name. Empty means "unless-stopped".
	RestartPolicy string
}
