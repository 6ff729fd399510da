// Package deploy sequences build → port-allocate → run → publish for a
// deployment and tears down partial allocations on any failure.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/core/manifest"
	"github.com/artpar/appship/internal/shell/docker"
	"github.com/artpar/appship/internal/shell/ports"
	"github.com/artpar/appship/internal/shell/queue"
	"github.com/artpar/appship/internal/shell/sandbox"
	"github.com/artpar/appship/internal/shell/store"
)

// =============================================================================
// Configuration and Collaborators
// =============================================================================

// Config carries the environment-sourced runtime settings for deployments.
type Config struct {
	// Host is the public hostname used when no custom domain is set.
	Host string
	// MemoryLimit and CPULimit are per-container ceilings.
	MemoryLimit int64
	CPULimit    float64
	// StopGrace is how long a container gets to exit before force-kill.
	StopGrace time.Duration
	// BuildTimeout bounds one image build.
	BuildTimeout time.Duration
}

// Publisher receives lifecycle events on the hot path. Implementations must
// not block.
type Publisher interface {
	Publish(event domain.Event)
}

// NotificationEnqueuer queues an event for durable delivery.
type NotificationEnqueuer interface {
	EnqueueNotification(ctx context.Context, event domain.Event) (string, error)
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns the deployment state machine. All mutation of a
// deployment record happens on the worker running that deployment's job.
type Orchestrator struct {
	store     store.Store
	engine    docker.Engine
	allocator *ports.Allocator
	sandbox   *sandbox.Sandbox
	events    Publisher
	notifs    NotificationEnqueuer
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator wires the deployment pipeline together.
func NewOrchestrator(
	st store.Store,
	engine docker.Engine,
	allocator *ports.Allocator,
	sb *sandbox.Sandbox,
	events Publisher,
	notifs NotificationEnqueuer,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     st,
		engine:    engine,
		allocator: allocator,
		sandbox:   sb,
		events:    events,
		notifs:    notifs,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
	}
}

// =============================================================================
// Job Handlers
// =============================================================================

// BuildHandler returns the handler for jobs on the build queue. A build job
// produces an image and caches its id on the deployment record so a later
// deploy job can skip the build step. A failed build is terminal: the job
// completes with a failed result, it is never retried by the queue.
func (o *Orchestrator) BuildHandler() queue.Handler {
	return func(ctx context.Context, job *domain.Job, progress queue.ProgressFunc) ([]byte, error) {
		started := time.Now()

		var payload domain.BuildJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		if err := payload.Validate(); err != nil {
			return nil, err
		}

		// An unreachable engine is transient: leave the record untouched
		// and return the error so the queue retries.
		if err := o.engine.Ping(ctx); err != nil {
			return nil, err
		}

		d, err := o.deploymentForBuild(ctx, &payload)
		if err != nil {
			return nil, err
		}

		progress(10, "building image")
		if buildErr := o.buildPhase(ctx, d, progress); buildErr != nil {
			o.failBuild(ctx, d, buildErr)
			return failedResult(domain.BuildResult{
				Success: false,
				Logs:    d.BuildLogs,
				Error:   buildErr.Error(),
			}, buildErr, started)
		}

		result, err := domain.NewJobResult(domain.BuildResult{
			Success: true,
			ImageID: d.ImageID,
			Logs:    d.BuildLogs,
		}, nil, started)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

// DeployHandler returns the handler for jobs on the deploy queue. Pipeline
// failures (build, port exhaustion, container run) mark the deployment
// FAILED and complete the job with a failed result; retrying them from the
// queue would replay the pipeline against an already-terminal record. Only
// faults hit before the pipeline starts return an error for queue retry.
func (o *Orchestrator) DeployHandler() queue.Handler {
	return func(ctx context.Context, job *domain.Job, progress queue.ProgressFunc) ([]byte, error) {
		started := time.Now()

		var payload domain.DeployJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		if err := payload.Validate(); err != nil {
			return nil, err
		}

		if err := o.engine.Ping(ctx); err != nil {
			return nil, err
		}

		d, err := o.deploymentForDeploy(ctx, &payload)
		if err != nil {
			return nil, err
		}

		if deployErr := o.runDeploy(ctx, d, progress); deployErr != nil {
			return failedResult(map[string]any{
				"deployment_id": d.ID,
			}, deployErr, started)
		}

		result, err := domain.NewJobResult(map[string]any{
			"deployment_id": d.ID,
			"url":           d.URL,
			"port":          d.Port,
			"container_id":  d.ContainerID,
		}, nil, started)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

// deploymentForBuild finds the record a build job targets, creating one when
// the build was requested before any deployment exists.
func (o *Orchestrator) deploymentForBuild(ctx context.Context, payload *domain.BuildJob) (*domain.Deployment, error) {
	existing, err := o.store.ListDeploymentsByProject(ctx, payload.ProjectID, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].BuildID == payload.BuildID && !existing[i].Status.IsTerminal() {
			return &existing[i], nil
		}
	}

	d, err := domain.NewDeployment(payload.ProjectID, payload.UserID, payload.BuildID, "")
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// deploymentForDeploy loads the record named by the deploy job, creating it
// when the job arrived before the record (the id in the payload wins).
func (o *Orchestrator) deploymentForDeploy(ctx context.Context, payload *domain.DeployJob) (*domain.Deployment, error) {
	d, err := o.store.GetDeployment(ctx, payload.DeploymentID)
	if err == nil {
		if payload.Domain != nil {
			d.Domain = payload.Domain
		}
		return d, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	d, err = domain.NewDeployment(payload.ProjectID, payload.UserID, payload.BuildID, payload.Environment)
	if err != nil {
		return nil, err
	}
	d.ID = payload.DeploymentID
	d.Domain = payload.Domain
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// =============================================================================
// Deploy State Machine
// =============================================================================

// runDeploy drives one deployment to RUNNING or FAILED. Every failure path
// funnels through a single cleanup that stops the container if one started,
// releases the port if one was allocated, and records the failure. Cleanup
// runs exactly once no matter which step failed.
func (o *Orchestrator) runDeploy(ctx context.Context, d *domain.Deployment, progress queue.ProgressFunc) error {
	var (
		allocatedPort int
		containerID   string
		cleanedUp     bool
	)

	cleanup := func(cause error) {
		if cleanedUp {
			return
		}
		cleanedUp = true

		if containerID != "" {
			if err := o.engine.StopContainer(ctx, containerID, o.cfg.StopGrace); err != nil {
				o.logger.Error("cleanup: failed to stop container", "deployment_id", d.ID, "container_id", containerID, "error", err)
			}
		}
		if allocatedPort != 0 {
			if err := o.allocator.Release(ctx, allocatedPort); err != nil {
				o.logger.Error("cleanup: failed to release port", "deployment_id", d.ID, "port", allocatedPort, "error", err)
			}
		}
		o.fail(ctx, d, cause)
	}

	// Step 1-2: build unless a prior build job cached the image.
	if d.ImageID == "" {
		progress(10, "building image")
		if err := o.buildPhase(ctx, d, progress); err != nil {
			cleanup(err)
			return err
		}
	}
	progress(40, "image ready")

	if err := o.transition(ctx, d, domain.StatusDeploying); err != nil {
		cleanup(err)
		return err
	}
	o.events.Publish(domain.NewEvent(domain.EventDeploying, d, "starting container"))

	// Step 3: claim a host port.
	progress(60, "allocating port")
	port, err := o.allocator.Allocate(ctx, d.ProjectID, d.ID)
	if err != nil {
		cleanup(err)
		return err
	}
	allocatedPort = port

	// Step 4: run the container.
	progress(80, "starting container")
	id, err := o.runContainer(ctx, d, port)
	if err != nil {
		cleanup(err)
		return err
	}
	containerID = id

	// Step 5: publish the URL and go RUNNING.
	d.Port = port
	d.ContainerID = id
	d.URL = domain.DeploymentURL(d.Domain, o.cfg.Host, port)
	if err := o.transition(ctx, d, domain.StatusRunning); err != nil {
		cleanup(err)
		return err
	}

	progress(100, "running")
	o.events.Publish(domain.NewEvent(domain.EventReady, d, "deployment is live"))
	o.enqueueNotification(ctx, domain.NewEvent(domain.EventReady, d, "deployment is live"))
	o.logger.Info("deployment running", "deployment_id", d.ID, "project_id", d.ProjectID, "url", d.URL)
	return nil
}

// buildPhase transitions to BUILDING and builds the project image, streaming
// log lines onto the record in order.
func (o *Orchestrator) buildPhase(ctx context.Context, d *domain.Deployment, progress queue.ProgressFunc) error {
	if d.Status == domain.StatusPending {
		if err := o.transition(ctx, d, domain.StatusBuilding); err != nil {
			return err
		}
	}
	o.events.Publish(domain.NewEvent(domain.EventBuilding, d, "building image"))

	contextDir, err := o.sandbox.ProjectDir(d.ProjectID)
	if err != nil {
		return err
	}

	tag := domain.ImageName(d.ProjectID)
	result, err := o.engine.BuildImage(ctx, docker.BuildOptions{
		ContextDir: contextDir,
		Tag:        tag,
		Timeout:    o.cfg.BuildTimeout,
		OnLog: func(line string) {
			d.AppendBuildLog(line)
		},
	})
	if result != nil && len(result.Logs) > 0 {
		// The callback already appended stream lines; keep whatever extra
		// context a failed result carries.
		d.BuildLogs = result.Logs
	}
	if err != nil {
		return err
	}

	d.ImageID = result.ImageID
	d.ImageName = tag
	if uerr := o.store.UpdateDeployment(ctx, d); uerr != nil {
		return uerr
	}
	return nil
}

// runContainer starts the app container bound to the allocated host port.
func (o *Orchestrator) runContainer(ctx context.Context, d *domain.Deployment, hostPort int) (string, error) {
	m, err := o.loadManifest(d.ProjectID)
	if err != nil {
		return "", err
	}

	env := map[string]string{
		"PORT":     fmt.Sprintf("%d", m.InternalPort),
		"NODE_ENV": "production",
	}
	for k, v := range m.Env {
		env[k] = v
	}

	return o.engine.RunContainer(ctx, docker.ContainerSpec{
		Name:         fmt.Sprintf("appship-%s", d.ProjectID),
		Image:        d.ImageName,
		HostPort:     hostPort,
		InternalPort: m.InternalPort,
		Env:          env,
		Labels: map[string]string{
			"appship.project":    d.ProjectID,
			"appship.deployment": d.ID,
		},
		MemoryLimit: o.cfg.MemoryLimit,
		CPULimit:    o.cfg.CPULimit,
	})
}

// loadManifest reads the optional appship.yaml from the project workspace.
func (o *Orchestrator) loadManifest(projectID string) (*manifest.Manifest, error) {
	dir, err := o.sandbox.ProjectDir(projectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifest.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return manifest.FromFiles(nil)
		}
		return nil, err
	}
	return manifest.Parse(data)
}

// =============================================================================
// Stop
// =============================================================================

// StopDeployment tears down a running deployment. It reports false for an
// unknown id and changes nothing in that case.
func (o *Orchestrator) StopDeployment(ctx context.Context, deploymentID string) (bool, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if d.Status == domain.StatusStopped {
		return true, nil
	}

	if d.ContainerID != "" {
		if err := o.engine.StopContainer(ctx, d.ContainerID, o.cfg.StopGrace); err != nil {
			return true, err
		}
	}
	if d.Port != 0 {
		if err := o.allocator.Release(ctx, d.Port); err != nil {
			return true, err
		}
	}

	if err := o.transition(ctx, d, domain.StatusStopped); err != nil {
		return true, err
	}
	o.events.Publish(domain.NewEvent(domain.EventStopped, d, "deployment stopped"))
	o.logger.Info("deployment stopped", "deployment_id", d.ID, "project_id", d.ProjectID)
	return true, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (o *Orchestrator) transition(ctx context.Context, d *domain.Deployment, to domain.DeploymentStatus) error {
	if err := d.Transition(to); err != nil {
		return err
	}
	return o.store.UpdateDeployment(ctx, d)
}

// fail records a terminal failure, emits the failure event, and queues the
// failure notification. No failure is silent.
func (o *Orchestrator) fail(ctx context.Context, d *domain.Deployment, cause error) {
	if err := d.Fail(cause.Error()); err != nil {
		o.logger.Error("failed to record deployment failure", "deployment_id", d.ID, "cause", cause, "error", err)
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		o.logger.Error("failed to persist deployment failure", "deployment_id", d.ID, "error", err)
	}

	event := domain.NewEvent(domain.EventFailed, d, "deployment failed")
	o.events.Publish(event)
	o.enqueueNotification(ctx, event)
	o.logger.Error("deployment failed", "deployment_id", d.ID, "project_id", d.ProjectID, "error", cause)
}

// failBuild is the failure path for standalone build jobs. No port or
// container exists yet, so there is nothing to release.
func (o *Orchestrator) failBuild(ctx context.Context, d *domain.Deployment, cause error) {
	o.fail(ctx, d, cause)
}

// failedResult completes a job with a terminal pipeline failure. The cause
// lives in the result payload; the job itself succeeded at determining the
// deployment cannot proceed.
func failedResult(output any, cause error, started time.Time) ([]byte, error) {
	result, err := domain.NewJobResult(output, cause, started)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (o *Orchestrator) enqueueNotification(ctx context.Context, event domain.Event) {
	if o.notifs == nil {
		return
	}
	if _, err := o.notifs.EnqueueNotification(ctx, event); err != nil {
		o.logger.Warn("failed to enqueue notification", "event", event.Event, "error", err)
	}
}
