package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/deploy"
	"github.com/artpar/appship/internal/shell/docker"
	"github.com/artpar/appship/internal/shell/ports"
	"github.com/artpar/appship/internal/shell/queue"
	"github.com/artpar/appship/internal/shell/sandbox"
	"github.com/artpar/appship/internal/shell/store"
)

// =============================================================================
// Fakes
// =============================================================================

type stubEngine struct {
	pingErr error
}

func (s *stubEngine) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubEngine) BuildImage(ctx context.Context, opts docker.BuildOptions) (*domain.BuildResult, error) {
	return &domain.BuildResult{Success: true, ImageID: "sha256:test"}, nil
}

func (s *stubEngine) RunContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	return "container-1", nil
}

func (s *stubEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (s *stubEngine) RemoveImage(ctx context.Context, imageID string) error { return nil }

func (s *stubEngine) Close() error { return nil }

type dropPublisher struct{}

func (dropPublisher) Publish(domain.Event) {}

// =============================================================================
// Fixtures
// =============================================================================

func newTestHandler(t *testing.T) (*Handler, store.Store, *stubEngine) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	allocator, err := ports.NewAllocator(st, domain.PortRange{Min: 4000, Max: 4010}, logger)
	require.NoError(t, err)
	allocator.SetProbe(func(port int) bool { return true })

	sb, err := sandbox.NewSandbox(t.TempDir())
	require.NoError(t, err)

	engine := &stubEngine{}
	q := queue.NewQueue(st, nil)
	orch := deploy.NewOrchestrator(st, engine, allocator, sb, dropPublisher{}, q, deploy.Config{
		Host: "localhost",
	}, logger)

	return NewHandler(st, q, orch, engine, logger), st, engine
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Tests
// =============================================================================

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestReadyReportsDockerFailure(t *testing.T) {
	h, _, engine := newTestHandler(t)
	engine.pingErr = docker.ErrEngineUnavailable

	rec := doRequest(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "failed", resp.Checks["docker"])
}

func TestCreateGeneration(t *testing.T) {
	h, st, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/generations", CreateGenerationRequest{
		ProjectID: "proj-1",
		UserID:    "user-1",
		Prompt:    "build a todo app",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp GenerationEnqueuedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.GenerationID)

	job, err := st.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueGeneration, job.Queue)
	assert.Equal(t, domain.JobQueued, job.Status)
	// Generation jobs get no queue-level retries.
	assert.Equal(t, 1, job.MaxAttempts)
}

func TestCreateGenerationRejectsMissingPrompt(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/generations", CreateGenerationRequest{
		ProjectID: "proj-1",
		UserID:    "user-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDeployment(t *testing.T) {
	h, st, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/deployments", CreateDeploymentRequest{
		ProjectID:   "proj-1",
		UserID:      "user-1",
		Environment: "preview",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp DeploymentEnqueuedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Deployment.Status)

	d, err := st.GetDeployment(context.Background(), resp.Deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)

	job, err := st.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueDeploy, job.Queue)
}

func TestCreateDeploymentRejectsMissingProject(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/deployments", CreateDeploymentRequest{
		UserID: "user-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDeploymentNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/deployments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeploymentsByProject(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()

	for _, project := range []string{"proj-1", "proj-1", "proj-2"} {
		d, err := domain.NewDeployment(project, "user-1", "", "preview")
		require.NoError(t, err)
		require.NoError(t, st.CreateDeployment(ctx, d))
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/deployments?project_id=proj-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []DeploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}

func TestStopDeploymentNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/deployments/nope/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob(t *testing.T) {
	h, st, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	q := queue.NewQueue(st, nil)
	jobID, err := q.EnqueueBuild(context.Background(), domain.BuildJob{
		BuildID: "build-1", ProjectID: "proj-1", UserID: "user-1",
	})
	require.NoError(t, err)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, domain.QueueBuild, resp.Queue)
}
