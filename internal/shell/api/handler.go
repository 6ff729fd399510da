// Package api provides the HTTP status and control surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/shell/deploy"
	"github.com/artpar/appship/internal/shell/docker"
	"github.com/artpar/appship/internal/shell/queue"
	"github.com/artpar/appship/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Handler serves the REST API.
type Handler struct {
	store        store.Store
	queue        *queue.Queue
	orchestrator *deploy.Orchestrator
	engine       docker.Engine
	logger       *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(s store.Store, q *queue.Queue, orch *deploy.Orchestrator, engine docker.Engine, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		store:        s,
		queue:        q,
		orchestrator: orch,
		engine:       engine,
		logger:       l,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/generations", h.handleCreateGeneration)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleCreateDeployment)
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Post("/{id}/stop", h.handleStopDeployment)
		})

		r.Get("/jobs/{id}", h.handleGetJob)
	})

	return r
}

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	checks["database"] = "ok"

	if err := h.engine.Ping(r.Context()); err != nil {
		checks["docker"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Checks: checks,
		})
		return
	}
	checks["docker"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Generation Handlers
// =============================================================================

func (h *Handler) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req CreateGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	payload := domain.GenerationJob{
		GenerationID: uuid.New().String(),
		ProjectID:    req.ProjectID,
		UserID:       req.UserID,
		Prompt:       req.Prompt,
		Type:         req.Type,
		Assets:       req.Assets,
		Config:       req.Config,
	}

	jobID, err := h.queue.EnqueueGeneration(r.Context(), payload)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		h.logger.Error("failed to enqueue generation", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue generation", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, GenerationEnqueuedResponse{
		GenerationID: payload.GenerationID,
		JobID:        jobID,
	})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	deployment, err := domain.NewDeployment(req.ProjectID, req.UserID, req.BuildID, req.Environment)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}
	deployment.Domain = req.Domain

	payload := domain.DeployJob{
		DeploymentID: deployment.ID,
		ProjectID:    deployment.ProjectID,
		UserID:       deployment.UserID,
		BuildID:      deployment.BuildID,
		Environment:  deployment.Environment,
		Domain:       req.Domain,
	}
	if err := payload.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	if err := h.store.CreateDeployment(r.Context(), deployment); err != nil {
		h.logger.Error("failed to create deployment", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create deployment", "internal_error")
		return
	}

	jobID, err := h.queue.EnqueueDeploy(r.Context(), payload)
	if err != nil {
		h.logger.Error("failed to enqueue deploy", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue deploy", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, DeploymentEnqueuedResponse{
		Deployment: deploymentToResponse(deployment),
		JobID:      jobID,
	})
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deployment, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
			return
		}
		h.logger.Error("failed to get deployment", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, deploymentToResponse(deployment))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	var opts store.ListOptions
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	var deployments []domain.Deployment
	var err error
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		deployments, err = h.store.ListDeploymentsByProject(r.Context(), projectID, opts)
	} else {
		deployments, err = h.store.ListDeployments(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}

	responses := make([]DeploymentResponse, 0, len(deployments))
	for i := range deployments {
		responses = append(responses, deploymentToResponse(&deployments[i]))
	}
	h.writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found, err := h.orchestrator.StopDeployment(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			h.writeError(w, http.StatusConflict, "deployment is not running", "invalid_transition")
			return
		}
		h.logger.Error("failed to stop deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to stop deployment", "internal_error")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
		return
	}

	deployment, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get deployment after stop", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(deployment))
}

// =============================================================================
// Job Handlers
// =============================================================================

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "job not found", "job_not_found")
			return
		}
		h.logger.Error("failed to get job", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get job", "internal_error")
		return
	}

	resp := JobResponse{
		ID:       job.ID,
		Queue:    job.Queue,
		Type:     job.Type,
		Status:   string(job.Status),
		Attempts: job.Attempts,
		Progress: job.Progress,
		Error:    job.ErrorMsg,
	}
	if len(job.Result) > 0 {
		resp.Result = json.RawMessage(job.Result)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		UserID:      d.UserID,
		BuildID:     d.BuildID,
		Environment: d.Environment,
		Status:      string(d.Status),
		ImageID:     d.ImageID,
		ContainerID: d.ContainerID,
		Port:        d.Port,
		URL:         d.URL,
		Error:       d.ErrorMsg,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
	}
}
