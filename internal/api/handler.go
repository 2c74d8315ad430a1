// Package api provides the HTTP API handlers and routing for the orchestrator.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
	"molorch/internal/health"
	"molorch/internal/jobmgr"
	"molorch/internal/pipeline"
	"molorch/internal/registry"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the orchestrator API.
type Handler struct {
	jobs     *jobmgr.Manager
	flows    *pipeline.Coordinator
	catalog  *catalog.Catalog
	registry *registry.Registry
	health   *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(jobs *jobmgr.Manager, flows *pipeline.Coordinator, cat *catalog.Catalog, reg *registry.Registry, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:     jobs,
		flows:    flows,
		catalog:  cat,
		registry: reg,
		health:   healthChecker,
	}
}

// createJobRequest is the POST /v1/jobs payload. A task may be named by the
// combined "id@version" reference or by separate fields.
type createJobRequest struct {
	Task       string         `json:"task,omitempty"`
	TaskID     string         `json:"taskId,omitempty"`
	Version    string         `json:"version,omitempty"`
	Parameters map[string]any `json:"parameters"`
	Provider   string         `json:"provider,omitempty"`
	Callback   string         `json:"callback,omitempty"`
}

func (r *createJobRequest) taskRef() string {
	if r.Task != "" {
		return r.Task
	}
	return r.TaskID + "@" + r.Version
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Task == "" && req.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "Task reference is required")
		return
	}

	job, err := h.jobs.Submit(r.Context(), jobmgr.SubmitSpec{
		TaskRef:     req.taskRef(),
		Params:      req.Parameters,
		Constraints: registry.Constraints{Provider: req.Provider},
		Callback:    req.Callback,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, job)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// GetJobResult handles GET /v1/jobs/{jobId}/result
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	outputs, err := h.jobs.Result(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

// CancelJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// CreatePipeline handles POST /v1/pipelines
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var tpl pipeline.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.flows.CreateTemplate(r.Context(), &tpl); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, &tpl)
}

// ListPipelines handles GET /v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	templates, err := h.flows.ListTemplates(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"pipelines": templates})
}

// GetPipeline handles GET /v1/pipelines/{pipelineId}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.flows.GetTemplate(r.Context(), r.PathValue("pipelineId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tpl)
}

// startRunRequest is the POST /v1/pipeline-runs payload.
type startRunRequest struct {
	TemplateID string         `json:"templateId"`
	Inputs     map[string]any `json:"inputs"`
	Callback   string         `json:"callback,omitempty"`
}

// StartRun handles POST /v1/pipeline-runs
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TemplateID == "" {
		h.writeError(w, http.StatusBadRequest, "templateId is required")
		return
	}

	run, err := h.flows.StartRun(r.Context(), req.TemplateID, req.Inputs, req.Callback)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, run)
}

// ListRuns handles GET /v1/pipeline-runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.flows.ListRuns(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/pipeline-runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.flows.GetRun(r.Context(), r.PathValue("runId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

// CancelRun handles DELETE /v1/pipeline-runs/{runId}
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.CancelRun(r.Context(), r.PathValue("runId")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateTask handles POST /v1/tasks - registers a task definition.
// Definitions are immutable; re-registering an existing id@version conflicts.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var def catalog.TaskDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.catalog.Register(&def); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, &def)
}

// ListTasks handles GET /v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": h.catalog.List()})
}

// GetTask handles GET /v1/tasks/{taskRef}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.Resolve(r.PathValue("taskRef"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, def)
}

// DeactivateTask handles DELETE /v1/tasks/{taskRef} - retires one published
// version. The record stays resolvable by explicit version.
func (h *Handler) DeactivateTask(w http.ResponseWriter, r *http.Request) {
	id, version, err := catalog.ParseRef(r.PathValue("taskRef"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if version == "" {
		h.writeError(w, http.StatusBadRequest, "an explicit version is required to retire a task")
		return
	}

	if err := h.catalog.Deactivate(id, version); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListProviders handles GET /v1/providers - live per-provider delivery stats.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"providers": h.registry.Snapshot()})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 while the service can accept traffic, including degraded
// operation with a subset of providers. Returns 503 when every provider
// backend is down or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
