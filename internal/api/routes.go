package api

import (
	"net/http"

	"molorch/internal/catalog"
	"molorch/internal/health"
	"molorch/internal/jobmgr"
	"molorch/internal/observability"
	"molorch/internal/pipeline"
	"molorch/internal/registry"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          *jobmgr.Manager
	Pipelines     *pipeline.Coordinator
	Catalog       *catalog.Catalog
	Registry      *registry.Registry
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.Pipelines, cfg.Catalog, cfg.Registry, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// API endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	route("POST /v1/jobs", handler.CreateJob)
	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("GET /v1/jobs/{jobId}/result", handler.GetJobResult)
	route("DELETE /v1/jobs/{jobId}", handler.CancelJob)

	route("POST /v1/pipelines", handler.CreatePipeline)
	route("GET /v1/pipelines", handler.ListPipelines)
	route("GET /v1/pipelines/{pipelineId}", handler.GetPipeline)

	route("POST /v1/pipeline-runs", handler.StartRun)
	route("GET /v1/pipeline-runs", handler.ListRuns)
	route("GET /v1/pipeline-runs/{runId}", handler.GetRun)
	route("DELETE /v1/pipeline-runs/{runId}", handler.CancelRun)

	route("POST /v1/tasks", handler.CreateTask)
	route("GET /v1/tasks", handler.ListTasks)
	route("GET /v1/tasks/{taskRef}", handler.GetTask)
	route("DELETE /v1/tasks/{taskRef}", handler.DeactivateTask)
	route("GET /v1/providers", handler.ListProviders)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
