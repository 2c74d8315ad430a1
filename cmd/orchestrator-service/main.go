// orchestrator-service is the HTTP API server for molecular analysis jobs
// and pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"molorch/internal/api"
	"molorch/internal/artifact"
	"molorch/internal/catalog"
	"molorch/internal/config"
	"molorch/internal/health"
	"molorch/internal/jobmgr"
	"molorch/internal/notify"
	"molorch/internal/observability"
	"molorch/internal/pipeline"
	"molorch/internal/provider"
	"molorch/internal/provider/dockerrun"
	"molorch/internal/provider/httpjson"
	"molorch/internal/registry"
	"molorch/internal/store"
	"molorch/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	notifyCfg := notify.LoadConfigFromEnv()
	jobCfg := jobmgr.DefaultConfig()
	jobCfg.MaxFallbacks = config.GetIntEnv("MAX_FALLBACKS", jobCfg.MaxFallbacks)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback notifier
	notifier := notify.New(notifyCfg, metrics)

	// Load the task catalog
	cat := catalog.New()
	if svcCfg.CatalogDir != "" {
		n, err := cat.LoadDir(svcCfg.CatalogDir)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		slog.Info("Task catalog loaded", "dir", svcCfg.CatalogDir, "tasks", n)
	} else {
		slog.Warn("No CATALOG_DIR configured, task catalog is empty")
	}

	// Register provider adapters
	healthChecker := health.NewChecker()
	providers := provider.NewSet()
	var closers []func() error
	if svcCfg.ProvidersFile != "" {
		configs, err := provider.LoadConfigsFile(svcCfg.ProvidersFile)
		if err != nil {
			return fmt.Errorf("load providers: %w", err)
		}
		for _, pcfg := range configs {
			adapter, err := buildAdapter(pcfg, healthChecker)
			if err != nil {
				return fmt.Errorf("provider %s: %w", pcfg.ID, err)
			}
			if c, ok := adapter.(interface{ Close() error }); ok {
				closers = append(closers, c.Close)
			}
			if err := providers.Register(pcfg, adapter); err != nil {
				return fmt.Errorf("provider %s: %w", pcfg.ID, err)
			}
			slog.Info("Provider registered", "provider", pcfg.ID, "kind", pcfg.Kind)
		}
	} else {
		slog.Warn("No PROVIDERS_FILE configured, no providers registered")
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	// Artifact storage
	var artifacts artifact.Store
	if svcCfg.ArtifactDir != "" {
		artifacts, err = artifact.NewFS(svcCfg.ArtifactDir)
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
	} else {
		artifacts = artifact.NewMemory()
	}

	// Wire the core: registry, job manager, pipeline coordinator
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	reg := registry.New(cat, providers, breakers, registry.DefaultWeights())
	st := store.NewMemory()

	manager := jobmgr.New(cat, reg, providers, st, artifacts, jobCfg, metrics, notifier)
	coordinator := pipeline.NewCoordinator(cat, manager, st, st, metrics, notifier)
	manager.AddHook(coordinator)

	// Resume watchers for jobs that were in flight before a restart.
	if err := manager.Recover(ctx); err != nil {
		slog.Warn("Job recovery failed", "error", err)
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Jobs:          manager,
		Pipelines:     coordinator,
		Catalog:       cat,
		Registry:      reg,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop watchers, then drain the callback notifier so the last
	// state transitions still reach their callbacks
	coordinator.Close()
	manager.Close()

	slog.Info("Draining callback notifier")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Provider-side jobs keep executing; their records are picked up again by
	// Recover on the next start.
	slog.Info("Shutdown complete")
	return nil
}

// buildAdapter constructs the adapter for a provider config and registers its
// readiness check when the backend supports one.
func buildAdapter(pcfg provider.Config, checker *health.Checker) (provider.Adapter, error) {
	switch pcfg.Kind {
	case "httpjson":
		return httpjson.New(pcfg), nil

	case "dockerrun":
		adapter, err := dockerrun.New(pcfg, dockerrun.Config{
			Images:    pcfg.Images,
			Workspace: pcfg.Workspace,
		})
		if err != nil {
			return nil, err
		}
		checker.AddCheck("provider:"+pcfg.ID, adapter)
		return adapter, nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", pcfg.Kind)
	}
}
