package observability

import (
	"context"
	"net/http"
	"time"

	"molorch/internal/jobmgr"
	"molorch/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	JobFallbacks   metric.Int64Counter

	// Pipeline metrics (Traffic, Errors, Saturation)
	RunsTotal      metric.Int64Counter
	RunErrorsTotal metric.Int64Counter
	RunsActive     metric.Int64UpDownCounter

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("molorch")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of terminally failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently submitted or running (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobFallbacks, err = meter.Int64Counter(
		"job_fallbacks_total",
		metric.WithDescription("Total number of jobs re-dispatched to another provider"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pipeline metrics
	m.RunsTotal, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of pipeline runs started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunErrorsTotal, err = meter.Int64Counter(
		"pipeline_run_errors_total",
		metric.WithDescription("Total number of failed pipeline runs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter(
		"pipeline_runs_active",
		metric.WithDescription("Number of pipeline runs in flight (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in the notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// JobStateChanged records job lifecycle metrics. Registered with the job
// manager as a hook.
func (m *Metrics) JobStateChanged(job *jobmgr.Job, prev jobmgr.State) {
	ctx := context.Background()
	attrs := metric.WithAttributes(taskAttr(job.TaskRef), providerAttr(job.ProviderID))

	switch job.State {
	case jobmgr.StateSubmitted:
		m.JobsTotal.Add(ctx, 1, attrs)
		m.JobsActive.Add(ctx, 1, metric.WithAttributes(taskAttr(job.TaskRef)))
		if job.RetryOf != "" {
			m.JobFallbacks.Add(ctx, 1, attrs)
		}

	case jobmgr.StateCompleted, jobmgr.StateFailed, jobmgr.StateCancelled:
		if prev == jobmgr.StateSubmitted || prev == jobmgr.StateRunning {
			m.JobsActive.Add(ctx, -1, metric.WithAttributes(taskAttr(job.TaskRef)))
		}
		if job.State == jobmgr.StateFailed {
			m.JobErrorsTotal.Add(ctx, 1, attrs)
		}
		if !job.SubmittedAt.IsZero() && !job.CompletedAt.IsZero() {
			duration := job.CompletedAt.Sub(job.SubmittedAt).Seconds()
			success := job.State == jobmgr.StateCompleted
			m.JobDuration.Record(ctx, duration, metric.WithAttributes(
				taskAttr(job.TaskRef), providerAttr(job.ProviderID), successAttr(success)))
		}
	}
}

// RunStateChanged records pipeline run metrics. Registered with the
// coordinator as a hook.
func (m *Metrics) RunStateChanged(run *pipeline.Run, prev pipeline.RunState) {
	ctx := context.Background()
	attrs := metric.WithAttributes(taskAttr(run.TemplateID))

	if prev == run.State {
		// First notification after the run was created.
		if run.State == pipeline.RunRunning {
			m.RunsTotal.Add(ctx, 1, attrs)
			m.RunsActive.Add(ctx, 1, attrs)
		}
		return
	}

	if run.State.Terminal() {
		m.RunsActive.Add(ctx, -1, attrs)
		if run.State != pipeline.RunCompleted {
			m.RunErrorsTotal.Add(ctx, 1, attrs)
		}
	}
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}

// Timer returns the elapsed seconds since start, for histogram recording.
func Timer(start time.Time) float64 {
	return time.Since(start).Seconds()
}
