// Package notify delivers job and pipeline lifecycle events to caller
// supplied callback URLs as CloudEvents. Delivery is asynchronous: events are
// queued in a bounded channel and sent by a worker pool with retry and a
// per-host circuit breaker. A full buffer drops events rather than blocking
// the job manager's state transitions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"molorch/internal/config"
	"molorch/internal/jobmgr"
	"molorch/internal/pipeline"
	"molorch/pkg/backoff"
	"molorch/pkg/circuitbreaker"
	"molorch/pkg/cloudevent"

	"github.com/google/uuid"
)

// ErrBufferFull is returned when the notifier's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// Delivery defaults. These rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Event types emitted by the notifier.
const (
	EventJobSubmitted  = "molorch.job.submitted"
	EventJobRunning    = "molorch.job.running"
	EventJobCompleted  = "molorch.job.completed"
	EventJobFailed     = "molorch.job.failed"
	EventJobCancelled  = "molorch.job.cancelled"
	EventRunCompleted  = "molorch.pipeline.completed"
	EventRunFailed     = "molorch.pipeline.failed"
	EventRunCancelled  = "molorch.pipeline.cancelled"
	eventSourceService = "molorch/orchestrator"
)

// Config holds configuration for the notifier.
type Config struct {
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	SigningKey  string        // HMAC key applied to every delivery, empty = no signing
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		SigningKey:  config.GetEnv("NOTIFY_SIGNING_KEY", ""),
	}
	if cfg.SigningKey == "" {
		if path := config.GetEnv("NOTIFY_SIGNING_KEY_FILE", ""); path != "" {
			cfg.SigningKey = config.GetSecretFile(path)
		}
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// delivery is one queued event bound for a callback URL.
type delivery struct {
	event       *cloudevent.CloudEvent
	destination string
	requeues    int
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64
	Dropped       int64
	Requeued      int64
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}

// Notifier delivers lifecycle events. It plugs into the job manager and the
// pipeline coordinator as their hook interfaces.
type Notifier struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var (
	_ jobmgr.Hook   = (*Notifier)(nil)
	_ pipeline.Hook = (*Notifier)(nil)
)

// New creates a notifier and starts its worker pool.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:  make(chan *delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// JobStateChanged queues a lifecycle event when the job carries a callback.
func (n *Notifier) JobStateChanged(job *jobmgr.Job, prev jobmgr.State) {
	if job.Callback == "" {
		return
	}

	eventType, ok := jobEventType(job.State)
	if !ok {
		return
	}

	data := map[string]any{
		"jobId":    job.ID,
		"task":     job.TaskRef,
		"state":    string(job.State),
		"previous": string(prev),
	}
	if job.ProviderID != "" {
		data["provider"] = job.ProviderID
	}
	if job.State == jobmgr.StateCompleted {
		data["outputs"] = job.Outputs
	}
	if job.Error != nil {
		data["error"] = map[string]any{
			"kind":    job.Error.Kind,
			"message": job.Error.Message,
		}
	}
	if job.SupersededBy != "" {
		data["supersededBy"] = job.SupersededBy
	}

	n.enqueue(job.Callback, cloudevent.New(eventType, eventSourceService, job.ID, uuid.NewString(), data))
}

// RunStateChanged queues a pipeline lifecycle event when the run carries a
// callback. Only terminal transitions are published.
func (n *Notifier) RunStateChanged(run *pipeline.Run, prev pipeline.RunState) {
	if run.Callback == "" || !run.State.Terminal() {
		return
	}

	eventType := EventRunCompleted
	switch run.State {
	case pipeline.RunFailed:
		eventType = EventRunFailed
	case pipeline.RunCancelled:
		eventType = EventRunCancelled
	}

	nodes := make(map[string]any, len(run.Nodes))
	for id, node := range run.Nodes {
		entry := map[string]any{"state": string(node.State)}
		if node.JobID != "" {
			entry["jobId"] = node.JobID
		}
		if node.State == pipeline.NodeCompleted {
			entry["outputs"] = node.Outputs
		}
		if node.Error != "" {
			entry["error"] = node.Error
		}
		nodes[id] = entry
	}

	data := map[string]any{
		"runId":    run.ID,
		"template": run.TemplateID,
		"state":    string(run.State),
		"previous": string(prev),
		"nodes":    nodes,
	}

	n.enqueue(run.Callback, cloudevent.New(eventType, eventSourceService, run.ID, uuid.NewString(), data))
}

func jobEventType(state jobmgr.State) (string, bool) {
	switch state {
	case jobmgr.StateSubmitted:
		return EventJobSubmitted, true
	case jobmgr.StateRunning:
		return EventJobRunning, true
	case jobmgr.StateCompleted:
		return EventJobCompleted, true
	case jobmgr.StateFailed:
		return EventJobFailed, true
	case jobmgr.StateCancelled:
		return EventJobCancelled, true
	}
	return "", false
}

// enqueue queues an event for async delivery, dropping it if the buffer is full.
func (n *Notifier) enqueue(destination string, event *cloudevent.CloudEvent) error {
	if n.closed.Load() {
		return fmt.Errorf("notifier is closed")
	}

	select {
	case n.queue <- &delivery{event: event, destination: destination}:
		n.queued.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(destination),
			"type", event.Type,
		)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	breakerStats := n.breakers.Stats()
	return Stats{
		QueueDepth:    len(n.queue),
		Queued:        n.queued.Load(),
		Delivered:     n.delivered.Load(),
		Failed:        n.failed.Load(),
		Dropped:       n.dropped.Load(),
		Requeued:      n.requeued.Load(),
		RetriesTotal:  n.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the notifier, attempting to deliver queued
// events. The context deadline controls how long to wait for the drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

// drainQueue delivers remaining events after the shutdown signal.
func (n *Notifier) drainQueue() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (n *Notifier) deliver(d *delivery) {
	host := extractHost(d.destination)
	breaker := n.breakers.For(host)

	if !breaker.Allow() {
		n.requeue(d, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, d); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", d.event.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back in the queue after a delay when the circuit is open.
func (n *Notifier) requeue(d *delivery, host string) {
	if d.requeues >= defaultMaxRequeues {
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", d.event.Type,
			"requeues", d.requeues,
		)
		return
	}

	d.requeues++
	n.requeued.Add(1)

	// Requeue after the cooldown period so the circuit has time to recover.
	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case n.queue <- d:
		case <-n.shutdown:
		default:
			n.dropped.Add(1)
			if n.metrics != nil {
				n.metrics.RecordNotifyDropped(context.Background())
			}
			n.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", d.event.Type)
		}
	}()
}

func (n *Notifier) sendWithRetry(ctx context.Context, d *delivery) error {
	opts := cloudevent.SendOptions{SigningKey: n.config.SigningKey}

	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = n.sender.Send(ctx, d.destination, d.event, opts)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
