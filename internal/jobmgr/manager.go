package jobmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"molorch/internal/apperrors"
	"molorch/internal/artifact"
	"molorch/internal/catalog"
	"molorch/internal/mapper"
	"molorch/internal/provider"
	"molorch/internal/registry"
	"molorch/pkg/backoff"
)

// Config tunes the manager's polling and failure handling.
type Config struct {
	Poll         backoff.PollConfig
	Backoff      backoff.Config
	MaxFallbacks int // distinct providers tried per request beyond the first
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Poll:         backoff.PollConfig{Base: 3 * time.Second, Max: 60 * time.Second},
		Backoff:      backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second},
		MaxFallbacks: 2,
	}
}

// Manager owns the job lifecycle state machine. All transitions for one job
// are serialized through a per-job lock; independent jobs never block each
// other.
type Manager struct {
	catalog   *catalog.Catalog
	registry  *registry.Registry
	providers *provider.Set
	store     Store
	artifacts artifact.Store
	cfg       Config
	hooks     []Hook
	locks     *keyedMutex

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a job manager. Hooks are invoked on every state transition in
// registration order.
func New(cat *catalog.Catalog, reg *registry.Registry, providers *provider.Set, store Store, artifacts artifact.Store, cfg Config, hooks ...Hook) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		catalog:   cat,
		registry:  reg,
		providers: providers,
		store:     store,
		artifacts: artifacts,
		cfg:       cfg,
		hooks:     hooks,
		locks:     newKeyedMutex(),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// AddHook registers an additional transition hook. Must be called during
// wiring, before the first Submit.
func (m *Manager) AddHook(h Hook) {
	m.hooks = append(m.hooks, h)
}

// Close stops all background watchers and waits for them to exit. In-flight
// provider jobs keep running remotely; watchers resume on the next process
// start via Recover.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// SubmitSpec names a task and carries everything needed to run it once.
type SubmitSpec struct {
	TaskRef       string
	Params        map[string]any
	Constraints   registry.Constraints
	Callback      string
	PipelineRunID string
}

// Submit validates, places and persists a new job, then returns it.
//
// Validation failures surface synchronously with no job record. Every later
// failure produces a persisted job in the failed state; when fallback is
// possible the returned job is the last record of the attempt chain, linked
// to its predecessors via RetryOf.
func (m *Manager) Submit(ctx context.Context, spec SubmitSpec) (*Job, error) {
	def, err := m.catalog.Resolve(spec.TaskRef)
	if err != nil {
		return nil, err
	}
	inputs, err := def.NormalizeInputs(spec.Params)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:            uuid.NewString(),
		TaskRef:       def.Ref(),
		State:         StateCreated,
		Inputs:        inputs,
		Attempt:       1,
		Pinned:        spec.Constraints.Provider,
		Callback:      spec.Callback,
		PipelineRunID: spec.PipelineRunID,
		CreatedAt:     time.Now().UTC(),
	}

	final, err := m.place(ctx, job, def, spec.Constraints, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return final.Clone(), nil
}

// place selects a provider for job, maps its inputs and submits. On
// fallback-eligible failures it creates a successor record and recurses with
// the failed provider excluded. Returns the last record of the chain.
func (m *Manager) place(ctx context.Context, job *Job, def *catalog.TaskDefinition, constraints registry.Constraints, excluded map[string]bool) (*Job, error) {
	logger := slog.With("jobId", job.ID, "task", job.TaskRef)

	selected, err := m.choose(job.TaskRef, constraints, excluded)
	if err != nil {
		return m.failWithFallback(ctx, job, err, 0, def, constraints, excluded)
	}
	job.ProviderID = selected.Binding.ProviderID
	logger = logger.With("provider", job.ProviderID)

	payload, err := mapper.Map(def, selected.Binding, job.Inputs)
	if err != nil {
		// A mapping fault is a broken binding, not a provider problem.
		// Trying another provider would mask the defect.
		logger.Error("Parameter mapping failed", "error", err)
		return m.failWithFallback(ctx, job, err, 0, def, constraints, excluded)
	}

	providerJobID, retries, err := m.submitWithRetry(ctx, job, selected, payload)
	if err != nil {
		return m.failWithFallback(ctx, job, err, retries, def, constraints, excluded)
	}

	job.ProviderJobID = providerJobID
	job.SubmittedAt = time.Now().UTC()
	m.transition(job, StateSubmitted)
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	m.registry.Acquire(job.ProviderID)
	m.watch(job.ID)
	logger.Info("Job submitted", "providerJobId", providerJobID)
	return job, nil
}

// choose filters registry candidates by the exclusion set and picks one.
func (m *Manager) choose(taskRef string, constraints registry.Constraints, excluded map[string]bool) (*registry.Candidate, error) {
	candidates, err := m.registry.FindCandidates(taskRef)
	if err != nil {
		return nil, err
	}
	if len(excluded) > 0 {
		remaining := candidates[:0]
		for _, c := range candidates {
			if !excluded[c.Binding.ProviderID] {
				remaining = append(remaining, c)
			}
		}
		if len(remaining) == 0 {
			return nil, apperrors.NoProvider(taskRef, "all compatible providers already failed this request")
		}
		candidates = remaining
	}
	return m.registry.SelectProvider(candidates, constraints)
}

// submitWithRetry calls the adapter's submit operation, retrying transport
// failures with exponential backoff up to the provider's configured limit.
// Retries are strictly sequential; a job never has two submissions in flight.
func (m *Manager) submitWithRetry(ctx context.Context, job *Job, selected *registry.Candidate, payload map[string]any) (providerJobID string, retries int, err error) {
	req := &provider.SubmitRequest{
		JobID:     job.ID,
		Operation: selected.Binding.Operation,
		Payload:   payload,
	}

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, selected.Config.Timeout())
		providerJobID, err = selected.Adapter.Submit(callCtx, req)
		cancel()
		if err == nil {
			return providerJobID, attempt, nil
		}
		if !apperrors.IsRetryable(err) || attempt >= selected.Config.MaxRetries {
			return "", attempt, err
		}

		wait := backoff.Exponential(attempt, &m.cfg.Backoff)
		slog.Warn("Submit failed, retrying",
			"jobId", job.ID, "provider", selected.Config.ID, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", attempt, apperrors.Transport(selected.Config.ID, "submit", ctx.Err())
		}
	}
}

// failWithFallback marks a job failed and, when another compatible provider
// may still serve the request, creates a successor record and places it.
// The failed job's hook fires only after SupersededBy is final, so hook
// consumers can follow the chain without racing the fallback decision.
func (m *Manager) failWithFallback(ctx context.Context, job *Job, cause error, retries int, def *catalog.TaskDefinition, constraints registry.Constraints, excluded map[string]bool) (*Job, error) {
	prev := job.State
	job.Error = &ErrorDetail{
		Kind:      apperrors.KindOf(cause),
		Message:   cause.Error(),
		Retryable: apperrors.IsRetryable(cause),
		Retries:   retries,
	}
	job.CompletedAt = time.Now().UTC()
	job.State = StateFailed
	m.settle(job, false)

	var successor *Job
	if m.fallbackEligible(job, cause, constraints) {
		excluded[job.ProviderID] = true
		// Spawn a successor only when another compatible provider remains;
		// otherwise the chain ends here.
		if _, chooseErr := m.choose(job.TaskRef, constraints, excluded); chooseErr == nil {
			successor = &Job{
				ID:            uuid.NewString(),
				TaskRef:       job.TaskRef,
				State:         StateCreated,
				Inputs:        job.Clone().Inputs, // re-mapped from the original normalized inputs
				RetryOf:       job.ID,
				Attempt:       job.Attempt + 1,
				Callback:      job.Callback,
				PipelineRunID: job.PipelineRunID,
				CreatedAt:     time.Now().UTC(),
			}
			job.SupersededBy = successor.ID
		}
	}

	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	m.notify(job, prev)
	slog.Warn("Job failed",
		"jobId", job.ID, "task", job.TaskRef, "provider", job.ProviderID, "kind", job.Error.Kind, "error", cause)

	if successor == nil {
		return job, nil
	}
	if err := m.store.SaveJob(ctx, successor); err != nil {
		return nil, err
	}
	slog.Info("Attempting provider fallback",
		"jobId", successor.ID, "retryOf", job.ID, "task", job.TaskRef, "excluded", job.ProviderID)
	return m.place(ctx, successor, def, constraints, excluded)
}

// fallbackEligible reports whether a failure class warrants trying another
// provider. Mapping faults and missing providers never fall back; a pinned
// provider disables fallback entirely.
func (m *Manager) fallbackEligible(job *Job, cause error, constraints registry.Constraints) bool {
	if constraints.Provider != "" || job.ProviderID == "" || job.Attempt > m.cfg.MaxFallbacks {
		return false
	}
	return errors.Is(cause, apperrors.ErrProviderTransport) ||
		errors.Is(cause, apperrors.ErrProviderRejected) ||
		errors.Is(cause, apperrors.ErrIncompleteResult)
}

// transition applies a state change and notifies hooks. Callers must hold
// the job's lock or exclusive ownership of the record.
func (m *Manager) transition(job *Job, next State) {
	prev := job.State
	job.State = next
	m.notify(job, prev)
}

func (m *Manager) notify(job *Job, prev State) {
	for _, h := range m.hooks {
		h.JobStateChanged(job.Clone(), prev)
	}
}

// errFromDetail rebuilds a classifiable error from a persisted ErrorDetail.
func errFromDetail(d *ErrorDetail) error {
	if d == nil {
		return nil
	}
	for _, sentinel := range []error{
		apperrors.ErrValidation,
		apperrors.ErrMapping,
		apperrors.ErrNoProvider,
		apperrors.ErrProviderTransport,
		apperrors.ErrProviderRejected,
		apperrors.ErrIncompleteResult,
	} {
		if d.Kind == sentinel.Error() {
			return sentinel
		}
	}
	return apperrors.ErrInternal
}

// Get returns a copy of one job record.
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// List returns copies of all job records.
func (m *Manager) List(ctx context.Context) ([]*Job, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

// Result returns a completed job's outputs. Non-terminal jobs yield a
// conflict-class error; failed jobs yield their recorded failure.
func (m *Manager) Result(ctx context.Context, jobID string) (map[string]any, error) {
	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case StateCompleted:
		return job.Clone().Outputs, nil
	case StateFailed:
		return nil, &apperrors.Error{
			Sentinel:  errFromDetail(job.Error),
			Message:   job.Error.Message,
			Provider:  job.ProviderID,
			Retryable: job.Error.Retryable,
		}
	case StateCancelled:
		return nil, apperrors.Conflict("job", jobID, "job "+jobID+" was cancelled")
	default:
		return nil, apperrors.NotComplete("job", jobID, string(job.State))
	}
}
