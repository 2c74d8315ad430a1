package jobmgr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"molorch/internal/apperrors"
	"molorch/internal/mapper"
	"molorch/internal/provider"
	"molorch/internal/registry"
	"molorch/pkg/backoff"
)

// Poll queries the provider for a job's current status, applies any
// resulting transition and returns the updated record. Safe to call
// concurrently with the background watcher; transitions for one job are
// serialized.
func (m *Manager) Poll(ctx context.Context, jobID string) (*Job, error) {
	job, _, err := m.pollOnce(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// pollOnce performs one status check under the job's lock. The returned eta
// is the provider's remaining-time estimate, zero when unknown.
func (m *Manager) pollOnce(ctx context.Context, jobID string) (*Job, time.Duration, error) {
	unlock := m.locks.Lock(jobID)
	defer unlock()

	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	if job.State.Terminal() || job.State == StateCreated {
		return job, 0, nil
	}

	adapter, cfg, err := m.providers.Adapter(job.ProviderID)
	if err != nil {
		return nil, 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	status, err := adapter.Status(callCtx, job.ProviderJobID)
	cancel()
	if err != nil {
		// Transient status failures leave the job untouched; the watcher
		// tries again on the next interval.
		slog.Warn("Status poll failed", "jobId", job.ID, "provider", job.ProviderID, "error", err)
		return job, 0, nil
	}

	if status.Progress >= 0 {
		job.Progress = status.Progress
	}

	switch status.Phase {
	case provider.PhaseQueued:
		// still waiting; nothing to apply

	case provider.PhaseRunning:
		if job.State == StateSubmitted {
			m.transition(job, StateRunning)
		}

	case provider.PhaseSucceeded:
		if err := m.complete(ctx, job, adapter, cfg.Timeout()); err != nil {
			return nil, 0, err
		}

	case provider.PhaseFailed:
		msg := status.Message
		if msg == "" {
			msg = "provider reported failure without detail"
		}
		if err := m.failTerminal(ctx, job, apperrors.Rejected(job.ProviderID, msg)); err != nil {
			return nil, 0, err
		}
	}

	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, 0, err
	}
	return job, status.ETA, nil
}

// complete fetches and extracts results, declaring completion only once
// every required output has been verified. Extraction failure downgrades
// the provider's reported success to a failed job.
func (m *Manager) complete(ctx context.Context, job *Job, adapter provider.Adapter, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	results, err := adapter.Results(callCtx, job.ProviderJobID)
	cancel()
	if err != nil {
		if apperrors.IsRetryable(err) {
			slog.Warn("Result fetch failed, will retry", "jobId", job.ID, "provider", job.ProviderID, "error", err)
			return nil
		}
		return m.failTerminal(ctx, job, err)
	}

	def, err := m.catalog.Resolve(job.TaskRef)
	if err != nil {
		return m.failTerminal(ctx, job, err)
	}
	binding, ok := def.BindingFor(job.ProviderID)
	if !ok {
		return m.failTerminal(ctx, job, apperrors.Internal("extract", errors.New("binding disappeared for provider "+job.ProviderID)))
	}

	outputs, err := mapper.ExtractOutputs(ctx, def, binding, results, m.artifacts)
	if err != nil {
		return m.failTerminal(ctx, job, err)
	}

	job.Outputs = outputs
	job.Progress = 1
	job.CompletedAt = time.Now().UTC()
	m.transition(job, StateCompleted)
	m.settle(job, true)
	slog.Info("Job completed", "jobId", job.ID, "provider", job.ProviderID, "task", job.TaskRef)
	return nil
}

// failTerminal records a provider-side failure on an in-flight job and
// evaluates fallback. The failed record stays failed; any fallback runs as
// a new job record.
func (m *Manager) failTerminal(ctx context.Context, job *Job, cause error) error {
	def, err := m.catalog.Resolve(job.TaskRef)
	if err != nil {
		def = nil
	}
	if def == nil {
		// Definition gone from the catalog; fail without fallback.
		_, err := m.failNew(ctx, job, cause, 0)
		return err
	}
	_, err = m.failWithFallback(ctx, job, cause, 0, def, registry.Constraints{Provider: job.Pinned}, map[string]bool{})
	return err
}

// failNew marks a job failed with no fallback evaluation and persists it.
func (m *Manager) failNew(ctx context.Context, job *Job, cause error, retries int) (*Job, error) {
	job.Error = &ErrorDetail{
		Kind:      apperrors.KindOf(cause),
		Message:   cause.Error(),
		Retryable: apperrors.IsRetryable(cause),
		Retries:   retries,
	}
	job.CompletedAt = time.Now().UTC()
	m.settle(job, false)
	m.transition(job, StateFailed)
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	slog.Warn("Job failed",
		"jobId", job.ID, "task", job.TaskRef, "kind", job.Error.Kind, "error", cause)
	return job, nil
}

// settle releases the in-flight slot and folds the outcome into the
// provider's reliability metrics.
func (m *Manager) settle(job *Job, success bool) {
	if job.ProviderID == "" || job.SubmittedAt.IsZero() {
		return
	}
	m.registry.Release(job.ProviderID)
	m.registry.RecordOutcome(job.ProviderID, success, job.CompletedAt.Sub(job.SubmittedAt))
}

// watch runs one background poll loop for an in-flight job. The interval
// follows the provider's remaining-time estimate when present and is capped
// by config.
func (m *Manager) watch(jobID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var eta time.Duration
		for {
			select {
			case <-m.baseCtx.Done():
				return
			case <-time.After(backoff.PollInterval(eta, &m.cfg.Poll)):
			}

			job, nextETA, err := m.pollOnce(m.baseCtx, jobID)
			if err != nil {
				slog.Error("Watcher poll error", "jobId", jobID, "error", err)
				return
			}
			if job.State.Terminal() {
				return
			}
			eta = nextETA
		}
	}()
}

// Cancel requests best-effort cancellation. Cancellation is only valid
// while the job is submitted or running. The job is marked cancelled
// locally even when the provider cannot abort it; in that case the remote
// execution may continue and its results are discarded.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Job, error) {
	unlock := m.locks.Lock(jobID)
	defer unlock()

	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != StateSubmitted && job.State != StateRunning {
		return nil, apperrors.Conflict("job", jobID, "job "+jobID+" cannot be cancelled in state "+string(job.State))
	}

	adapter, cfg, err := m.providers.Adapter(job.ProviderID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	accepted, cancelErr := adapter.Cancel(callCtx, job.ProviderJobID)
	cancel()

	job.CompletedAt = time.Now().UTC()
	m.transition(job, StateCancelled)
	if job.ProviderID != "" && !job.SubmittedAt.IsZero() {
		m.registry.Release(job.ProviderID)
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	switch {
	case cancelErr != nil:
		slog.Warn("Provider cancel call failed; job cancelled locally only",
			"jobId", job.ID, "provider", job.ProviderID, "error", cancelErr)
	case !accepted:
		slog.Warn("Provider declined cancellation; remote job may keep running",
			"jobId", job.ID, "provider", job.ProviderID)
	default:
		slog.Info("Job cancelled", "jobId", job.ID, "provider", job.ProviderID)
	}
	return job.Clone(), nil
}

// Recover restarts watchers for jobs that were in flight when the previous
// process stopped, and fails jobs caught before submission completed.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.State {
		case StateSubmitted, StateRunning:
			m.registry.Acquire(job.ProviderID)
			m.watch(job.ID)
			slog.Info("Resumed watcher for in-flight job", "jobId", job.ID, "provider", job.ProviderID)
		case StateCreated:
			unlock := m.locks.Lock(job.ID)
			_, err := m.failNew(ctx, job, apperrors.Internal("recover", errors.New("process stopped before submission completed")), 0)
			unlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}
