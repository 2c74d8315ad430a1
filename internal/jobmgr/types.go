// Package jobmgr owns the job lifecycle: submission through the selected
// provider adapter, background status polling, failure handling with
// same-provider retry and cross-provider fallback, and terminal-state
// bookkeeping.
package jobmgr

import (
	"context"
	"time"
)

// State is the canonical job state machine. Retries and fallbacks never
// mutate a terminal job in place; they create a fresh Job record linked via
// RetryOf.
type State string

const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrorDetail is the structured failure record carried by a failed job.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Retries   int    `json:"retries"` // same-provider submit retries that were spent
}

// Job is one execution instance of a single task against one provider.
// Inputs are snapshotted at submission and never re-derived.
type Job struct {
	ID            string         `json:"id"`
	TaskRef       string         `json:"taskRef"`
	ProviderID    string         `json:"providerId,omitempty"`
	ProviderJobID string         `json:"providerJobId,omitempty"`
	State         State          `json:"state"`
	Inputs        map[string]any `json:"inputs"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Error         *ErrorDetail   `json:"error,omitempty"`
	Progress      float64        `json:"progress,omitempty"` // 0..1, negative when unknown
	RetryOf       string         `json:"retryOf,omitempty"`      // ID of the failed job this one replaces
	SupersededBy  string         `json:"supersededBy,omitempty"` // ID of the fallback job that replaced this one
	Attempt       int            `json:"attempt"`            // 1 for the first job of a request
	Pinned        string         `json:"pinnedProvider,omitempty"` // caller-pinned provider, disables fallback
	Callback      string         `json:"callback,omitempty"`       // CloudEvent target URL
	PipelineRunID string         `json:"pipelineRunId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	SubmittedAt   time.Time      `json:"submittedAt,omitzero"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	c := *j
	if j.Inputs != nil {
		c.Inputs = make(map[string]any, len(j.Inputs))
		for k, v := range j.Inputs {
			c.Inputs[k] = v
		}
	}
	if j.Outputs != nil {
		c.Outputs = make(map[string]any, len(j.Outputs))
		for k, v := range j.Outputs {
			c.Outputs[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Store is the persistence the manager needs: key-by-identifier CRUD only.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	LoadJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
}

// Hook observes job state transitions. Implementations must not block; the
// manager calls hooks synchronously while holding the job's lock.
type Hook interface {
	JobStateChanged(job *Job, prev State)
}
