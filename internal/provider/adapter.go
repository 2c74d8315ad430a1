// Package provider defines the capability interface every computation
// provider adapter implements, plus provider configuration.
//
// An adapter wraps exactly one external or internal computation service.
// Everything above the adapter (job manager, pipeline coordinator) is
// provider-agnostic: no provider specifics leak past this interface.
package provider

import (
	"context"
	"time"
)

// Phase is the provider-side execution phase, normalized across providers.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// SubmitRequest carries one mapped payload to a provider.
type SubmitRequest struct {
	JobID     string         // orchestrator job ID, for provider-side correlation
	Operation string         // provider-native operation name from the binding
	Payload   map[string]any // mapped per the binding's rules
}

// JobStatus is a provider's view of one submission.
type JobStatus struct {
	Phase    Phase
	Progress float64       // 0..1; negative when the provider reports none
	ETA      time.Duration // remaining-time estimate; 0 when unknown
	Message  string        // provider-reported detail, set on failure
}

// Results holds a completed submission's outputs.
type Results struct {
	Fields map[string]any    // inline response fields
	Files  map[string][]byte // named result files
}

// Adapter is the uniform capability interface for one provider.
//
// All four operations are network calls bounded by the provider's configured
// timeout and return errors from the apperrors taxonomy: Transport for
// network-level failures (retryable), Rejected for definitive provider-side
// rejections, NotFound for unknown provider job handles.
type Adapter interface {
	// Submit starts execution and returns the provider-native job handle.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)

	// Status reports the current phase of a submission.
	Status(ctx context.Context, providerJobID string) (*JobStatus, error)

	// Results fetches the outputs of a succeeded submission.
	Results(ctx context.Context, providerJobID string) (*Results, error)

	// Cancel requests mid-flight cancellation. Returns true if the provider
	// accepted the request; false means the provider cannot abort and the
	// remote job may run to completion regardless of local state.
	Cancel(ctx context.Context, providerJobID string) (bool, error)
}
