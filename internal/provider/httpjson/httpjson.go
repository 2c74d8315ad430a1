// Package httpjson implements the provider adapter for generic REST
// providers that speak JSON: submit returns a provider job id, status and
// results are polled, cancellation is a delete.
//
// The endpoint shapes are fixed; everything provider-specific lives in the
// ProviderBinding mapping rules, so onboarding a REST provider needs
// configuration only.
package httpjson

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"molorch/internal/apperrors"
	"molorch/internal/provider"
)

// Adapter talks to one REST provider instance.
type Adapter struct {
	cfg    provider.Config
	client *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an adapter for a provider config. The HTTP client enforces no
// overall timeout itself; callers bound each call through the context.
func New(cfg provider.Config) *Adapter {
	return &Adapter{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// submitResponse is the provider's acknowledgement of a new job.
type submitResponse struct {
	JobID string `json:"job_id"`
}

// statusResponse is the provider's view of a running job.
type statusResponse struct {
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	ETASeconds int     `json:"eta_seconds"`
	Message    string  `json:"message"`
}

// resultsResponse carries inline result fields plus base64-encoded files.
type resultsResponse struct {
	Fields map[string]any    `json:"fields"`
	Files  map[string]string `json:"files"`
}

// Submit posts the mapped payload to the provider's operation endpoint.
func (a *Adapter) Submit(ctx context.Context, req *provider.SubmitRequest) (string, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return "", apperrors.Internal("httpjson.submit", err)
	}

	var resp submitResponse
	url := fmt.Sprintf("%s/jobs/%s", a.cfg.BaseURL, req.Operation)
	if err := a.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", apperrors.Rejected(a.cfg.ID, "provider accepted the submission but returned no job id")
	}
	return resp.JobID, nil
}

// Status polls the provider and maps its status vocabulary onto the
// canonical phases.
func (a *Adapter) Status(ctx context.Context, providerJobID string) (*provider.JobStatus, error) {
	var resp statusResponse
	url := fmt.Sprintf("%s/jobs/%s", a.cfg.BaseURL, providerJobID)
	if err := a.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}

	status := &provider.JobStatus{
		Phase:    mapPhase(resp.Status),
		Progress: resp.Progress,
		ETA:      time.Duration(resp.ETASeconds) * time.Second,
		Message:  resp.Message,
	}
	if resp.Progress == 0 {
		status.Progress = -1 // absent field and true zero are indistinguishable
	}
	return status, nil
}

// Results fetches and decodes the finished job's outputs. File contents
// arrive base64-encoded in the JSON body.
func (a *Adapter) Results(ctx context.Context, providerJobID string) (*provider.Results, error) {
	var resp resultsResponse
	url := fmt.Sprintf("%s/jobs/%s/results", a.cfg.BaseURL, providerJobID)
	if err := a.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}

	results := &provider.Results{Fields: resp.Fields}
	if len(resp.Files) > 0 {
		results.Files = make(map[string][]byte, len(resp.Files))
		for name, encoded := range resp.Files {
			content, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, apperrors.Rejected(a.cfg.ID, fmt.Sprintf("result file %q is not valid base64", name))
			}
			results.Files[name] = content
		}
	}
	return results, nil
}

// Cancel issues a delete for the provider job. A 404 or 409 means the
// provider would not or could not abort; that is reported as not accepted
// rather than an error.
func (a *Adapter) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	url := fmt.Sprintf("%s/jobs/%s", a.cfg.BaseURL, providerJobID)
	err := a.do(ctx, http.MethodDelete, url, nil, nil)
	if err == nil {
		return true, nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Sentinel == apperrors.ErrProviderRejected {
		return false, nil
	}
	return false, err
}

// do performs one JSON round trip with auth headers and classifies
// failures: network problems and 5xx responses are retryable transport
// errors, 4xx responses are definitive rejections.
func (a *Adapter) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperrors.Internal("httpjson.request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := a.authorize(req); err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return apperrors.Transport(a.cfg.ID, method+" "+url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return apperrors.Transport(a.cfg.ID, method+" "+url, fmt.Errorf("provider returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.Rejected(a.cfg.ID, fmt.Sprintf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Transport(a.cfg.ID, method+" "+url, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// authorize applies the configured authentication method.
func (a *Adapter) authorize(req *http.Request) error {
	switch a.cfg.Auth {
	case provider.AuthNone, "":
		return nil
	case provider.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.cfg.Credential())
	case provider.AuthAPIKey:
		req.Header.Set("X-API-Key", a.cfg.Credential())
	default:
		return apperrors.Internal("httpjson.auth", fmt.Errorf("unsupported auth method %q", a.cfg.Auth))
	}
	return nil
}

// mapPhase translates a provider's status word into a canonical phase.
// Unknown words conservatively map to running so polling continues.
func mapPhase(status string) provider.Phase {
	switch status {
	case "pending", "queued", "accepted", "waiting":
		return provider.PhaseQueued
	case "running", "processing", "in_progress", "started":
		return provider.PhaseRunning
	case "completed", "succeeded", "success", "done", "finished":
		return provider.PhaseSucceeded
	case "failed", "error", "rejected", "timeout":
		return provider.PhaseFailed
	default:
		return provider.PhaseRunning
	}
}
