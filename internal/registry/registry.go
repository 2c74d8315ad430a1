// Package registry answers "which providers can run this task" and picks
// one among the candidates.
//
// Selection is a pure weighted-score computation over in-memory data: no
// I/O, no randomness. The only mutable state is the per-provider reliability
// metrics, updated concurrently by jobs via RecordOutcome and read lock-free
// during scoring.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
	"molorch/internal/provider"
	"molorch/pkg/circuitbreaker"
)

// Weights controls the relative influence of each scoring term. All terms
// are normalized to (0, 1] before weighting.
type Weights struct {
	Cost        float64
	Reliability float64
	Latency     float64
	Load        float64
}

// DefaultWeights favors reliability over cost.
func DefaultWeights() Weights {
	return Weights{Cost: 1.0, Reliability: 2.0, Latency: 1.0, Load: 0.5}
}

// neutralSuccessRate is assumed for providers with no recorded history so a
// new provider is neither preferred nor starved.
const neutralSuccessRate = 0.75

// Candidate is one provider able to run a task, resolved against both the
// catalog and the configured provider set.
type Candidate struct {
	Def     *catalog.TaskDefinition
	Binding *catalog.ProviderBinding
	Config  *provider.Config
	Adapter provider.Adapter
}

// Constraints narrows provider selection. A pinned Provider must be among
// the candidates; selection never silently substitutes another provider.
type Constraints struct {
	Provider string `json:"provider,omitempty"`
}

// Registry holds configured providers plus live reliability metrics and
// scores candidates for task execution.
type Registry struct {
	catalog   *catalog.Catalog
	providers *provider.Set
	breakers  *circuitbreaker.Registry
	weights   Weights

	mu      sync.RWMutex
	metrics map[string]*providerMetrics
}

// New builds a registry over the given catalog and provider set. breakers
// may be nil, in which case no availability gating is applied.
func New(cat *catalog.Catalog, providers *provider.Set, breakers *circuitbreaker.Registry, weights Weights) *Registry {
	return &Registry{
		catalog:   cat,
		providers: providers,
		breakers:  breakers,
		weights:   weights,
		metrics:   make(map[string]*providerMetrics),
	}
}

// FindCandidates resolves a task reference and returns every binding whose
// provider is both registered and currently admitting work, ordered by
// provider identifier.
func (r *Registry) FindCandidates(taskRef string) ([]Candidate, error) {
	def, err := r.catalog.Resolve(taskRef)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for i := range def.Bindings {
		binding := &def.Bindings[i]
		adapter, cfg, err := r.providers.Adapter(binding.ProviderID)
		if err != nil {
			continue // bound in the catalog but not configured here
		}
		if r.breakers != nil && !r.breakers.Allow(binding.ProviderID) {
			continue
		}
		candidates = append(candidates, Candidate{Def: def, Binding: binding, Config: cfg, Adapter: adapter})
	}
	if len(candidates) == 0 {
		return nil, apperrors.NoProvider(taskRef, "no registered provider is available for this task")
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Binding.ProviderID < candidates[j].Binding.ProviderID
	})
	return candidates, nil
}

// SelectProvider picks the best-scoring candidate. Given identical
// candidates and metrics it always returns the same provider; ties break on
// provider identifier.
func (r *Registry) SelectProvider(candidates []Candidate, constraints Constraints) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, apperrors.NoProvider("", "empty candidate set")
	}

	if constraints.Provider != "" {
		for i := range candidates {
			if candidates[i].Binding.ProviderID == constraints.Provider {
				return &candidates[i], nil
			}
		}
		taskRef := candidates[0].Def.Ref()
		return nil, apperrors.NoProvider(taskRef, fmt.Sprintf("pinned provider %q is not eligible for this task", constraints.Provider))
	}

	best := &candidates[0]
	bestScore := r.score(best)
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		if s := r.score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, nil
}

// score combines inverse cost, rolling success rate, inverse latency and
// inverse in-flight load. Each term lies in (0, 1].
func (r *Registry) score(c *Candidate) float64 {
	m := r.metricsFor(c.Binding.ProviderID)

	costTerm := 1.0 / (1.0 + c.Binding.EstCost)

	latency := m.AvgLatency()
	if latency <= 0 {
		latency = c.Binding.EstRuntime()
	}
	latencyTerm := 1.0 / (1.0 + latency.Seconds())

	loadTerm := 1.0 / (1.0 + float64(m.InFlight()))

	return r.weights.Cost*costTerm +
		r.weights.Reliability*m.SuccessRate() +
		r.weights.Latency*latencyTerm +
		r.weights.Load*loadTerm
}

// RecordOutcome folds one finished job into the provider's rolling metrics.
// Safe under concurrent calls from many jobs.
func (r *Registry) RecordOutcome(providerID string, success bool, latency time.Duration) {
	m := r.metricsFor(providerID)
	m.Record(success, latency)
	if r.breakers != nil {
		if success {
			r.breakers.For(providerID).RecordSuccess()
		} else {
			r.breakers.For(providerID).RecordFailure()
		}
	}
}

// Acquire notes one job going in flight on a provider.
func (r *Registry) Acquire(providerID string) {
	r.metricsFor(providerID).Acquire()
}

// Release is the inverse of Acquire.
func (r *Registry) Release(providerID string) {
	r.metricsFor(providerID).Release()
}

// Snapshot returns a point-in-time copy of every provider's metrics, for
// health and introspection endpoints.
func (r *Registry) Snapshot() map[string]MetricsSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MetricsSnapshot, len(r.metrics))
	for id, m := range r.metrics {
		out[id] = m.Snapshot()
	}
	return out
}

func (r *Registry) metricsFor(providerID string) *providerMetrics {
	r.mu.RLock()
	m, ok := r.metrics[providerID]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.metrics[providerID]; ok {
		return m
	}
	m = &providerMetrics{}
	r.metrics[providerID] = m
	return m
}
