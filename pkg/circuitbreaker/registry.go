package circuitbreaker

import (
	"sync"
)

// Registry manages circuit breakers keyed by upstream identifier
// (provider ID, callback host). Breakers are created lazily on first access.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// For returns the circuit breaker for a key, creating one if needed.
func (r *Registry) For(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[key]; exists {
		return b
	}

	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Allow reports whether calls to the keyed upstream should be attempted.
// A key with no breaker yet is always allowed.
func (r *Registry) Allow(key string) bool {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if !exists {
		return true
	}
	return b.Allow()
}

// Stats holds registry statistics.
type Stats struct {
	Total    int // Total breakers
	Open     int // Breakers in open state
	HalfOpen int // Breakers in half-open state
	Closed   int // Breakers in closed state
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total: len(r.breakers),
	}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Snapshot returns the current state of every registered breaker.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// Reset resets all breakers in the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
