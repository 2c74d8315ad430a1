package provider

import (
	"sort"
	"sync"

	"molorch/internal/apperrors"
)

// Set holds the configured adapters keyed by provider ID.
// Adding a provider means registering one Config and one Adapter here;
// nothing in the job manager or coordinator changes.
type Set struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	adapter Adapter
	config  Config
}

// NewSet creates an empty adapter set.
func NewSet() *Set {
	return &Set{entries: make(map[string]entry)}
}

// Register adds a provider adapter under its configured ID.
func (s *Set) Register(cfg Config, adapter Adapter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[cfg.ID]; exists {
		return apperrors.Conflict("provider", cfg.ID, "provider "+cfg.ID+" is already registered")
	}
	s.entries[cfg.ID] = entry{adapter: adapter, config: cfg}
	return nil
}

// Adapter returns the adapter and config for a provider ID.
func (s *Set) Adapter(id string) (Adapter, *Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, nil, apperrors.NotFound("provider", id)
	}
	cfg := e.config
	return e.adapter, &cfg, nil
}

// Has reports whether a provider ID is registered.
func (s *Set) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// IDs returns all registered provider IDs in sorted order.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
