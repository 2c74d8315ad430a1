package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"molorch/internal/apperrors"
)

// MemoryStore keeps artifacts in process memory. Intended for tests and
// single-node deployments; content is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory artifact store.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Put stores content under a digest-based locator. Storing identical content
// twice yields the same locator, which keeps retried extractions idempotent.
func (s *MemoryStore) Put(ctx context.Context, name string, content []byte) (string, error) {
	locator := fmt.Sprintf("mem://%s/%s", digest(content), name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[locator] = content
	return locator, nil
}

// Get retrieves content by locator.
func (s *MemoryStore) Get(ctx context.Context, locator string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.data[locator]
	if !ok {
		return nil, apperrors.NotFound("artifact", locator)
	}
	return content, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}

var _ Store = (*MemoryStore)(nil)
