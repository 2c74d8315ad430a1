// Package artifact provides content storage for provider result files.
//
// Providers return molecular structure files, pose sets and logs that are too
// large to inline in job records. The store keeps the bytes and hands back an
// opaque locator; job outputs reference artifacts by locator only.
package artifact

import "context"

// Store is the artifact storage boundary.
type Store interface {
	// Put stores content and returns a locator for later retrieval.
	Put(ctx context.Context, name string, content []byte) (string, error)

	// Get retrieves content by locator.
	// Returns apperrors.ErrNotFound if the locator is unknown.
	Get(ctx context.Context, locator string) ([]byte, error)
}
