package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"molorch/internal/apperrors"
)

// FSStore stores artifacts as files under a base directory, named by content
// digest so concurrent writers never clash.
type FSStore struct {
	dir string
}

// NewFS creates a filesystem artifact store rooted at dir.
func NewFS(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Internal("artifact.mkdir", err)
	}
	return &FSStore{dir: dir}, nil
}

// Put writes content to a digest-named file and returns a file locator.
func (s *FSStore) Put(ctx context.Context, name string, content []byte) (string, error) {
	base := fmt.Sprintf("%s-%s", digest(content), sanitize(name))
	path := filepath.Join(s.dir, base)

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", apperrors.Internal("artifact.write", err)
	}
	return "file://" + base, nil
}

// Get retrieves content by locator.
func (s *FSStore) Get(ctx context.Context, locator string) ([]byte, error) {
	base, ok := strings.CutPrefix(locator, "file://")
	if !ok || base != filepath.Base(base) {
		return nil, apperrors.NotFound("artifact", locator)
	}

	content, err := os.ReadFile(filepath.Join(s.dir, base))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("artifact", locator)
		}
		return nil, apperrors.Internal("artifact.read", err)
	}
	return content, nil
}

// sanitize strips path separators from artifact names so a hostile name
// cannot escape the store directory.
func sanitize(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

var _ Store = (*FSStore)(nil)
