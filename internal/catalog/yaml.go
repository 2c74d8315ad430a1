package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"molorch/internal/apperrors"
)

// LoadFile parses one task definition from a YAML file.
func LoadFile(path string) (*TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Internal("catalog.read", err)
	}

	var def TaskDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, apperrors.Validation("file", fmt.Sprintf("%s: %v", filepath.Base(path), err))
	}
	return &def, nil
}

// LoadDir registers every .yaml/.yml task definition found in dir.
// Returns the number of definitions registered.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, apperrors.Internal("catalog.readdir", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := c.Register(def); err != nil {
			return loaded, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		loaded++
	}
	return loaded, nil
}
