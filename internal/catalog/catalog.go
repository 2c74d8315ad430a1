package catalog

import (
	"strconv"
	"strings"
	"sync"

	"molorch/internal/apperrors"
)

// Catalog holds registered task definitions keyed by id@version.
//
// Registration is the only mutation that adds records; a published
// (id, version) is immutable and re-registering it is a conflict.
// Retirement flips Active off without removing the record, so historical
// jobs keep a resolvable task reference.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*TaskDefinition // keyed by Ref()
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{defs: make(map[string]*TaskDefinition)}
}

// Register validates and stores a definition.
func (c *Catalog) Register(def *TaskDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ref := def.Ref()
	if _, exists := c.defs[ref]; exists {
		return apperrors.Conflict("task", ref, "task "+ref+" is already registered; publish a new version instead")
	}
	c.defs[ref] = def
	return nil
}

// Get resolves a task reference. An empty version resolves to the highest
// active version of the task.
func (c *Catalog) Get(id, version string) (*TaskDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if version != "" {
		def, ok := c.defs[Ref(id, version)]
		if !ok {
			return nil, apperrors.NotFound("task", Ref(id, version))
		}
		return def, nil
	}

	var latest *TaskDefinition
	for _, def := range c.defs {
		if def.ID != id || !def.Active {
			continue
		}
		if latest == nil || versionLess(latest.Version, def.Version) {
			latest = def
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("task", id)
	}
	return latest, nil
}

// Resolve resolves an "id@version" reference (version optional).
func (c *Catalog) Resolve(ref string) (*TaskDefinition, error) {
	id, version, err := ParseRef(ref)
	if err != nil {
		return nil, apperrors.Validation("taskRef", err.Error())
	}
	return c.Get(id, version)
}

// List returns all registered definitions, newest version first per task.
func (c *Catalog) List() []*TaskDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*TaskDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sortDefs(out)
	return out
}

// Deactivate retires one published version. The record stays resolvable by
// explicit version for historical jobs.
func (c *Catalog) Deactivate(id, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.defs[Ref(id, version)]
	if !ok {
		return apperrors.NotFound("task", Ref(id, version))
	}
	def.Active = false
	return nil
}

func sortDefs(defs []*TaskDefinition) {
	// Stable order for API listings and tests: by ID, then descending version.
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0; j-- {
			a, b := defs[j-1], defs[j]
			if a.ID < b.ID || (a.ID == b.ID && !versionLess(a.Version, b.Version)) {
				break
			}
			defs[j-1], defs[j] = b, a
		}
	}
}

// versionLess compares dotted numeric versions ("1.2.0" < "1.10.0");
// non-numeric segments fall back to string comparison.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				return na < nb
			}
			continue
		}
		if sa != sb {
			return sa < sb
		}
	}
	return false
}
