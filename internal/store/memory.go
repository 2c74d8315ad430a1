// Package store provides the persistence boundary: key-by-identifier CRUD
// for jobs, pipeline templates and pipeline runs. The engine only ever
// loads and saves whole records, which keeps it storage-technology
// agnostic; swapping in a database means implementing three small
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"molorch/internal/apperrors"
	"molorch/internal/jobmgr"
	"molorch/internal/pipeline"
)

// Memory is the in-process implementation backing tests and
// single-instance deployments. Records are deep-copied on the way in and
// out so callers never share mutable state with the store.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*jobmgr.Job
	templates map[string]*pipeline.Template
	runs      map[string]*pipeline.Run
}

var (
	_ jobmgr.Store           = (*Memory)(nil)
	_ pipeline.TemplateStore = (*Memory)(nil)
	_ pipeline.RunStore      = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*jobmgr.Job),
		templates: make(map[string]*pipeline.Template),
		runs:      make(map[string]*pipeline.Run),
	}
}

// SaveJob inserts or replaces a job record.
func (m *Memory) SaveJob(ctx context.Context, job *jobmgr.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

// LoadJob returns a copy of one job record.
func (m *Memory) LoadJob(ctx context.Context, id string) (*jobmgr.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return job.Clone(), nil
}

// ListJobs returns copies of all job records, newest first.
func (m *Memory) ListJobs(ctx context.Context) ([]*jobmgr.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*jobmgr.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SaveTemplate inserts or replaces a template record.
func (m *Memory) SaveTemplate(ctx context.Context, tpl *pipeline.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tpl
	m.templates[tpl.ID] = &cp
	return nil
}

// LoadTemplate returns one template record.
func (m *Memory) LoadTemplate(ctx context.Context, id string) (*pipeline.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, apperrors.NotFound("template", id)
	}
	cp := *tpl
	return &cp, nil
}

// ListTemplates returns all template records sorted by ID.
func (m *Memory) ListTemplates(ctx context.Context) ([]*pipeline.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		cp := *tpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRun inserts or replaces a run record.
func (m *Memory) SaveRun(ctx context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

// LoadRun returns a copy of one run record.
func (m *Memory) LoadRun(ctx context.Context, id string) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, apperrors.NotFound("pipelineRun", id)
	}
	return run.Clone(), nil
}

// ListRuns returns copies of all run records, newest first.
func (m *Memory) ListRuns(ctx context.Context) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
