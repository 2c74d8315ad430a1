package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"molorch/internal/apperrors"
	"molorch/internal/jobmgr"
	"molorch/internal/pipeline"
)

func TestJobRoundtrip(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	job := &jobmgr.Job{
		ID:        "job-1",
		TaskRef:   "echo-task@1.0.0",
		State:     jobmgr.StateSubmitted,
		Inputs:    map[string]any{"message": "hi"},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	// Mutating the original must not leak into the stored record.
	job.Inputs["message"] = "changed"
	job.State = jobmgr.StateFailed

	loaded, err := m.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if loaded.Inputs["message"] != "hi" || loaded.State != jobmgr.StateSubmitted {
		t.Errorf("stored record was mutated through the caller's copy: %+v", loaded)
	}

	// Mutating a loaded copy must not affect subsequent loads either.
	loaded.Inputs["message"] = "changed again"
	again, _ := m.LoadJob(ctx, "job-1")
	if again.Inputs["message"] != "hi" {
		t.Errorf("load returned shared state")
	}
}

func TestLoadJobNotFound(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	_, err := m.LoadJob(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want %v", err, apperrors.ErrNotFound)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		if err := m.SaveJob(ctx, &jobmgr.Job{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	jobs, err := m.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != "c" || jobs[2].ID != "a" {
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		t.Errorf("order = %v, want [c b a]", ids)
	}
}

func TestTemplateRoundtrip(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	tpl := &pipeline.Template{
		ID:     "dock-pipeline",
		Inputs: []string{"receptor", "ligand"},
		Nodes:  []pipeline.Node{{ID: "dock", TaskRef: "vina-dock@1.0.0"}},
	}
	if err := m.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	loaded, err := m.LoadTemplate(ctx, "dock-pipeline")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if loaded.ID != tpl.ID || len(loaded.Nodes) != 1 {
		t.Errorf("loaded = %+v", loaded)
	}

	_, err = m.LoadTemplate(ctx, "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want %v", err, apperrors.ErrNotFound)
	}
}

func TestRunRoundtrip(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	run := &pipeline.Run{
		ID:         "run-1",
		TemplateID: "dock-pipeline",
		State:      pipeline.RunRunning,
		Inputs:     map[string]any{"receptor": "rec"},
		Nodes: map[string]*pipeline.NodeRun{
			"dock": {State: pipeline.NodePending},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run.Nodes["dock"].State = pipeline.NodeCompleted

	loaded, err := m.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.Nodes["dock"].State != pipeline.NodePending {
		t.Errorf("stored run shares node state with the caller")
	}

	runs, err := m.ListRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
}
