package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"molorch/internal/api"
	"molorch/internal/artifact"
	"molorch/internal/catalog"
	"molorch/internal/health"
	"molorch/internal/jobmgr"
	"molorch/internal/pipeline"
	"molorch/internal/provider"
	"molorch/internal/registry"
	"molorch/internal/store"
	"molorch/internal/testutil"
	"molorch/pkg/backoff"
)

// echoAdapter completes every job immediately, echoing the submitted "text"
// field back as "echo".
type echoAdapter struct {
	mu       sync.Mutex
	nextID   int
	payloads map[string]map[string]any
}

func newEchoAdapter() *echoAdapter {
	return &echoAdapter{payloads: make(map[string]map[string]any)}
}

func (f *echoAdapter) Submit(ctx context.Context, req *provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("echo-%d", f.nextID)
	f.payloads[id] = req.Payload
	return id, nil
}

func (f *echoAdapter) Status(ctx context.Context, providerJobID string) (*provider.JobStatus, error) {
	return &provider.JobStatus{Phase: provider.PhaseSucceeded, Progress: 1}, nil
}

func (f *echoAdapter) Results(ctx context.Context, providerJobID string) (*provider.Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &provider.Results{Fields: map[string]any{"echo": f.payloads[providerJobID]["text"]}}, nil
}

func (f *echoAdapter) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	return true, nil
}

type testServer struct {
	handler http.Handler
	jobs    *jobmgr.Manager
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	cat := catalog.New()
	def := &catalog.TaskDefinition{
		ID:      "echo-task",
		Version: "1.0.0",
		Active:  true,
		Inputs: map[string]catalog.ParamSpec{
			"message": {Type: catalog.TypeString, Required: true},
		},
		Outputs: map[string]catalog.OutputSpec{
			"echo": {Type: "string", Required: true},
		},
		Bindings: []catalog.ProviderBinding{{
			ProviderID: "local",
			Operation:  "echo",
			Params:     map[string]catalog.MappingRule{"text": {Kind: catalog.RuleDirect, Source: "message"}},
			Outputs:    map[string]catalog.ExtractRule{"echo": {Field: "echo"}},
		}},
	}
	if err := cat.Register(def); err != nil {
		t.Fatalf("register task: %v", err)
	}

	set := provider.NewSet()
	if err := set.Register(provider.Config{ID: "local", Kind: "httpjson", BaseURL: "http://local.invalid"}, newEchoAdapter()); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	reg := registry.New(cat, set, nil, registry.DefaultWeights())
	st := store.NewMemory()
	mgr := jobmgr.New(cat, reg, set, st, artifact.NewMemory(), jobmgr.Config{
		Poll:    backoff.PollConfig{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		Backoff: backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
	coord := pipeline.NewCoordinator(cat, mgr, st, st)
	mgr.AddHook(coord)
	t.Cleanup(func() {
		coord.Close()
		mgr.Close()
	})

	handler := api.NewRouter(api.RouterConfig{
		Jobs:          mgr,
		Pipelines:     coord,
		Catalog:       cat,
		Registry:      reg,
		HealthChecker: health.NewChecker(),
		APIKey:        apiKey,
	})
	return &testServer{handler: handler, jobs: mgr}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
	return out
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"taskId":     "echo-task",
		"version":    "1.0.0",
		"parameters": map[string]any{"message": "hi"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	job := decode[jobmgr.Job](t, w)
	if job.ID == "" || job.TaskRef != "echo-task@1.0.0" {
		t.Errorf("job = %+v", job)
	}

	// Job completes asynchronously; result endpoint serves the outputs.
	testutil.MustWaitFor(t, func() bool {
		return ts.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/result", nil).Code == http.StatusOK
	})
	result := decode[map[string]map[string]any](t, ts.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/result", nil))
	if result["outputs"]["echo"] != "hi" {
		t.Errorf("outputs = %v", result["outputs"])
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing task", map[string]any{"parameters": map[string]any{}}, http.StatusBadRequest},
		{"unknown task", map[string]any{"task": "nope@1.0.0"}, http.StatusNotFound},
		{"missing required param", map[string]any{"task": "echo-task@1.0.0", "parameters": map[string]any{}}, http.StatusBadRequest},
		{"unknown param", map[string]any{"task": "echo-task@1.0.0", "parameters": map[string]any{"message": "hi", "bogus": 1}}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/v1/jobs", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodGet, "/v1/jobs/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestPipelineLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	template := map[string]any{
		"id":     "echo-chain",
		"name":   "Echo chain",
		"inputs": []string{"seed"},
		"nodes": []map[string]any{
			{"id": "a", "task": "echo-task@1.0.0", "inputs": map[string]string{"message": "seed"}},
			{"id": "b", "task": "echo-task@1.0.0"},
		},
		"edges": []map[string]any{
			{"from": "a", "output": "echo", "to": "b", "input": "message"},
		},
	}

	w := ts.do(t, http.MethodPost, "/v1/pipelines", template)
	if w.Code != http.StatusCreated {
		t.Fatalf("create pipeline: %d, body %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/v1/pipelines/echo-chain", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get pipeline: %d", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/v1/pipeline-runs", map[string]any{
		"templateId": "echo-chain",
		"inputs":     map[string]any{"seed": "hello"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start run: %d, body %s", w.Code, w.Body.String())
	}
	run := decode[pipeline.Run](t, w)

	var final pipeline.Run
	testutil.MustWaitFor(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/v1/pipeline-runs/"+run.ID, nil)
		if resp.Code != http.StatusOK {
			return false
		}
		final = decode[pipeline.Run](t, resp)
		return final.State.Terminal()
	})
	if final.State != pipeline.RunCompleted {
		t.Fatalf("run state = %s, nodes %+v", final.State, final.Nodes)
	}
	if final.Nodes["b"].Outputs["echo"] != "hello" {
		t.Errorf("node b outputs = %v", final.Nodes["b"].Outputs)
	}
}

func TestCreatePipelineRejectsCycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	template := map[string]any{
		"id":   "loop",
		"name": "Loop",
		"nodes": []map[string]any{
			{"id": "a", "task": "echo-task@1.0.0"},
			{"id": "b", "task": "echo-task@1.0.0"},
		},
		"edges": []map[string]any{
			{"from": "a", "output": "echo", "to": "b", "input": "message"},
			{"from": "b", "output": "echo", "to": "a", "input": "message"},
		},
	}

	w := ts.do(t, http.MethodPost, "/v1/pipelines", template)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	def := map[string]any{
		"id":      "reverse-task",
		"version": "1.0.0",
		"active":  true,
		"inputs": map[string]any{
			"message": map[string]any{"type": "string", "required": true},
		},
		"outputs": map[string]any{
			"echo": map[string]any{"type": "string", "required": true},
		},
		"bindings": []map[string]any{{
			"provider":  "local",
			"operation": "echo",
			"params":    map[string]any{"text": map[string]any{"kind": "direct", "source": "message"}},
			"outputs":   map[string]any{"echo": map[string]any{"field": "echo"}},
		}},
	}

	w := ts.do(t, http.MethodPost, "/v1/tasks", def)
	if w.Code != http.StatusCreated {
		t.Fatalf("create task: %d, body %s", w.Code, w.Body.String())
	}

	if w := ts.do(t, http.MethodGet, "/v1/tasks/reverse-task@1.0.0", nil); w.Code != http.StatusOK {
		t.Errorf("get registered task: %d", w.Code)
	}

	// Definitions are immutable; the same id@version cannot be replaced.
	if w := ts.do(t, http.MethodPost, "/v1/tasks", def); w.Code != http.StatusConflict {
		t.Errorf("re-register = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodGet, "/v1/tasks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/v1/tasks/echo-task@1.0.0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get task: %d, body %s", w.Code, w.Body.String())
	}
	def := decode[catalog.TaskDefinition](t, w)
	if def.ID != "echo-task" {
		t.Errorf("task = %+v", def)
	}
}

func TestDeactivateTask(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	// Retiring requires an explicit version.
	if w := ts.do(t, http.MethodDelete, "/v1/tasks/echo-task", nil); w.Code != http.StatusBadRequest {
		t.Errorf("retire without version = %d", w.Code)
	}

	if w := ts.do(t, http.MethodDelete, "/v1/tasks/echo-task@1.0.0", nil); w.Code != http.StatusNoContent {
		t.Fatalf("retire = %d", w.Code)
	}

	// Retired versions stay resolvable by explicit reference but no longer
	// satisfy a bare-name lookup.
	if w := ts.do(t, http.MethodGet, "/v1/tasks/echo-task@1.0.0", nil); w.Code != http.StatusOK {
		t.Errorf("explicit lookup after retire = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/v1/tasks/echo-task", nil); w.Code != http.StatusNotFound {
		t.Errorf("bare lookup after retire = %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	if w := ts.do(t, http.MethodGet, "/livez", nil); w.Code != http.StatusOK {
		t.Errorf("livez = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Errorf("readyz = %d", w.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "test-key")

	// Health endpoints stay open.
	if w := ts.do(t, http.MethodGet, "/livez", nil); w.Code != http.StatusOK {
		t.Errorf("livez = %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/v1/jobs", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated list = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key list = %d", rec.Code)
	}
}

func TestContentTypeRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte("text")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCancelJobConflictWhenTerminal(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"task":       "echo-task@1.0.0",
		"parameters": map[string]any{"message": "hi"},
	})
	job := decode[jobmgr.Job](t, w)

	testutil.MustWaitFor(t, func() bool {
		got, err := ts.jobs.Get(context.Background(), job.ID)
		return err == nil && got.State.Terminal()
	})

	if w := ts.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil); w.Code != http.StatusConflict {
		t.Errorf("cancel terminal job = %d", w.Code)
	}
}
