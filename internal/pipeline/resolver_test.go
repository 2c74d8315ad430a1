package pipeline_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
	"molorch/internal/pipeline"
)

// testCatalog registers echo-task: one required string input "message", one
// required string output "echo".
func testCatalog(t *testing.T) *catalog.Catalog {
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
		t.Fatalf("register echo-task: %v", err)
	}
	return cat
}

func linearTemplate() *pipeline.Template {
	return &pipeline.Template{
		ID:     "linear",
		Inputs: []string{"seed"},
		Nodes: []pipeline.Node{
			{ID: "a", TaskRef: "echo-task@1.0.0", Inputs: map[string]string{"message": "seed"}},
			{ID: "b", TaskRef: "echo-task@1.0.0"},
			{ID: "c", TaskRef: "echo-task@1.0.0"},
		},
		Edges: []pipeline.Edge{
			{From: "a", Output: "echo", To: "b", Input: "message"},
			{From: "b", Output: "echo", To: "c", Input: "message"},
		},
	}
}

func TestResolveLinear(t *testing.T) {
	t.Parallel()
	plan, err := pipeline.Resolve(testCatalog(t), linearTemplate())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !slices.Equal(plan.Order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v, want [a b c]", plan.Order)
	}
	if !slices.Equal(plan.Upstream("c"), []string{"b"}) {
		t.Errorf("upstream(c) = %v", plan.Upstream("c"))
	}
	if !slices.Equal(plan.Descendants("a"), []string{"b", "c"}) {
		t.Errorf("descendants(a) = %v", plan.Descendants("a"))
	}
}

func TestResolveDiamondIsDeterministic(t *testing.T) {
	t.Parallel()
	tpl := &pipeline.Template{
		ID:     "diamond",
		Inputs: []string{"seed"},
		Nodes: []pipeline.Node{
			{ID: "sink", TaskRef: "echo-task@1.0.0"},
			{ID: "right", TaskRef: "echo-task@1.0.0"},
			{ID: "left", TaskRef: "echo-task@1.0.0"},
			{ID: "root", TaskRef: "echo-task@1.0.0", Inputs: map[string]string{"message": "seed"}},
		},
		Edges: []pipeline.Edge{
			{From: "root", Output: "echo", To: "left", Input: "message"},
			{From: "root", Output: "echo", To: "right", Input: "message"},
			{From: "left", Output: "echo", To: "sink", Input: "message"},
		},
	}
	// right has no consumer; sink only needs left. Ready sets are processed
	// in lexical order, so the full order is stable across calls.
	want := []string{"root", "left", "right", "sink"}
	for i := 0; i < 5; i++ {
		plan, err := pipeline.Resolve(testCatalog(t), tpl)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !slices.Equal(plan.Order, want) {
			t.Fatalf("order = %v, want %v", plan.Order, want)
		}
	}
}

func TestResolveCycle(t *testing.T) {
	t.Parallel()
	tpl := linearTemplate()
	tpl.Edges = append(tpl.Edges, pipeline.Edge{From: "c", Output: "echo", To: "a", Input: "message"})
	// a no longer needs the pipeline input; drop it so only the cycle fails.
	tpl.Nodes[0].Inputs = nil

	_, err := pipeline.Resolve(testCatalog(t), tpl)
	if !errors.Is(err, apperrors.ErrCircularDependency) {
		t.Fatalf("error = %v, want circular dependency", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("cycle error carries no witness path: %v", err)
	}
}

func TestResolveSelfLoop(t *testing.T) {
	t.Parallel()
	tpl := &pipeline.Template{
		ID:    "self",
		Nodes: []pipeline.Node{{ID: "a", TaskRef: "echo-task@1.0.0"}},
		Edges: []pipeline.Edge{{From: "a", Output: "echo", To: "a", Input: "message"}},
	}
	_, err := pipeline.Resolve(testCatalog(t), tpl)
	if !errors.Is(err, apperrors.ErrCircularDependency) {
		t.Errorf("error = %v, want circular dependency", err)
	}
}

func TestResolveRejectsInvalidTemplates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(tpl *pipeline.Template)
	}{
		{"unknown task", func(tpl *pipeline.Template) { tpl.Nodes[1].TaskRef = "nope@1.0.0" }},
		{"duplicate node id", func(tpl *pipeline.Template) { tpl.Nodes[1].ID = "a" }},
		{"edge from unknown node", func(tpl *pipeline.Template) { tpl.Edges[0].From = "ghost" }},
		{"edge to unknown output", func(tpl *pipeline.Template) { tpl.Edges[0].Output = "nope" }},
		{"edge to unknown input", func(tpl *pipeline.Template) { tpl.Edges[0].Input = "nope" }},
		{"input fed twice", func(tpl *pipeline.Template) {
			tpl.Edges = append(tpl.Edges, pipeline.Edge{From: "a", Output: "echo", To: "c", Input: "message"})
		}},
		{"required input unsatisfied", func(tpl *pipeline.Template) { tpl.Nodes[0].Inputs = nil }},
		{"undeclared pipeline input", func(tpl *pipeline.Template) {
			tpl.Nodes[0].Inputs = map[string]string{"message": "ghost-input"}
		}},
		{"no nodes", func(tpl *pipeline.Template) { tpl.Nodes = nil; tpl.Edges = nil }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tpl := linearTemplate()
			tc.mutate(tpl)
			_, err := pipeline.Resolve(testCatalog(t), tpl)
			if err == nil {
				t.Fatalf("Resolve accepted an invalid template")
			}
			if !errors.Is(err, apperrors.ErrValidation) && !errors.Is(err, apperrors.ErrCircularDependency) {
				t.Errorf("unexpected error class: %v", err)
			}
		})
	}
}
