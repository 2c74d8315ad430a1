package mapper

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"molorch/internal/apperrors"
	"molorch/internal/artifact"
	"molorch/internal/catalog"
	"molorch/internal/provider"
)

func dockDef(t *testing.T) *catalog.TaskDefinition {
	t.Helper()
	def := &catalog.TaskDefinition{
		ID:      "vina-dock",
		Version: "1.2.0",
		Name:    "AutoDock Vina docking",
		Active:  true,
		Inputs: map[string]catalog.ParamSpec{
			"receptor":       {Type: catalog.TypeString, Required: true},
			"ligand":         {Type: catalog.TypeString, Required: true},
			"exhaustiveness": {Type: catalog.TypeInteger, Default: 8},
			"box":            {Type: catalog.TypeObject},
		},
		Outputs: map[string]catalog.OutputSpec{
			"poses":    {Type: "file", Format: "sdf", Required: true},
			"affinity": {Type: "number", Required: true},
			"log":      {Type: "file", Format: "txt"},
		},
		Bindings: []catalog.ProviderBinding{{
			ProviderID: "vina-local",
			Operation:  "dock",
			Params: map[string]catalog.MappingRule{
				"receptor_pdbqt": {Kind: catalog.RuleDirect, Source: "receptor"},
				"ligand_pdbqt":   {Kind: catalog.RuleDirect, Source: "ligand"},
				"exhaustiveness": {Kind: catalog.RuleDirect},
				"search_box":     {Kind: catalog.RuleEncoded, Source: "box"},
				"job_spec":       {Kind: catalog.RuleTemplated, Template: `{"tool":"vina","receptor":"{{.receptor}}"}`},
			},
			Outputs: map[string]catalog.ExtractRule{
				"poses":    {File: "poses.sdf"},
				"affinity": {Field: "scores.best_affinity"},
				"log":      {File: "vina.log"},
			},
		}},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("fixture definition invalid: %v", err)
	}
	return def
}

func TestMap(t *testing.T) {
	t.Parallel()
	def := dockDef(t)
	binding := &def.Bindings[0]

	params := map[string]any{
		"receptor": "rec.pdbqt",
		"ligand":   "lig.pdbqt",
		"box":      map[string]any{"cx": 1.5, "size": 20},
	}
	payload, err := Map(def, binding, params)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if got := payload["receptor_pdbqt"]; got != "rec.pdbqt" {
		t.Errorf("receptor_pdbqt = %v, want rec.pdbqt", got)
	}
	// Schema default applied before mapping.
	if got := payload["exhaustiveness"]; got != 8 {
		t.Errorf("exhaustiveness = %v, want 8", got)
	}
	encoded, ok := payload["search_box"].(string)
	if !ok || !strings.Contains(encoded, `"size":20`) {
		t.Errorf("search_box = %v, want JSON string containing size", payload["search_box"])
	}
	if got := payload["job_spec"]; got != `{"tool":"vina","receptor":"rec.pdbqt"}` {
		t.Errorf("job_spec = %v", got)
	}
}

func TestMapIsDeterministic(t *testing.T) {
	t.Parallel()
	def := dockDef(t)
	binding := &def.Bindings[0]
	params := map[string]any{"receptor": "r", "ligand": "l", "box": map[string]any{"cx": 0}}

	first, err := Map(def, binding, params)
	if err != nil {
		t.Fatalf("first Map: %v", err)
	}
	second, err := Map(def, binding, params)
	if err != nil {
		t.Fatalf("second Map: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("payloads differ across identical calls:\n%v\n%v", first, second)
	}
}

func TestMapOmitsAbsentOptionalInputs(t *testing.T) {
	t.Parallel()
	def := dockDef(t)
	binding := &def.Bindings[0]

	payload, err := Map(def, binding, map[string]any{"receptor": "r", "ligand": "l"})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, ok := payload["search_box"]; ok {
		t.Errorf("search_box present for absent optional input: %v", payload["search_box"])
	}
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	def := dockDef(t)

	tests := []struct {
		name    string
		binding catalog.ProviderBinding
		params  map[string]any
		want    error
	}{
		{
			name:    "missing required input",
			binding: def.Bindings[0],
			params:  map[string]any{"receptor": "r"},
			want:    apperrors.ErrValidation,
		},
		{
			name: "template references absent input",
			binding: catalog.ProviderBinding{
				ProviderID: "vina-local",
				Operation:  "dock",
				Params: map[string]catalog.MappingRule{
					"spec": {Kind: catalog.RuleTemplated, Template: `{{.box.cx}}`},
				},
			},
			params: map[string]any{"receptor": "r", "ligand": "l"},
			want:   apperrors.ErrMapping,
		},
		{
			name: "malformed template",
			binding: catalog.ProviderBinding{
				ProviderID: "vina-local",
				Operation:  "dock",
				Params: map[string]catalog.MappingRule{
					"spec": {Kind: catalog.RuleTemplated, Template: `{{.receptor`},
				},
			},
			params: map[string]any{"receptor": "r", "ligand": "l"},
			want:   apperrors.ErrMapping,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Map(def, &tc.binding, tc.params)
			if !errors.Is(err, tc.want) {
				t.Errorf("Map error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestExtractOutputs(t *testing.T) {
	t.Parallel()
	def := dockDef(t)
	binding := &def.Bindings[0]
	store := artifact.NewMemory()

	results := &provider.Results{
		Fields: map[string]any{
			"scores": map[string]any{"best_affinity": -9.2},
		},
		Files: map[string][]byte{
			"poses.sdf": []byte("MOL\n"),
		},
	}

	outputs, err := ExtractOutputs(context.Background(), def, binding, results, store)
	if err != nil {
		t.Fatalf("ExtractOutputs: %v", err)
	}
	if got := outputs["affinity"]; got != -9.2 {
		t.Errorf("affinity = %v, want -9.2", got)
	}
	locator, ok := outputs["poses"].(string)
	if !ok || locator == "" {
		t.Fatalf("poses = %v, want artifact locator", outputs["poses"])
	}
	content, err := store.Get(context.Background(), locator)
	if err != nil || string(content) != "MOL\n" {
		t.Errorf("stored poses = %q, %v", content, err)
	}
	// Optional log file was not produced; the output is simply absent.
	if _, ok := outputs["log"]; ok {
		t.Errorf("log present without provider file")
	}
}

func TestExtractOutputsMissingRequired(t *testing.T) {
	t.Parallel()
	def := dockDef(t)
	binding := &def.Bindings[0]

	results := &provider.Results{
		Fields: map[string]any{"scores": map[string]any{"best_affinity": -9.2}},
	}
	_, err := ExtractOutputs(context.Background(), def, binding, results, artifact.NewMemory())
	if !errors.Is(err, apperrors.ErrIncompleteResult) {
		t.Errorf("error = %v, want %v", err, apperrors.ErrIncompleteResult)
	}
}

func TestLookupField(t *testing.T) {
	t.Parallel()
	fields := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1}},
		"x": "y",
	}
	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"x", "y", true},
		{"a.b.c", 1, true},
		{"a.b", map[string]any{"c": 1}, true},
		{"a.missing", nil, false},
		{"x.deeper", nil, false},
	}
	for _, tc := range tests {
		got, ok := lookupField(fields, tc.path)
		if ok != tc.ok || (ok && !reflect.DeepEqual(got, tc.want)) {
			t.Errorf("lookupField(%q) = %v, %v; want %v, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}
