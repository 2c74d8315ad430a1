// Package catalog defines task definitions and their provider bindings.
//
// A TaskDefinition describes one atomic capability (an analysis such as a
// docking run): its input and output schemas and, per provider able to run
// it, the declarative rules that translate normalized parameters to that
// provider's wire format. Definitions are immutable once registered; a new
// version is a new record.
package catalog

import (
	"fmt"
	"strings"
	"time"
)

// ParamType is the declared type of a task input parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
)

// ParamSpec declares one named input parameter.
type ParamSpec struct {
	Type        ParamType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
}

// OutputSpec declares one named output artifact. Type "file" marks outputs
// that are stored in the artifact store and referenced by locator; Format
// carries the file format ("pdb", "sdf", "json").
type OutputSpec struct {
	Type        string `yaml:"type" json:"type"`
	Format      string `yaml:"format,omitempty" json:"format,omitempty"`
	Required    bool   `yaml:"required" json:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// RuleKind selects how one provider field is built from normalized inputs.
type RuleKind string

const (
	// RuleDirect copies one input value verbatim.
	RuleDirect RuleKind = "direct"
	// RuleEncoded serializes one input value to a JSON string.
	RuleEncoded RuleKind = "encoded"
	// RuleTemplated renders a text template with the full input set in scope.
	RuleTemplated RuleKind = "templated"
)

// MappingRule builds one provider request field.
type MappingRule struct {
	Kind     RuleKind `yaml:"kind" json:"kind"`
	Source   string   `yaml:"source,omitempty" json:"source,omitempty"`     // input name for direct/encoded
	Template string   `yaml:"template,omitempty" json:"template,omitempty"` // for templated
}

// ExtractRule locates one declared output in a provider result.
type ExtractRule struct {
	Field    string `yaml:"field,omitempty" json:"field,omitempty"` // response field name
	File     string `yaml:"file,omitempty" json:"file,omitempty"`   // result file name; stored as artifact
	Required bool   `yaml:"required" json:"required"`
}

// ProviderBinding is one provider's realization of a TaskDefinition.
type ProviderBinding struct {
	ProviderID    string                 `yaml:"provider" json:"provider"`
	Operation     string                 `yaml:"operation" json:"operation"` // provider-native operation name
	Params        map[string]MappingRule `yaml:"params" json:"params"`       // provider field -> rule
	Outputs       map[string]ExtractRule `yaml:"outputs" json:"outputs"`     // output name -> rule
	EstCost       float64                `yaml:"estCost,omitempty" json:"estCost,omitempty"`             // arbitrary cost units per run
	EstRuntimeSec int                    `yaml:"estRuntimeSec,omitempty" json:"estRuntimeSec,omitempty"` // static runtime estimate, seconds
}

// EstRuntime returns the static runtime estimate as a duration.
func (b *ProviderBinding) EstRuntime() time.Duration {
	return time.Duration(b.EstRuntimeSec) * time.Second
}

// TaskDefinition describes one atomic capability.
type TaskDefinition struct {
	ID          string                `yaml:"id" json:"id"`
	Version     string                `yaml:"version" json:"version"`
	Name        string                `yaml:"name,omitempty" json:"name,omitempty"`
	Category    string                `yaml:"category,omitempty" json:"category,omitempty"`
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
	Active      bool                  `yaml:"active" json:"active"`
	Inputs      map[string]ParamSpec  `yaml:"inputs" json:"inputs"`
	Outputs     map[string]OutputSpec `yaml:"outputs" json:"outputs"`
	Bindings    []ProviderBinding     `yaml:"bindings" json:"bindings"`
}

// Ref returns the canonical "id@version" reference for the definition.
func (d *TaskDefinition) Ref() string {
	return Ref(d.ID, d.Version)
}

// Ref builds an "id@version" task reference.
func Ref(id, version string) string {
	return id + "@" + version
}

// ParseRef splits an "id@version" reference. Version may be empty,
// meaning "latest active version".
func ParseRef(ref string) (id, version string, err error) {
	if ref == "" {
		return "", "", fmt.Errorf("empty task reference")
	}
	id, version, found := strings.Cut(ref, "@")
	if id == "" {
		return "", "", fmt.Errorf("task reference %q has no id", ref)
	}
	if found && version == "" {
		return "", "", fmt.Errorf("task reference %q has empty version", ref)
	}
	return id, version, nil
}

// BindingFor returns the binding for a provider, if any.
func (d *TaskDefinition) BindingFor(providerID string) (*ProviderBinding, bool) {
	for i := range d.Bindings {
		if d.Bindings[i].ProviderID == providerID {
			return &d.Bindings[i], true
		}
	}
	return nil, false
}
