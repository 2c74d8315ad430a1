// Package mapper translates normalized task inputs into provider payloads
// and provider results back into normalized outputs.
//
// Mapping is driven entirely by the declarative rules on a ProviderBinding;
// there is no per-provider code here. Both directions are pure, synchronous
// computations: any failure is immediate and nothing is partially applied.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
)

// templateFuncs are the only functions available inside templated rules.
// Keeping this set small keeps bindings auditable; configuration must not
// grow into a scripting language.
var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// Map validates params against the task's input schema and builds the
// provider payload per the binding's rules. Calling Map twice with the same
// arguments yields identical payloads.
func Map(def *catalog.TaskDefinition, binding *catalog.ProviderBinding, params map[string]any) (map[string]any, error) {
	inputs, err := def.NormalizeInputs(params)
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(binding.Params))
	for field, rule := range binding.Params {
		value, ok, err := applyRule(field, rule, inputs)
		if err != nil {
			return nil, err
		}
		if ok {
			payload[field] = value
		}
	}
	return payload, nil
}

// applyRule evaluates one rule. ok is false when an optional input is absent
// and the provider field should simply be omitted.
func applyRule(field string, rule catalog.MappingRule, inputs map[string]any) (value any, ok bool, err error) {
	switch rule.Kind {
	case catalog.RuleDirect:
		v, present := inputs[sourceOf(field, rule)]
		return v, present, nil

	case catalog.RuleEncoded:
		v, present := inputs[sourceOf(field, rule)]
		if !present {
			return nil, false, nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, false, apperrors.Mapping(field, fmt.Sprintf("cannot JSON-encode input for field %q: %v", field, err))
		}
		return string(encoded), true, nil

	case catalog.RuleTemplated:
		tmpl, err := template.New(field).Funcs(templateFuncs).Option("missingkey=error").Parse(rule.Template)
		if err != nil {
			return nil, false, apperrors.Mapping(field, fmt.Sprintf("invalid template for field %q: %v", field, err))
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, inputs); err != nil {
			return nil, false, apperrors.Mapping(field, fmt.Sprintf("template for field %q failed: %v", field, err))
		}
		return buf.String(), true, nil

	default:
		return nil, false, apperrors.Mapping(field, fmt.Sprintf("unknown mapping rule kind %q", rule.Kind))
	}
}

func sourceOf(field string, rule catalog.MappingRule) string {
	if rule.Source != "" {
		return rule.Source
	}
	return field
}

// lookupField resolves a possibly dotted path ("result.score") in a
// provider response.
func lookupField(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = fields
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
