package catalog

import (
	"fmt"
	"slices"

	"molorch/internal/apperrors"
)

// NormalizeInputs validates caller-supplied parameters against the task's
// input schema and returns the effective input set with declared defaults
// applied. The returned map is a fresh copy; the caller's map is not touched.
//
// Rules: every required parameter must be present, every present parameter
// must type-check, unknown parameters are rejected. Defaults only come from
// the schema - nothing is invented here or later in the mapper.
func (d *TaskDefinition) NormalizeInputs(params map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(d.Inputs))

	for name := range params {
		if _, declared := d.Inputs[name]; !declared {
			return nil, apperrors.Validation(name, fmt.Sprintf("unknown parameter %q for task %s", name, d.Ref()))
		}
	}

	for name, spec := range d.Inputs {
		value, present := params[name]
		if !present {
			if spec.Default != nil {
				normalized[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, apperrors.Validation(name, fmt.Sprintf("required parameter %q is missing", name))
			}
			continue
		}
		if err := spec.check(name, value); err != nil {
			return nil, err
		}
		normalized[name] = value
	}

	return normalized, nil
}

// check validates one value against its spec.
func (s ParamSpec) check(name string, value any) error {
	switch s.Type {
	case TypeString, "":
		str, ok := value.(string)
		if !ok {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be a string", name))
		}
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, str) {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be one of %v", name, s.Enum))
		}

	case TypeNumber, TypeInteger:
		f, ok := asFloat(value)
		if !ok {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be a number", name))
		}
		if s.Type == TypeInteger && f != float64(int64(f)) {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be an integer", name))
		}
		if s.Min != nil && f < *s.Min {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be >= %v", name, *s.Min))
		}
		if s.Max != nil && f > *s.Max {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be <= %v", name, *s.Max))
		}

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be a boolean", name))
		}

	case TypeObject:
		switch value.(type) {
		case map[string]any, []any:
		default:
			return apperrors.Validation(name, fmt.Sprintf("parameter %q must be an object or array", name))
		}

	default:
		return apperrors.Validation(name, fmt.Sprintf("parameter %q has unsupported schema type %q", name, s.Type))
	}

	return nil
}

// asFloat widens any JSON/YAML numeric representation to float64.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
