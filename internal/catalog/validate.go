package catalog

import (
	"fmt"
	"regexp"

	"molorch/internal/apperrors"
)

// idPattern allows alphanumeric, hyphens, and underscores.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

const maxIDLength = 128

// Validate checks a definition for structural problems before registration.
// A definition that fails here is never stored.
func (d *TaskDefinition) Validate() error {
	if d.ID == "" {
		return apperrors.Validation("id", "task ID is required")
	}
	if len(d.ID) > maxIDLength {
		return apperrors.Validation("id", fmt.Sprintf("task ID exceeds maximum length of %d", maxIDLength))
	}
	if !idPattern.MatchString(d.ID) {
		return apperrors.Validation("id", "task ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}
	if d.Version == "" {
		return apperrors.Validation("version", "task version is required")
	}

	for name, spec := range d.Inputs {
		if name == "" {
			return apperrors.Validation("inputs", "input parameter name must not be empty")
		}
		if spec.Default != nil {
			if err := spec.check(name, spec.Default); err != nil {
				return apperrors.Validation(name, fmt.Sprintf("default for %q does not satisfy its own schema", name))
			}
		}
	}

	if len(d.Bindings) == 0 {
		return apperrors.Validation("bindings", fmt.Sprintf("task %s declares no provider bindings", d.Ref()))
	}

	seen := make(map[string]bool, len(d.Bindings))
	for i := range d.Bindings {
		if err := d.validateBinding(&d.Bindings[i]); err != nil {
			return err
		}
		if seen[d.Bindings[i].ProviderID] {
			return apperrors.Validation("bindings", fmt.Sprintf("duplicate binding for provider %q", d.Bindings[i].ProviderID))
		}
		seen[d.Bindings[i].ProviderID] = true
	}

	return nil
}

func (d *TaskDefinition) validateBinding(b *ProviderBinding) error {
	if b.ProviderID == "" {
		return apperrors.Validation("bindings", "binding provider ID is required")
	}
	if b.Operation == "" {
		return apperrors.Validation("bindings", fmt.Sprintf("binding for %q has no operation", b.ProviderID))
	}

	for field, rule := range b.Params {
		switch rule.Kind {
		case RuleDirect, RuleEncoded:
			source := rule.Source
			if source == "" {
				source = field
			}
			if _, ok := d.Inputs[source]; !ok {
				return apperrors.Validation(field, fmt.Sprintf("binding for %q maps undeclared input %q", b.ProviderID, source))
			}
		case RuleTemplated:
			if rule.Template == "" {
				return apperrors.Validation(field, fmt.Sprintf("templated rule for field %q has no template", field))
			}
		default:
			return apperrors.Validation(field, fmt.Sprintf("unknown mapping rule kind %q", rule.Kind))
		}
	}

	for name, rule := range b.Outputs {
		if _, ok := d.Outputs[name]; !ok {
			return apperrors.Validation(name, fmt.Sprintf("binding for %q extracts undeclared output %q", b.ProviderID, name))
		}
		if rule.Field == "" && rule.File == "" {
			return apperrors.Validation(name, fmt.Sprintf("extraction rule for %q names neither a field nor a file", name))
		}
	}

	// Every required output must be extractable from this provider.
	for name, spec := range d.Outputs {
		if !spec.Required {
			continue
		}
		if _, ok := b.Outputs[name]; !ok {
			return apperrors.Validation(name, fmt.Sprintf("binding for %q has no rule for required output %q", b.ProviderID, name))
		}
	}

	return nil
}
