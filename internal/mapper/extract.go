package mapper

import (
	"context"
	"fmt"

	"molorch/internal/apperrors"
	"molorch/internal/artifact"
	"molorch/internal/catalog"
	"molorch/internal/provider"
)

// ExtractOutputs pulls the declared outputs out of a provider's raw results.
// Inline outputs come from response fields (dotted paths supported); file
// outputs are written to the artifact store and replaced by their locator.
//
// A missing required output fails the whole extraction. Optional outputs
// that the provider did not produce are omitted from the returned map.
func ExtractOutputs(ctx context.Context, def *catalog.TaskDefinition, binding *catalog.ProviderBinding, results *provider.Results, store artifact.Store) (map[string]any, error) {
	outputs := make(map[string]any, len(binding.Outputs))
	for name, rule := range binding.Outputs {
		required := rule.Required
		if spec, ok := def.Outputs[name]; ok && spec.Required {
			required = true
		}

		if rule.File != "" {
			content, ok := results.Files[rule.File]
			if !ok {
				if required {
					return nil, apperrors.Incomplete(binding.ProviderID, name)
				}
				continue
			}
			locator, err := store.Put(ctx, rule.File, content)
			if err != nil {
				return nil, apperrors.Internal("artifact.put", fmt.Errorf("storing output %q: %w", name, err))
			}
			outputs[name] = locator
			continue
		}

		value, ok := lookupField(results.Fields, rule.Field)
		if !ok {
			if required {
				return nil, apperrors.Incomplete(binding.ProviderID, name)
			}
			continue
		}
		outputs[name] = value
	}
	return outputs, nil
}
