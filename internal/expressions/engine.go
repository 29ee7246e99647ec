package expressions

import "context"

// Engine evaluates a boolean or scalar expression against a read-only scope
// map. Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// buildScope fills the execution scope keys with neutral defaults and
// carries every extra key of data through unchanged, so engines never hit
// nil-reference errors on a sparse scope.
func buildScope(data map[string]any) map[string]any {
	scope := buildActivation(data)
	for k, v := range data {
		if _, ok := scope[k]; !ok {
			scope[k] = v
		}
	}
	return scope
}
