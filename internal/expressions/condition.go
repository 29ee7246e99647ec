package expressions

import (
	"context"
	"strings"

	"github.com/quorra-labs/conduct/pkg/schema"
)

// EvalCondition evaluates an if/until guard expression to a strict boolean.
//
// A string that is exactly one ${{ ... }} wrapper is first resolved as an
// attribute path; when the inner text is not a plain path (e.g.
// ${{ item == 4 }}) it is handed to the engine instead. Any other string has
// its embedded templates resolved and the residue evaluated by the engine.
// A non-boolean outcome is a condition-evaluation error, never silently
// coerced.
func EvalCondition(ctx context.Context, engine Engine, condition string, scope map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	if inner, ok := singleExpression(condition); ok {
		if resolved, err := Resolve(condition, scope); err == nil {
			return requireBool(condition, resolved)
		}
		result, err := engine.Evaluate(ctx, inner, scope)
		if err != nil {
			return false, err
		}
		return requireBool(condition, result)
	}

	resolved, err := Resolve(condition, scope)
	if err != nil {
		return false, err
	}
	residue, ok := resolved.(string)
	if !ok {
		return requireBool(condition, resolved)
	}
	if b, ok := boolLiteral(residue); ok {
		return b, nil
	}
	result, err := engine.Evaluate(ctx, residue, scope)
	if err != nil {
		return false, err
	}
	return requireBool(condition, result)
}

// requireBool accepts a boolean or the textual boolean literals a resolved
// template can produce; anything else is a condition error, never coerced.
func requireBool(condition string, result any) (bool, error) {
	if b, ok := result.(bool); ok {
		return b, nil
	}
	if s, ok := result.(string); ok {
		if b, ok := boolLiteral(s); ok {
			return b, nil
		}
	}
	return false, schema.NewErrorf(schema.ErrCodeCondition,
		"condition %q must evaluate to a boolean, got %T", condition, result)
}

func boolLiteral(s string) (value, ok bool) {
	switch strings.TrimSpace(s) {
	case "true", "True":
		return true, true
	case "false", "False":
		return false, true
	}
	return false, false
}

// singleExpression reports whether s is exactly one ${{ ... }} wrapper and
// returns the inner expression.
func singleExpression(s string) (string, bool) {
	if !strings.HasPrefix(s, openMarker) || !strings.HasSuffix(s, closeMarker) {
		return "", false
	}
	inner := s[len(openMarker) : len(s)-len(closeMarker)]
	if strings.Contains(inner, closeMarker) || strings.Contains(inner, openMarker) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}
