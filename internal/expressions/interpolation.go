package expressions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/quorra-labs/conduct/pkg/schema"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// errMissingPath marks a resolution failure caused by an absent path, so a
// coalesce filter later in the chain can recover it.
var errMissingPath = errors.New("referenced path does not exist")

// HasTemplate reports whether s contains any ${{ ... }} markers.
func HasTemplate(s string) bool {
	return strings.Contains(s, openMarker)
}

// Resolve maps a value containing ${{ ... }} expressions plus a parameter
// scope to a concrete value. Strings are scanned for template markers; lists
// and mappings resolve recursively; non-string scalars pass through
// unchanged. A value with no markers is returned as-is, so resolution is
// idempotent.
func Resolve(value any, params map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, params)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, params)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, params)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap resolves every value of m, preserving keys.
func ResolveMap(m map[string]any, params map[string]any) (map[string]any, error) {
	resolved, err := Resolve(m, params)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return resolved.(map[string]any), nil
}

// ResolveString resolves a single string template, stringifying the result.
func ResolveString(s string, params map[string]any) (string, error) {
	resolved, err := resolveString(s, params)
	if err != nil {
		return "", err
	}
	return stringify(resolved), nil
}

// resolveString handles one string. A string that is exactly one ${{ }}
// expression resolves to the typed value; embedded expressions stringify.
func resolveString(s string, params map[string]any) (any, error) {
	if !HasTemplate(s) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) {
		inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
		if !strings.Contains(inner, closeMarker) {
			return evalExpr(strings.TrimSpace(inner), params)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty template reference: ${{  }}")
		}
		if strings.Contains(expr, openMarker) {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := evalExpr(expr, params)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + len(closeMarker)
	}

	return result.String(), nil
}

// evalExpr evaluates one expression: an attribute path followed by an
// optional pipe-chain of registered filters.
func evalExpr(expr string, params map[string]any) (any, error) {
	segments := splitPipes(expr)
	pathExpr := strings.TrimSpace(segments[0])
	filterExprs := segments[1:]

	filters := make([]filterCall, 0, len(filterExprs))
	hasCoalesce := false
	for _, fe := range filterExprs {
		call, err := parseFilter(strings.TrimSpace(fe), expr)
		if err != nil {
			return nil, err
		}
		if call.name == "coalesce" {
			hasCoalesce = true
		}
		filters = append(filters, call)
	}

	val, err := traversePath(pathExpr, params, expr)
	if err != nil {
		if hasCoalesce && errors.Is(err, errMissingPath) {
			val = nil
		} else {
			return nil, err
		}
	}

	for _, call := range filters {
		val, err = call.fn(val, call.args)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"filter %q failed in ${{%s}}: %s", call.name, expr, err.Error()).WithCause(err)
		}
	}

	return val, nil
}

// traversePath walks a dotted attribute path over the scope. A segment with
// a trailing ? is optional: when absent the whole path resolves to nil
// instead of raising. Numeric segments index into lists.
func traversePath(path string, scope map[string]any, expr string) (any, error) {
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty path in ${{%s}}", expr)
	}

	segments := strings.Split(path, ".")
	var current any = scope

	for i, seg := range segments {
		optional := strings.HasSuffix(seg, "?")
		if optional {
			seg = strings.TrimSuffix(seg, "?")
		}
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i)
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				if optional {
					return nil, nil
				}
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in ${{%s}}; available: [%s]", seg, expr, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": available}).
					WithCause(errMissingPath)
			}
			current = val
		case []any:
			idx, convErr := strconv.Atoi(seg)
			if convErr != nil || idx < 0 || idx >= len(v) {
				if optional {
					return nil, nil
				}
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in ${{%s}} (list of %d)", seg, expr, len(v)).
					WithCause(errMissingPath)
			}
			current = v[idx]
		case nil:
			if optional {
				return nil, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into nil at %q in ${{%s}}", seg, expr).
				WithCause(errMissingPath)
		default:
			if optional {
				return nil, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in ${{%s}} (type: %T)", seg, expr, current)
		}
	}

	return current, nil
}

// splitPipes splits an expression on | outside of quotes and parentheses.
func splitPipes(expr string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0

	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '|' && depth == 0:
			parts = append(parts, expr[start:i])
			start = i + 1
		}
	}
	parts = append(parts, expr[start:])
	return parts
}

// Stringify renders a value the way embedded template results render.
// Useful for building deterministic context keys from arbitrary values.
func Stringify(val any) string {
	return stringify(val)
}

// stringify renders a resolved value for embedding inside a larger string.
// Complex types JSON-encode inline.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	if s, err := cast.ToStringE(val); err == nil {
		return s
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprintf("%v", val)
	}
	return string(b)
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
