package expressions

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/quorra-labs/conduct/pkg/schema"
)

// FilterFunc transforms a resolved value inside a pipe chain. Filters other
// than coalesce pass nil through untouched.
type FilterFunc func(val any, args []any) (any, error)

// filterTable is the fixed set of registered filters. Referencing an
// unregistered name is a resolution error.
var filterTable = map[string]FilterFunc{
	"abs":      filterAbs,
	"fmt":      filterFmt,
	"rstr":     filterRstr,
	"coalesce": filterCoalesce,
	"title":    filterTitle,
	"upper":    filterUpper,
	"lower":    filterLower,
	"join":     filterJoin,
}

type filterCall struct {
	name string
	fn   FilterFunc
	args []any
}

// parseFilter parses "name" or "name(arg, ...)" where args are literals:
// quoted strings, numbers, booleans, or null.
func parseFilter(fe, expr string) (filterCall, error) {
	if fe == "" {
		return filterCall{}, schema.NewErrorf(schema.ErrCodeInterpolation,
			"empty filter in ${{%s}}", expr)
	}

	name := fe
	var args []any

	if open := strings.IndexByte(fe, '('); open != -1 {
		if !strings.HasSuffix(fe, ")") {
			return filterCall{}, schema.NewErrorf(schema.ErrCodeInterpolation,
				"malformed filter %q in ${{%s}}: missing closing parenthesis", fe, expr)
		}
		name = strings.TrimSpace(fe[:open])
		argStr := fe[open+1 : len(fe)-1]
		parsed, err := parseLiteralArgs(argStr)
		if err != nil {
			return filterCall{}, schema.NewErrorf(schema.ErrCodeInterpolation,
				"filter %q in ${{%s}}: %s", name, expr, err.Error())
		}
		args = parsed
	}

	fn, ok := filterTable[name]
	if !ok {
		available := make([]string, 0, len(filterTable))
		for n := range filterTable {
			available = append(available, n)
		}
		sort.Strings(available)
		return filterCall{}, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown filter %q in ${{%s}}; available: [%s]", name, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"filter": name, "available_filters": available})
	}

	return filterCall{name: name, fn: fn, args: args}, nil
}

// parseLiteralArgs parses a comma-separated literal list.
func parseLiteralArgs(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var args []any
	var quote byte
	start := 0
	flush := func(end int) error {
		lit, err := parseLiteral(strings.TrimSpace(s[start:end]))
		if err != nil {
			return err
		}
		args = append(args, lit)
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			if err := flush(i); err != nil {
				return nil, err
			}
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string literal in arguments %q", s)
	}
	if err := flush(len(s)); err != nil {
		return nil, err
	}
	return args, nil
}

// parseLiteral parses one literal token.
func parseLiteral(tok string) (any, error) {
	if tok == "" {
		return nil, fmt.Errorf("empty argument")
	}
	if len(tok) >= 2 {
		if (tok[0] == '\'' && tok[len(tok)-1] == '\'') || (tok[0] == '"' && tok[len(tok)-1] == '"') {
			return tok[1 : len(tok)-1], nil
		}
	}
	switch tok {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return int(i), nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("argument %q does not parse as a literal", tok)
}

// --- filter implementations ---

func filterAbs(val any, _ []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch v := val.(type) {
	case int:
		if v < 0 {
			return -v, nil
		}
		return v, nil
	case int64:
		if v < 0 {
			return -v, nil
		}
		return v, nil
	case float64:
		return math.Abs(v), nil
	}
	f, err := cast.ToFloat64E(val)
	if err != nil {
		return nil, fmt.Errorf("abs expects a number, got %T", val)
	}
	return math.Abs(f), nil
}

// filterFmt formats a datetime with a Go reference layout, or applies the
// layout as a Sprintf verb to any other value.
func filterFmt(val any, args []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("fmt expects exactly one layout argument")
	}
	layout, err := cast.ToStringE(args[0])
	if err != nil {
		return nil, fmt.Errorf("fmt layout must be a string")
	}
	if t, ok := val.(time.Time); ok {
		return t.Format(layout), nil
	}
	if strings.Contains(layout, "%") {
		return fmt.Sprintf(layout, val), nil
	}
	if t, err := cast.ToTimeE(val); err == nil {
		return t.Format(layout), nil
	}
	return nil, fmt.Errorf("fmt expects a datetime or a %%-style layout, got %T", val)
}

func filterRstr(val any, _ []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	if s, err := cast.ToStringE(val); err == nil {
		return s, nil
	}
	return stringify(val), nil
}

func filterCoalesce(val any, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("coalesce expects exactly one default argument")
	}
	if val == nil {
		return args[0], nil
	}
	return val, nil
}

func filterTitle(val any, _ []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(val)
	if err != nil {
		return nil, fmt.Errorf("title expects a string, got %T", val)
	}
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = strings.ToUpper(string(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " "), nil
}

func filterUpper(val any, _ []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(val)
	if err != nil {
		return nil, fmt.Errorf("upper expects a string, got %T", val)
	}
	return strings.ToUpper(s), nil
}

func filterLower(val any, _ []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(val)
	if err != nil {
		return nil, fmt.Errorf("lower expects a string, got %T", val)
	}
	return strings.ToLower(s), nil
}

func filterJoin(val any, args []any) (any, error) {
	if val == nil {
		return nil, nil
	}
	sep := ","
	if len(args) > 0 {
		s, err := cast.ToStringE(args[0])
		if err != nil {
			return nil, fmt.Errorf("join separator must be a string")
		}
		sep = s
	}
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("join expects a list, got %T", val)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, sep), nil
}
