package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// CallFunc is a registered function invoked by a Call stage. The return
// value must be a mapping or something convertible to one; anything else is
// reported as a TypeError-class failure by the caller.
type CallFunc func(ctx context.Context, args map[string]any, rs *run.Result) (any, error)

// Param declares one accepted argument of a callable.
type Param struct {
	Name     string
	Required bool
}

// Callable couples a registered function with its declared parameters.
type Callable struct {
	Ident  string
	Fn     CallFunc
	Params []Param
}

// reservedParams are injected by the executor and must never be supplied in
// a stage's with: block.
var reservedParams = map[string]bool{
	"result": true,
	"extras": true,
}

// identPattern is the <namespace>/<name>@<tag> grammar.
var identPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*/[a-z0-9][a-z0-9_.-]*@[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Registry resolves call identifiers to callables. Constructed once at
// process start and passed by reference to the stage executor.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*Callable
}

// New creates a registry pre-populated with the builtin callables.
func New() *Registry {
	r := &Registry{funcs: make(map[string]*Callable)}
	registerBuiltins(r)
	return r
}

// Register adds a callable under the given identifier. The identifier must
// match the <namespace>/<name>@<tag> grammar and be unique.
func (r *Registry) Register(ident string, fn CallFunc, params ...Param) error {
	if !identPattern.MatchString(ident) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"call identifier %q does not match <namespace>/<name>@<tag>", ident)
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "call function for %q is nil", ident)
	}
	for _, p := range params {
		if reservedParams[p.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"call %q declares reserved parameter %q", ident, p.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[ident]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "call %q already registered", ident)
	}
	r.funcs[ident] = &Callable{Ident: ident, Fn: fn, Params: params}
	return nil
}

// Resolve looks up a callable. A malformed identifier is a validation error,
// distinct from the not-found error for an unregistered tag.
func (r *Registry) Resolve(ident string) (*Callable, error) {
	if !identPattern.MatchString(ident) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"call identifier %q does not match <namespace>/<name>@<tag>", ident)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.funcs[ident]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "call %q not registered", ident)
	}
	return c, nil
}

// Has reports whether an identifier is registered.
func (r *Registry) Has(ident string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[ident]
	return ok
}

// List returns the registered identifiers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idents := make([]string, 0, len(r.funcs))
	for ident := range r.funcs {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	return idents
}

// Bind validates the supplied with: arguments against the callable's
// declared parameters. Reserved names and undeclared keys are rejected with
// the offending keys named; missing required parameters likewise.
func (c *Callable) Bind(with map[string]any) (map[string]any, error) {
	var reserved, unknown []string
	declared := make(map[string]Param, len(c.Params))
	for _, p := range c.Params {
		declared[p.Name] = p
	}

	for key := range with {
		if reservedParams[key] {
			reserved = append(reserved, key)
			continue
		}
		if _, ok := declared[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(reserved) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"call %q: reserved parameters must not be supplied: [%s]",
			c.Ident, strings.Join(sorted(reserved), ", "))
	}
	if len(unknown) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"call %q: unknown parameters: [%s]", c.Ident, strings.Join(sorted(unknown), ", "))
	}

	var missing []string
	for _, p := range c.Params {
		if !p.Required {
			continue
		}
		if _, ok := with[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"call %q: missing required parameters: [%s]", c.Ident, strings.Join(sorted(missing), ", "))
	}

	args := make(map[string]any, len(with))
	for k, v := range with {
		args[k] = v
	}
	return args, nil
}

// ToMapping converts a callable's return value into the mapping merged under
// the stage's outputs key. Non-convertible values are a TypeError failure.
func ToMapping(ident string, out any) (map[string]any, error) {
	switch v := out.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}

	// Structs and typed maps convert through a JSON round-trip.
	data, err := json.Marshal(out)
	if err == nil {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			return m, nil
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeType,
		"call %q returned %T; return value must be a mapping", ident, out)
}

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}
