package stage

import (
	"context"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/registry"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// CallStage invokes a registered function by its ns/name@tag identifier,
// binding resolved with: arguments to the declared parameters.
type CallStage struct {
	base
}

func (s *CallStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	ident, err := expressions.ResolveString(s.def.Uses, params)
	if err != nil {
		return s.fail(rs, err)
	}

	callable, err := s.opts.Registry.Resolve(ident)
	if err != nil {
		return s.fail(rs, err)
	}

	with, err := expressions.ResolveMap(s.def.With, params)
	if err != nil {
		return s.fail(rs, err)
	}

	args, err := callable.Bind(with)
	if err != nil {
		return s.fail(rs, err)
	}

	rs.Info("stage %s: calling %s", s.id, ident)

	var out any
	callErr := guard(func() error {
		var fnErr error
		out, fnErr = callable.Fn(ctx, args, rs)
		return fnErr
	})
	if callErr != nil {
		return s.fail(rs, callErr)
	}

	outputs, err := registry.ToMapping(ident, out)
	if err != nil {
		return s.fail(rs, err)
	}

	return rs.Catch(schema.StatusSuccess, outputs), nil
}

func (s *CallStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}
