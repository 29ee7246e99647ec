package stage

import (
	"context"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// RaiseStage always fails with its resolved message. Used as an explicit
// failure marker inside conditional branches.
type RaiseStage struct {
	base
}

func (s *RaiseStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	message, err := expressions.ResolveString(s.def.Raise, params)
	if err != nil {
		return s.fail(rs, err)
	}

	return s.fail(rs, schema.NewError(schema.ErrCodeStageFailed, message))
}

func (s *RaiseStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}
