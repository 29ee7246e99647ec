package stage

import (
	"context"
	"time"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// EmptyStage echoes an optional message to the sink and optionally sleeps.
// Sleeps of 5 seconds or more tick at 1-second intervals so cancellation is
// observed promptly. Produces empty outputs.
type EmptyStage struct {
	base
}

func (s *EmptyStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	if s.def.Echo != "" {
		message, err := expressions.ResolveString(s.def.Echo, params)
		if err != nil {
			return s.fail(rs, err)
		}
		rs.Info("%s", message)
	}

	if s.def.Sleep > 0 {
		if cancelled := s.sleep(ctx, tok); cancelled {
			return s.cancel(rs, "Execution was canceled from the event during sleep"), nil
		}
	}

	return rs.Catch(schema.StatusSuccess, map[string]any{}), nil
}

func (s *EmptyStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}

// sleep blocks for the configured duration, in 1s slices when long enough
// to warrant checkpoints. Reports whether cancellation interrupted it.
func (s *EmptyStage) sleep(ctx context.Context, tok *run.Token) bool {
	remaining := time.Duration(s.def.Sleep * float64(time.Second))

	slice := remaining
	if s.def.Sleep >= 5 {
		slice = time.Second
	}

	for remaining > 0 {
		step := slice
		if step > remaining {
			step = remaining
		}
		select {
		case <-time.After(step):
			remaining -= step
		case <-tok.Done():
			return true
		case <-ctx.Done():
			return true
		}
		if tok.IsSet() {
			return true
		}
	}
	return false
}
