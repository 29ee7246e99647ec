package registry

import (
	"context"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cast"

	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// registerBuiltins installs the callables every registry ships with.
func registerBuiltins(r *Registry) {
	must(r.Register("data/jq@latest", callJQ,
		Param{Name: "input", Required: true},
		Param{Name: "query", Required: true},
	))
	must(r.Register("utils/echo@latest", callEcho,
		Param{Name: "message", Required: true},
	))
	must(r.Register("utils/sleep@latest", callSleep,
		Param{Name: "seconds", Required: true},
	))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// callJQ applies a jq query to the input value and returns the emitted
// values. A query producing a single value returns it under "output";
// multiple values return a list.
func callJQ(ctx context.Context, args map[string]any, rs *run.Result) (any, error) {
	queryStr, err := cast.ToStringE(args["query"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeType, "jq query must be a string, got %T", args["query"])
	}

	query, err := gojq.Parse(queryStr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid jq query %q: %s", queryStr, err.Error()).
			WithCause(err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile jq query %q: %s", queryStr, err.Error()).
			WithCause(err)
	}

	var outputs []any
	iter := code.RunWithContext(ctx, args["input"])
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq query %q failed: %s", queryStr, runErr.Error()).
				WithCause(runErr)
		}
		outputs = append(outputs, v)
	}

	rs.Debug("jq query %q emitted %d value(s)", queryStr, len(outputs))

	switch len(outputs) {
	case 0:
		return map[string]any{"output": nil}, nil
	case 1:
		return map[string]any{"output": outputs[0]}, nil
	default:
		return map[string]any{"output": outputs}, nil
	}
}

// callEcho traces the message and echoes it back.
func callEcho(_ context.Context, args map[string]any, rs *run.Result) (any, error) {
	message, err := cast.ToStringE(args["message"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeType, "echo message must be a string, got %T", args["message"])
	}
	rs.Info("echo: %s", message)
	return map[string]any{"message": message}, nil
}

// callSleep blocks for the requested duration, honoring context cancel.
func callSleep(ctx context.Context, args map[string]any, rs *run.Result) (any, error) {
	seconds, err := cast.ToFloat64E(args["seconds"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeType, "sleep seconds must be a number, got %T", args["seconds"])
	}
	if seconds < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sleep seconds must be non-negative, got %v", seconds)
	}

	rs.Info("sleeping for %.2fs", seconds)
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "sleep interrupted").WithCause(ctx.Err())
	}
	return map[string]any{"seconds": seconds}, nil
}
