package stage

import (
	"context"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// TriggerStage runs another workflow by name as a nested call. The child
// shares the cancellation token; its failure or cancellation becomes this
// stage's, with the child's message embedded.
type TriggerStage struct {
	base
}

func (s *TriggerStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	name, err := expressions.ResolveString(s.def.Trigger, params)
	if err != nil {
		return s.fail(rs, err)
	}
	childParams, err := expressions.ResolveMap(s.def.Params, params)
	if err != nil {
		return s.fail(rs, err)
	}

	rs.Info("stage %s: triggering workflow %s", s.id, name)

	child, runErr := s.opts.Runner.RunWorkflow(ctx, name, childParams, rs, tok)

	entry := map[string]any{"workflow": name}
	if child != nil {
		entry["run_id"] = child.RunID
		entry["outputs"] = child.Context
	}
	rs.Catch(rs.Status, map[string]any{"trigger": entry})

	if runErr != nil {
		return s.fail(rs, schema.NewErrorf(schema.ErrCodeStageFailed,
			"triggered workflow %q failed: %s", name, errMessage(runErr)).WithCause(runErr))
	}
	if child == nil {
		return s.fail(rs, schema.NewErrorf(schema.ErrCodeExecution,
			"triggered workflow %q returned no result", name))
	}

	switch child.Status {
	case schema.StatusFailed:
		return rs.Catch(schema.StatusFailed, map[string]any{
			"errors": childErrors(child, name),
		}), nil
	case schema.StatusCancel:
		return rs.Catch(schema.StatusCancel, map[string]any{
			"errors": childErrors(child, name),
		}), nil
	default:
		return rs.Catch(child.Status, map[string]any{}), nil
	}
}

func (s *TriggerStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}

// childErrors lifts the child workflow's errors shape into this stage's,
// embedding the child message as the cause.
func childErrors(child *run.Result, name string) map[string]any {
	if errs, ok := child.Context["errors"].(map[string]any); ok {
		return map[string]any{
			"name":    errs["name"],
			"message": expressions.Stringify(errs["message"]) + " (from workflow " + name + ")",
		}
	}
	label := "failed"
	errName := "WorkflowError"
	if child.Status == schema.StatusCancel {
		label = "was canceled"
		errName = "CancelError"
	}
	return map[string]any{
		"name":    errName,
		"message": "workflow " + name + " " + label,
	}
}
