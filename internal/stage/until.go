package stage

import (
	"context"
	"fmt"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

const defaultMaxLoop = 10

// UntilStage loops its nested sequence with a mutable item until the
// until: condition holds. The sequence mutates item by producing an "item"
// output; exceeding max-loop fails rather than truncating silently.
type UntilStage struct {
	base
	stages []Stage
}

func buildUntil(b base) (Stage, error) {
	if len(b.def.Stages) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"until stage %q requires nested stages", b.id)
	}
	if b.def.MaxLoop < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"until stage %q max-loop must be non-negative", b.id)
	}
	stages, err := BuildSequence(b.def.Stages, b.opts)
	if err != nil {
		return nil, err
	}
	return &UntilStage{base: b, stages: stages}, nil
}

func (s *UntilStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	maxLoop := s.def.MaxLoop
	if maxLoop == 0 {
		maxLoop = defaultMaxLoop
	}

	var item any
	if s.def.Item != nil {
		item, err = expressions.Resolve(s.def.Item, params)
		if err != nil {
			return s.fail(rs, err)
		}
	} else {
		item = 0
	}

	loops := map[string]any{}

	for loop := 1; ; loop++ {
		if loop > maxLoop {
			rs.Catch(rs.Status, map[string]any{"until": loops})
			return s.fail(rs, schema.NewErrorf(schema.ErrCodeExecution,
				"until stage exceeded max-loop %d without meeting condition %q", maxLoop, s.def.Until))
		}
		if tok.IsSet() {
			rs.Catch(rs.Status, map[string]any{"until": loops})
			return s.cancel(rs, msgCancelBeforeNested), nil
		}

		scope := copyScope(params)
		scope["item"] = item
		scope["loop"] = loop

		seq, seqErr := RunSequence(ctx, s.stages, scope, s.opts.Sink, tok)

		entry := map[string]any{"item": item, "stages": seq.Stages}
		if seq.Errors != nil {
			entry["errors"] = seq.Errors
		}
		loops[fmt.Sprintf("loop-%d", loop)] = entry

		if seqErr != nil {
			rs.Catch(rs.Status, map[string]any{"until": loops})
			return s.fail(rs, seqErr)
		}
		if seq.Status == schema.StatusFailed || seq.Status == schema.StatusCancel {
			rs.Catch(seq.Status, map[string]any{"until": loops})
			if seq.Errors != nil {
				rs.Catch(seq.Status, map[string]any{"errors": seq.Errors})
			}
			return rs, nil
		}
		if tok.IsSet() {
			rs.Catch(rs.Status, map[string]any{"until": loops})
			return s.cancel(rs, msgCancelAfterNested), nil
		}

		item = s.nextItem(seq.Stages, item)

		scope["item"] = item
		ok, condErr := expressions.EvalCondition(ctx, s.opts.Engine, s.def.Until, scope)
		if condErr != nil {
			rs.Catch(rs.Status, map[string]any{"until": loops})
			return s.fail(rs, condErr)
		}
		if ok {
			rs.Catch(schema.StatusSuccess, map[string]any{"until": loops, "item": item, "loop": loop})
			return rs, nil
		}
	}
}

func (s *UntilStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}

// nextItem scans the sequence outputs in declaration order for an "item"
// key; the last stage producing one wins. Falls back to the current item
// when none does.
func (s *UntilStage) nextItem(entries map[string]any, current any) any {
	next := current
	for _, st := range s.stages {
		entry, ok := entries[st.ID()].(map[string]any)
		if !ok {
			continue
		}
		outputs, ok := entry["outputs"].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := outputs["item"]; ok {
			next = v
		}
	}
	return next
}
