package stage

import (
	"context"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// wildcardCase is the literal matching any value, equivalent to an else
// clause.
const wildcardCase = "_"

// CaseStage resolves case: to a scalar and runs the first matching clause's
// nested sequence. At most one else/wildcard fallback is allowed.
type CaseStage struct {
	base
	clauses []caseClause
}

type caseClause struct {
	literal  string
	wildcard bool
	stages   []Stage
}

func buildCase(b base) (Stage, error) {
	if b.def.Case == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"case stage %q requires a case expression", b.id)
	}
	if len(b.def.Match) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"case stage %q requires match clauses", b.id)
	}

	clauses := make([]caseClause, 0, len(b.def.Match))
	fallbacks := 0
	for i, m := range b.def.Match {
		var clause caseClause
		switch {
		case len(m.Else) > 0:
			if m.Case != nil || len(m.Stages) > 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"case stage %q clause %d mixes else with case/stages", b.id, i)
			}
			stages, err := BuildSequence(m.Else, b.opts)
			if err != nil {
				return nil, err
			}
			clause = caseClause{wildcard: true, stages: stages}
			fallbacks++
		case m.Case != nil:
			if len(m.Stages) == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"case stage %q clause %d has no stages", b.id, i)
			}
			stages, err := BuildSequence(m.Stages, b.opts)
			if err != nil {
				return nil, err
			}
			literal := expressions.Stringify(m.Case)
			if literal == wildcardCase {
				clause = caseClause{wildcard: true, stages: stages}
				fallbacks++
			} else {
				clause = caseClause{literal: literal, stages: stages}
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"case stage %q clause %d declares neither case nor else", b.id, i)
		}
		clauses = append(clauses, clause)
	}
	if fallbacks > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"case stage %q declares %d fallback clauses, at most one else/_ is allowed", b.id, fallbacks)
	}

	return &CaseStage{base: b, clauses: clauses}, nil
}

func (s *CaseStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	resolved, err := expressions.Resolve(s.def.Case, params)
	if err != nil {
		return s.fail(rs, err)
	}
	switch resolved.(type) {
	case map[string]any, []any:
		return s.fail(rs, schema.NewErrorf(schema.ErrCodeType,
			"case stage %q requires a scalar case value, got %T", s.id, resolved))
	}
	value := expressions.Stringify(resolved)

	clause, label, found := s.match(value)
	if !found {
		if s.def.SkipNotMatch {
			rs.Debug("stage %s: no case matched %q, skipping", s.id, value)
			return rs.Catch(schema.StatusSkip, map[string]any{}), nil
		}
		return s.fail(rs, schema.NewErrorf(schema.ErrCodeExecution,
			"case stage %q: no clause matched %q and no else fallback exists", s.id, value))
	}

	rs.Debug("stage %s: case %q matched clause %q", s.id, value, label)

	seq, seqErr := RunSequence(ctx, clause.stages, params, s.opts.Sink, tok)
	rs.Catch(rs.Status, map[string]any{"case": label, "stages": seq.Stages})
	if seqErr != nil {
		return s.fail(rs, seqErr)
	}
	if seq.Errors != nil {
		return rs.Catch(seq.Status, map[string]any{"errors": seq.Errors}), nil
	}
	return rs.Catch(seq.Status, map[string]any{}), nil
}

func (s *CaseStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}

// match finds the first clause matching value; the fallback only applies
// after every literal clause has been tried.
func (s *CaseStage) match(value string) (caseClause, string, bool) {
	for _, c := range s.clauses {
		if !c.wildcard && c.literal == value {
			return c, c.literal, true
		}
	}
	for _, c := range s.clauses {
		if c.wildcard {
			return c, wildcardCase, true
		}
	}
	return caseClause{}, "", false
}
