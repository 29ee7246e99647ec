package engine

import (
	"context"
	"sync"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/internal/stage"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// Job is an ordered stage sequence executed once per strategy branch.
type Job struct {
	id       string
	def      schema.JobDefinition
	strategy *Strategy
	stages   []stage.Stage
	opts     stage.Options
}

// NewJob builds a job, firing all construction-time validations of its
// strategy and stage declarations.
func NewJob(id string, def schema.JobDefinition, opts stage.Options) (*Job, error) {
	if expressions.HasTemplate(id) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"job id %q must not contain template expressions", id)
	}
	if len(def.Stages) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %q has no stages", id)
	}

	strategy, err := NewStrategy(def.Strategy)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"job %q: %s", id, errMessage(err)).WithCause(err)
	}

	stages, err := stage.BuildSequence(def.Stages, opts)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"job %q: %s", id, errMessage(err)).WithCause(err)
	}

	return &Job{id: id, def: def, strategy: strategy, stages: stages, opts: opts}, nil
}

// ID returns the job's key in the workflow document.
func (j *Job) ID() string { return j.id }

// Needs returns the job IDs this job depends on.
func (j *Job) Needs() []string { return j.def.Needs }

// Execute runs the stage sequence once per strategy branch, branches
// concurrent up to max-parallel. With fail-fast, the first branch failure
// sets the shared token so remaining work observes cancellation.
func (j *Job) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs = run.Receive(rs, run.WithSink(j.opts.Sink))

	if tok.IsSet() {
		rs.Warning("job %s: execution was canceled from the event before start execution", j.id)
		return rs.Catch(schema.StatusCancel, map[string]any{
			"errors": map[string]any{
				"name":    "CancelError",
				"message": "Execution was canceled from the event before start execution",
			},
		}), nil
	}

	if j.def.If != "" {
		ok, err := expressions.EvalCondition(ctx, j.opts.Engine, j.def.If, params)
		if err != nil {
			rs.Catch(schema.StatusFailed, map[string]any{"errors": schema.ErrorContext(err)})
			if j.opts.Config.RaiseOnError {
				return rs, err
			}
			return rs, nil
		}
		if !ok {
			rs.Debug("job %s: condition %q not met, skipping", j.id, j.def.If)
			return rs.Catch(schema.StatusSkip, map[string]any{}), nil
		}
	}

	branches := j.strategy.Make()
	rs.Info("job %s: executing %d branch(es), max-parallel %d", j.id, len(branches), j.strategy.MaxParallel())

	type branchOutcome struct {
		key    string
		matrix map[string]any
		seq    stage.SequenceOutcome
		err    error
	}

	var mu sync.Mutex
	outcomes := make([]branchOutcome, 0, len(branches))
	pool := NewWorkerPool(j.strategy.MaxParallel())

	for _, branch := range branches {
		branch := branch
		pool.Submit(func() {
			out := branchOutcome{key: BranchKey(branch), matrix: branch}

			if tok.IsSet() {
				out.seq = stage.SequenceOutcome{
					Status: schema.StatusCancel,
					Errors: map[string]any{
						"name":    "CancelError",
						"message": "Execution was canceled from the event before start branch process",
					},
				}
			} else {
				scope := copyParams(params)
				scope["matrix"] = branch
				out.seq, out.err = stage.RunSequence(ctx, j.stages, scope, j.opts.Sink, tok)
			}

			if j.strategy.FailFast() && out.seq.Status == schema.StatusFailed {
				tok.Set()
			}

			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		})
	}
	poolErr := pool.Wait()

	statuses := make([]schema.Status, 0, len(outcomes))
	var raised error
	var firstErrors map[string]any
	if poolErr != nil {
		statuses = append(statuses, schema.StatusFailed)
		firstErrors = schema.ErrorContext(poolErr)
	}

	strategies := make(map[string]any, len(outcomes))
	var sentinelStages map[string]any

	for _, out := range outcomes {
		statuses = append(statuses, out.seq.Status)
		if out.err != nil && raised == nil {
			raised = out.err
		}
		if out.seq.Errors != nil && firstErrors == nil {
			firstErrors = out.seq.Errors
		}

		if j.strategy.IsSentinel() {
			sentinelStages = out.seq.Stages
			continue
		}
		entry := map[string]any{"matrix": out.matrix, "stages": out.seq.Stages}
		if out.seq.Errors != nil {
			entry["errors"] = out.seq.Errors
		}
		strategies[out.key] = entry
	}

	if j.strategy.IsSentinel() {
		if sentinelStages == nil {
			sentinelStages = map[string]any{}
		}
		rs.Catch(rs.Status, map[string]any{"stages": sentinelStages})
	} else {
		rs.Catch(rs.Status, map[string]any{"strategies": strategies})
	}

	status := schema.Combine(statuses...)
	if firstErrors != nil && status != schema.StatusSuccess && status != schema.StatusSkip {
		rs.Catch(status, map[string]any{"errors": firstErrors})
	} else {
		rs.Catch(status, map[string]any{})
	}

	if raised != nil {
		return rs, schema.NewErrorf(schema.ErrCodeJobFailed,
			"job %s failed: %s", j.id, errMessage(raised)).WithCause(raised)
	}
	return rs, nil
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*schema.ConductError); ok {
		return ce.Message
	}
	return err.Error()
}
