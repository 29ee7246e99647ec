package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/internal/stage"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// defaultMaxJobParallel bounds concurrent jobs within one readiness level
// when the caller does not override it.
const defaultMaxJobParallel = 2

// Workflow is the executable form of a workflow document: validated
// parameters, built jobs, and the needs graph resolved into levels.
type Workflow struct {
	name   string
	def    schema.WorkflowDefinition
	jobs   map[string]*Job
	levels [][]string
	opts   stage.Options
}

// ExecOptions tunes one workflow execution.
type ExecOptions struct {
	Timeout        time.Duration
	MaxJobParallel int
	Token          *run.Token
	Result         *run.Result
}

// NewWorkflow builds the executable workflow. Job and stage validations
// fire here, and a cyclic or dangling needs graph is rejected.
func NewWorkflow(name string, def schema.WorkflowDefinition, opts stage.Options) (*Workflow, error) {
	if expressions.HasTemplate(name) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow name %q must not contain template expressions", name)
	}
	if len(def.Jobs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no jobs", name)
	}

	jobs := make(map[string]*Job, len(def.Jobs))
	for id, jdef := range def.Jobs {
		job, err := NewJob(id, jdef, opts)
		if err != nil {
			return nil, err
		}
		jobs[id] = job
	}

	levels, err := resolveLevels(jobs)
	if err != nil {
		return nil, err
	}

	return &Workflow{name: name, def: def, jobs: jobs, levels: levels, opts: opts}, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// resolveLevels runs Kahn's algorithm over the needs graph, grouping jobs
// into levels whose members have no dependencies on one another. A cycle
// or a reference to an unknown job is a build error.
func resolveLevels(jobs map[string]*Job) ([][]string, error) {
	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))

	for id, job := range jobs {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, need := range job.Needs() {
			if _, ok := jobs[need]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"job %q needs unknown job %q", id, need)
			}
			indegree[id]++
			dependents[need] = append(dependents[need], id)
		}
	}

	var levels [][]string
	placed := 0

	ready := make([]string, 0, len(jobs))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		sort.Strings(ready)
		levels = append(levels, ready)
		placed += len(ready)

		var next []string
		for _, id := range ready {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if placed != len(jobs) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"needs graph has a cycle involving: [%s]", strings.Join(stuck, ", "))
	}

	return levels, nil
}

// validateParams checks required declared parameters and fills defaults.
func (w *Workflow) validateParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	var missing []string
	for name, spec := range w.def.Params {
		if _, ok := out[name]; ok {
			continue
		}
		if spec.IsRequired() {
			missing = append(missing, name)
			continue
		}
		if spec.Default != nil {
			out[name] = spec.Default
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: required parameters not supplied: [%s]", w.name, strings.Join(missing, ", "))
	}
	return out, nil
}

// Execute validates parameters and runs the job levels in order, ready
// jobs concurrent up to MaxJobParallel. A timeout sets the shared token
// and reports FAILED with a timeout message, never CANCEL.
func (w *Workflow) Execute(ctx context.Context, params map[string]any, opts ExecOptions) (*run.Result, error) {
	rs := run.Receive(opts.Result, run.WithSink(w.opts.Sink))

	validated, err := w.validateParams(params)
	if err != nil {
		rs.Catch(schema.StatusFailed, map[string]any{"errors": schema.ErrorContext(err)})
		return rs, err
	}

	tok := opts.Token
	if tok == nil {
		tok = run.NewToken()
	}

	var timedOut sync.Once
	timeoutHit := make(chan struct{})
	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() {
			timedOut.Do(func() { close(timeoutHit) })
			rs.Warning("workflow %s: execution was timeout after %s", w.name, opts.Timeout)
			tok.Set()
		})
		defer timer.Stop()
	}

	maxParallel := opts.MaxJobParallel
	if maxParallel < 1 {
		maxParallel = defaultMaxJobParallel
	}

	rs.Info("workflow %s: executing %d job(s) across %d level(s)", w.name, len(w.jobs), len(w.levels))

	jobEntries := map[string]any{}

	statuses := make([]schema.Status, 0, len(w.jobs))
	var raised error

	for _, level := range w.levels {
		var mu sync.Mutex
		pool := NewWorkerPool(maxParallel)

		for _, id := range level {
			id := id
			pool.Submit(func() {
				job := w.jobs[id]

				// Snapshot the scope so sibling jobs finishing in this
				// level never mutate a map this job is reading.
				mu.Lock()
				snapshot := map[string]any{"params": validated, "jobs": copyJobs(jobEntries)}
				mu.Unlock()

				child, jobErr := job.Execute(ctx, snapshot, run.New(run.WithSink(w.opts.Sink), run.WithParent(rs)), tok)

				entry := map[string]any{"status": child.Status.String()}
				for k, v := range child.Context {
					entry[k] = v
				}
				if child.Status == schema.StatusSkip {
					entry["skipped"] = true
				}

				mu.Lock()
				jobEntries[id] = entry
				statuses = append(statuses, child.Status)
				if jobErr != nil && raised == nil {
					raised = jobErr
				}
				mu.Unlock()
			})
		}
		if poolErr := pool.Wait(); poolErr != nil {
			mu.Lock()
			statuses = append(statuses, schema.StatusFailed)
			if raised == nil {
				raised = poolErr
			}
			mu.Unlock()
		}

		if raised != nil || tok.IsSet() {
			break
		}
	}

	rs.Catch(rs.Status, map[string]any{"params": validated, "jobs": jobEntries})

	select {
	case <-timeoutHit:
		timeoutErr := schema.NewErrorf(schema.ErrCodeTimeout,
			"workflow %q execution was timeout after %s", w.name, opts.Timeout)
		rs.Catch(schema.StatusFailed, map[string]any{"errors": schema.ErrorContext(timeoutErr)})
		if w.opts.Config.RaiseOnError {
			return rs, timeoutErr
		}
		return rs, nil
	default:
	}

	if raised != nil {
		rs.Catch(schema.StatusFailed, map[string]any{"errors": schema.ErrorContext(raised)})
		if w.opts.Config.RaiseOnError {
			return rs, raised
		}
		return rs, nil
	}

	if tok.IsSet() {
		rs.Warning("workflow %s: execution was canceled from the event", w.name)
		return rs.Catch(schema.StatusCancel, map[string]any{
			"errors": map[string]any{
				"name":    "CancelError",
				"message": "Execution was canceled from the event",
			},
		}), nil
	}

	return rs.Catch(schema.Combine(statuses...), map[string]any{}), nil
}

func copyJobs(entries map[string]any) map[string]any {
	out := make(map[string]any, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// Rerun re-executes the workflow with the previous run's context merged
// in, skipping jobs that already finished SUCCESS.
func (w *Workflow) Rerun(ctx context.Context, prev *run.Result, params map[string]any, opts ExecOptions) (*run.Result, error) {
	done := map[string]bool{}
	if prev != nil {
		if jobs, ok := prev.Context["jobs"].(map[string]any); ok {
			for id, v := range jobs {
				entry, ok := v.(map[string]any)
				if !ok {
					continue
				}
				if status, ok := entry["status"].(string); ok && status == schema.StatusSuccess.String() {
					done[id] = true
				}
			}
		}
	}

	if len(done) == 0 {
		return w.Execute(ctx, params, opts)
	}

	trimmed := make(map[string]*Job, len(w.jobs))
	for id, job := range w.jobs {
		if !done[id] {
			trimmed[id] = job
		}
	}

	var levels [][]string
	for _, level := range w.levels {
		var remaining []string
		for _, id := range level {
			if !done[id] {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) > 0 {
			levels = append(levels, remaining)
		}
	}

	sub := &Workflow{name: w.name, def: w.def, jobs: trimmed, levels: levels, opts: w.opts}

	if opts.Result == nil {
		opts.Result = run.New(run.WithSink(w.opts.Sink))
	}
	if prev != nil {
		opts.Result.Catch(opts.Result.Status, prev.Context)
	}
	return sub.Execute(ctx, params, opts)
}
