package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/registry"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/internal/trace"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// Cancellation checkpoint messages. The three checkpoints are distinct
// events and the substrings stay distinguishable on purpose.
const (
	msgCancelBeforeStart  = "Execution was canceled from the event before start execution"
	msgCancelBeforeNested = "Execution was canceled from the event before start nested process"
	msgCancelAfterNested  = "Execution was canceled from the event after end nested process"
	msgCancelBeforeBranch = "Execution was canceled from the event before start branch process"
	msgCancelAfterBranch  = "Execution was canceled from the event after end branch process"
)

// Outcome is one asynchronous execution result.
type Outcome struct {
	Result *run.Result
	Err    error
}

// Stage is one executable unit of a job. Execute returns the mutated (or
// fresh) result; the error return is non-nil only when the raise-on-error
// policy is active and the stage failed.
type Stage interface {
	ID() string
	Name() string
	Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error)
	ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome
}

// WorkflowRunner executes a child workflow by name. Implemented by the
// engine layer and injected so Trigger stages stay decoupled from it.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, name string, params map[string]any, parent *run.Result, tok *run.Token) (*run.Result, error)
}

// Options carries the collaborators a stage needs at build time.
type Options struct {
	Engine   expressions.Engine
	Registry *registry.Registry
	Runner   WorkflowRunner
	Sink     trace.Sink
	Config   run.ExecConfig
}

func (o Options) withDefaults() Options {
	if o.Engine == nil {
		o.Engine = expressions.NewExprEngine()
	}
	if o.Sink == nil {
		o.Sink = trace.NopSink{}
	}
	return o
}

// Build constructs the concrete stage for a declaration. The populated
// variant field selects the type; an empty declaration builds an Empty
// stage. All construction-time validations fire here.
func Build(def schema.StageDefinition, opts Options) (Stage, error) {
	if expressions.HasTemplate(def.ID) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage id %q must not contain template expressions", def.ID)
	}
	if expressions.HasTemplate(def.Name) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage name %q must not contain template expressions", def.Name)
	}

	opts = opts.withDefaults()
	b := base{id: identityKey(def), def: def, opts: opts}

	switch {
	case def.Bash != "":
		return buildBash(b)
	case def.Uses != "":
		if opts.Registry == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %q uses %q but no registry is configured", b.id, def.Uses)
		}
		return &CallStage{base: b}, nil
	case def.Raise != "":
		return &RaiseStage{base: b}, nil
	case def.Foreach != nil:
		return buildForEach(b)
	case len(def.Parallel) > 0:
		return buildParallel(b)
	case def.Until != "":
		return buildUntil(b)
	case len(def.Match) > 0 || def.Case != "":
		return buildCase(b)
	case def.Trigger != "":
		if opts.Runner == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %q triggers %q but no workflow runner is configured", b.id, def.Trigger)
		}
		return &TriggerStage{base: b}, nil
	default:
		return &EmptyStage{base: b}, nil
	}
}

// BuildSequence constructs an ordered stage list, rejecting duplicate
// identity keys.
func BuildSequence(defs []schema.StageDefinition, opts Options) ([]Stage, error) {
	stages := make([]Stage, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		st, err := Build(def, opts)
		if err != nil {
			return nil, err
		}
		if seen[st.ID()] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate stage id %q", st.ID())
		}
		seen[st.ID()] = true
		stages = append(stages, st)
	}
	return stages, nil
}

// identityKey returns the explicit id or a hash derived from the
// declaration, so unnamed stages still get a stable context key.
func identityKey(def schema.StageDefinition) string {
	if def.ID != "" {
		return def.ID
	}
	data, err := json.Marshal(def)
	if err != nil {
		data = []byte(def.Name)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:10]
}

// base carries the declaration and collaborators shared by every variant.
// Stages hold no mutable state, so one instance is safe for concurrent use.
type base struct {
	id   string
	def  schema.StageDefinition
	opts Options
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.def.Name }

// begin runs the common pre-steps: result adoption, the token guard, and
// the if: gate. proceed is false when the returned result is already final.
func (b *base) begin(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (out *run.Result, proceed bool, err error) {
	rs = run.Receive(rs, run.WithSink(b.opts.Sink))

	if tok.IsSet() {
		return b.cancel(rs, msgCancelBeforeStart), false, nil
	}

	if b.def.If != "" {
		ok, condErr := expressions.EvalCondition(ctx, b.opts.Engine, b.def.If, params)
		if condErr != nil {
			out, err = b.fail(rs, condErr)
			return out, false, err
		}
		if !ok {
			rs.Debug("stage %s: condition %q not met, skipping", b.id, b.def.If)
			return rs.Catch(schema.StatusSkip, map[string]any{}), false, nil
		}
	}

	if len(b.def.Extras) > 0 {
		extras, exErr := expressions.ResolveMap(b.def.Extras, params)
		if exErr != nil {
			out, err = b.fail(rs, exErr)
			return out, false, err
		}
		if rs.Extras == nil {
			rs.Extras = make(map[string]any, len(extras))
		}
		for k, v := range extras {
			rs.Extras[k] = v
		}
	}

	return rs, true, nil
}

// fail records err on the result; the error is returned to the caller only
// under the raise-on-error policy.
func (b *base) fail(rs *run.Result, err error) (*run.Result, error) {
	var ce *schema.ConductError
	if e, ok := err.(*schema.ConductError); ok {
		ce = e.WithStage(b.id)
	} else {
		ce = schema.NewError(schema.ErrCodeExecution, err.Error()).WithStage(b.id).WithCause(err)
	}
	rs.Error("stage %s failed: %s", b.id, ce.Message)
	rs.Catch(schema.StatusFailed, map[string]any{"errors": schema.ErrorContext(ce)})
	if b.opts.Config.RaiseOnError {
		return rs, ce
	}
	return rs, nil
}

// cancel records a CANCEL outcome with the checkpoint message.
func (b *base) cancel(rs *run.Result, message string) *run.Result {
	rs.Warning("stage %s: %s", b.id, message)
	return rs.Catch(schema.StatusCancel, map[string]any{
		"errors": map[string]any{"name": "CancelError", "message": message},
	})
}

// async wraps a synchronous execute into the channel calling convention.
func async(fn func() (*run.Result, error)) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := fn()
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// guard converts a panic inside a variant algorithm into an error so it is
// recorded like any other stage failure.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "panic: %v", r)
		}
	}()
	return fn()
}

// SequenceOutcome is the merged result of one nested stage sequence.
type SequenceOutcome struct {
	Status schema.Status
	Stages map[string]any
	Errors map[string]any
	// Scope is the parameter scope after the run, extended with the
	// stages entries so later units can reference prior outputs.
	Scope map[string]any
}

// RunSequence executes stages in order against a branch-local copy of
// params. Each stage's outputs merge under stages.<id>; a FAILED or CANCEL
// child stops the remainder. The raise-on-error policy propagates the
// child's error.
func RunSequence(ctx context.Context, stages []Stage, params map[string]any, sink trace.Sink, tok *run.Token) (SequenceOutcome, error) {
	scope := copyScope(params)
	entries, ok := scope["stages"].(map[string]any)
	if !ok {
		entries = map[string]any{}
	} else {
		entries = copyMap(entries)
	}
	scope["stages"] = entries

	out := SequenceOutcome{Stages: map[string]any{}, Scope: scope}
	statuses := make([]schema.Status, 0, len(stages))

	for _, st := range stages {
		child, err := executeGuarded(ctx, st, scope, sink, tok)
		if err != nil {
			out.Status = schema.StatusFailed
			out.Errors = schema.ErrorContext(err)
			out.Stages[st.ID()] = nestResult(child)
			entries[st.ID()] = out.Stages[st.ID()]
			return out, err
		}

		entry := nestResult(child)
		out.Stages[st.ID()] = entry
		entries[st.ID()] = entry
		statuses = append(statuses, child.Status)

		if child.Status == schema.StatusFailed || child.Status == schema.StatusCancel {
			if errs, ok := entry["errors"].(map[string]any); ok {
				out.Errors = map[string]any{
					"name":    errs["name"],
					"message": fmt.Sprintf("stage %s: %v", st.ID(), errs["message"]),
				}
			}
			break
		}
	}

	out.Status = schema.Combine(statuses...)
	return out, nil
}

// executeGuarded runs one stage, converting a panic anywhere in the variant
// algorithm into a FAILED child result instead of taking the process down.
func executeGuarded(ctx context.Context, st Stage, scope map[string]any, sink trace.Sink, tok *run.Token) (child *run.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := schema.NewErrorf(schema.ErrCodeExecution, "panic: %v", r).WithStage(st.ID())
			child = run.New(run.WithSink(sink))
			child.Catch(schema.StatusFailed, map[string]any{"errors": schema.ErrorContext(panicErr)})
			err = nil
		}
	}()
	return st.Execute(ctx, scope, run.New(run.WithSink(sink)), tok)
}

// nestResult converts a child stage result into its composite entry:
// outputs under "outputs", errors as the sibling key, skipped marker for
// SKIP children.
func nestResult(res *run.Result) map[string]any {
	entry := map[string]any{}
	outputs := map[string]any{}
	if res != nil {
		for k, v := range res.Context {
			if k == "errors" {
				entry["errors"] = v
				continue
			}
			outputs[k] = v
		}
		if res.Status == schema.StatusSkip {
			entry["skipped"] = true
		}
	}
	entry["outputs"] = outputs
	return entry
}

func copyScope(params map[string]any) map[string]any {
	scope := make(map[string]any, len(params)+2)
	for k, v := range params {
		scope[k] = v
	}
	return scope
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
