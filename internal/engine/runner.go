package engine

import (
	"context"

	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/internal/stage"
)

// Loader resolves a workflow name to its executable form. Implemented by
// the loader layer; trigger stages and the CLI consume it.
type Loader interface {
	Load(name string) (*Workflow, error)
}

// SubRunner runs child workflows for trigger stages. The child shares the
// caller's token and records the caller's run as its parent.
type SubRunner struct {
	loader Loader
}

// NewSubRunner wires a runner over the given loader.
func NewSubRunner(loader Loader) *SubRunner {
	return &SubRunner{loader: loader}
}

// RunWorkflow loads and executes the named workflow.
func (r *SubRunner) RunWorkflow(ctx context.Context, name string, params map[string]any, parent *run.Result, tok *run.Token) (*run.Result, error) {
	wf, err := r.loader.Load(name)
	if err != nil {
		return nil, err
	}

	child := run.New(run.WithParent(parent))
	return wf.Execute(ctx, params, ExecOptions{Token: tok, Result: child})
}

var _ stage.WorkflowRunner = (*SubRunner)(nil)
