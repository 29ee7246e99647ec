package stage

import (
	"context"
	"sort"
	"sync"

	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

const defaultMaxWorkers = 2

// ParallelStage runs named branches of nested stages as concurrent workers.
// Branches already in flight finish after a sibling fails, but no new
// branch starts once a failure is recorded.
type ParallelStage struct {
	base
	branches map[string][]Stage
	order    []string
}

func buildParallel(b base) (Stage, error) {
	branches := make(map[string][]Stage, len(b.def.Parallel))
	order := make([]string, 0, len(b.def.Parallel))
	for name, defs := range b.def.Parallel {
		if len(defs) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"parallel stage %q branch %q has no stages", b.id, name)
		}
		stages, err := BuildSequence(defs, b.opts)
		if err != nil {
			return nil, err
		}
		branches[name] = stages
		order = append(order, name)
	}
	sort.Strings(order)
	return &ParallelStage{base: b, branches: branches, order: order}, nil
}

func (s *ParallelStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	maxWorkers := s.def.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = defaultMaxWorkers
	}

	entries := make(map[string]any, len(s.order))
	statuses := make([]schema.Status, 0, len(s.order))
	var raised error
	var cancelMsg string
	var failed bool

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxWorkers)

	for _, name := range s.order {
		mu.Lock()
		stop := failed || raised != nil
		mu.Unlock()
		if stop {
			break
		}
		if tok.IsSet() {
			mu.Lock()
			if cancelMsg == "" {
				cancelMsg = msgCancelBeforeBranch
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			if tok.IsSet() {
				mu.Lock()
				if cancelMsg == "" {
					cancelMsg = msgCancelBeforeBranch
				}
				statuses = append(statuses, schema.StatusCancel)
				mu.Unlock()
				return
			}

			scope := copyScope(params)
			scope["branch"] = name
			seq, seqErr := RunSequence(ctx, s.branches[name], scope, s.opts.Sink, tok)

			entry := map[string]any{"branch": name, "stages": seq.Stages}
			if seq.Errors != nil {
				entry["errors"] = seq.Errors
			}

			mu.Lock()
			entries[name] = entry
			statuses = append(statuses, seq.Status)
			if seq.Status == schema.StatusFailed {
				failed = true
			}
			if seqErr != nil && raised == nil {
				raised = seqErr
			}
			if tok.IsSet() && cancelMsg == "" {
				cancelMsg = msgCancelAfterBranch
			}
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	rs.Catch(rs.Status, map[string]any{"parallel": entries})

	if raised != nil {
		return s.fail(rs, raised)
	}

	// A failed branch outranks an observed cancellation checkpoint.
	status := schema.Combine(statuses...)
	if status == schema.StatusFailed {
		return rs.Catch(status, map[string]any{"errors": firstItemErrors(entries)}), nil
	}
	if cancelMsg != "" {
		return s.cancel(rs, cancelMsg), nil
	}
	return rs.Catch(status, map[string]any{}), nil
}

func (s *ParallelStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}
