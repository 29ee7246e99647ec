package stage

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// ForEachStage runs its nested sequence once per item of a resolved list,
// optionally with concurrent workers. Per-item results key by the item value
// or, with use-index-as-key, by position.
type ForEachStage struct {
	base
	stages []Stage
}

func buildForEach(b base) (Stage, error) {
	if len(b.def.Stages) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"foreach stage %q requires nested stages", b.id)
	}
	stages, err := BuildSequence(b.def.Stages, b.opts)
	if err != nil {
		return nil, err
	}
	return &ForEachStage{base: b, stages: stages}, nil
}

type foreachItem struct {
	key   string
	item  any
	index int
}

func (s *ForEachStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	items, err := s.resolveItems(params)
	if err != nil {
		return s.fail(rs, err)
	}

	concurrent := s.def.Concurrent
	if concurrent < 1 {
		concurrent = 1
	}

	entries := make(map[string]any, len(items))
	statuses := make([]schema.Status, 0, len(items))
	var raised error
	var cancelMsg string

	if concurrent == 1 {
		for _, it := range items {
			if tok.IsSet() {
				cancelMsg = msgCancelBeforeNested
				break
			}
			entry, status, itemErr := s.runItem(ctx, it, params, tok)
			entries[it.key] = entry
			statuses = append(statuses, status)
			if itemErr != nil {
				raised = itemErr
				break
			}
			if tok.IsSet() {
				cancelMsg = msgCancelAfterNested
				break
			}
		}
	} else {
		var mu sync.Mutex
		var wg sync.WaitGroup
		sem := make(chan struct{}, concurrent)

		for _, it := range items {
			if tok.IsSet() {
				mu.Lock()
				if cancelMsg == "" {
					cancelMsg = msgCancelBeforeNested
				}
				mu.Unlock()
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(it foreachItem) {
				defer wg.Done()
				defer func() { <-sem }()

				if tok.IsSet() {
					mu.Lock()
					if cancelMsg == "" {
						cancelMsg = msgCancelBeforeNested
					}
					statuses = append(statuses, schema.StatusCancel)
					mu.Unlock()
					return
				}

				entry, status, itemErr := s.runItem(ctx, it, params, tok)

				mu.Lock()
				entries[it.key] = entry
				statuses = append(statuses, status)
				if itemErr != nil && raised == nil {
					raised = itemErr
				}
				if tok.IsSet() && cancelMsg == "" {
					cancelMsg = msgCancelAfterNested
				}
				mu.Unlock()
			}(it)
		}
		wg.Wait()
	}

	rs.Catch(rs.Status, map[string]any{"foreach": entries})

	if raised != nil {
		return s.fail(rs, raised)
	}

	// A failed item outranks an observed cancellation checkpoint.
	status := schema.Combine(statuses...)
	if status == schema.StatusFailed {
		return rs.Catch(status, map[string]any{"errors": firstItemErrors(entries)}), nil
	}
	if cancelMsg != "" {
		return s.cancel(rs, cancelMsg), nil
	}
	return rs.Catch(status, map[string]any{}), nil
}

func (s *ForEachStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}

// resolveItems resolves the foreach input to a keyed item list, rejecting
// non-list inputs and duplicate items unless use-index-as-key is set.
func (s *ForEachStage) resolveItems(params map[string]any) ([]foreachItem, error) {
	resolved, err := expressions.Resolve(s.def.Foreach, params)
	if err != nil {
		return nil, err
	}

	list, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeType,
			"foreach stage %q requires a list, got %T", s.id, resolved)
	}

	items := make([]foreachItem, len(list))
	seen := make(map[string]bool, len(list))
	for i, item := range list {
		key := strconv.Itoa(i)
		if !s.def.UseIndexAsKey {
			key = expressions.Stringify(item)
			if seen[key] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"foreach stage %q has duplicate item %q; set use-index-as-key to allow duplicates", s.id, key)
			}
			seen[key] = true
		}
		items[i] = foreachItem{key: key, item: item, index: i}
	}
	return items, nil
}

// runItem executes the nested sequence for one item with item and loop
// bound in scope.
func (s *ForEachStage) runItem(ctx context.Context, it foreachItem, params map[string]any, tok *run.Token) (map[string]any, schema.Status, error) {
	scope := copyScope(params)
	scope["item"] = it.item
	scope["loop"] = it.index

	seq, err := RunSequence(ctx, s.stages, scope, s.opts.Sink, tok)

	entry := map[string]any{"item": it.item, "stages": seq.Stages}
	if seq.Errors != nil {
		entry["errors"] = seq.Errors
	}
	return entry, seq.Status, err
}

// firstItemErrors picks a deterministic error shape out of the per-item
// entries for the stage-level errors key.
func firstItemErrors(entries map[string]any) map[string]any {
	for _, key := range sortedKeys(entries) {
		entry, ok := entries[key].(map[string]any)
		if !ok {
			continue
		}
		if errs, ok := entry["errors"].(map[string]any); ok {
			return errs
		}
	}
	return map[string]any{"name": "StageError", "message": "nested process failed"}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
