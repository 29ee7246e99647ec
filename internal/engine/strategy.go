package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"sort"
	"strings"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// maxParallelCeiling is the hard upper bound on strategy branch
// concurrency, enforced at build time.
const maxParallelCeiling = 10

// Strategy expands a job's matrix declaration into ordered parameter
// branches. A job without a strategy gets the single sentinel branch.
type Strategy struct {
	matrix      map[string][]any
	include     []map[string]any
	exclude     []map[string]any
	maxParallel int
	failFast    bool
}

// NewStrategy validates and captures a strategy declaration. def may be
// nil for jobs without one.
func NewStrategy(def *schema.StrategyDefinition) (*Strategy, error) {
	s := &Strategy{maxParallel: 1}
	if def == nil {
		return s, nil
	}

	if def.MaxParallel > maxParallelCeiling {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"strategy max-parallel %d exceeds the ceiling of %d", def.MaxParallel, maxParallelCeiling)
	}
	if def.MaxParallel < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"strategy max-parallel must be non-negative, got %d", def.MaxParallel)
	}
	if def.MaxParallel > 0 {
		s.maxParallel = def.MaxParallel
	}

	s.matrix = def.Matrix
	s.include = def.Include
	s.exclude = def.Exclude
	s.failFast = def.FailFast
	return s, nil
}

// MaxParallel returns the branch concurrency bound.
func (s *Strategy) MaxParallel() int { return s.maxParallel }

// FailFast reports whether a branch failure cancels the remaining branches.
func (s *Strategy) FailFast() bool { return s.failFast }

// IsSentinel reports whether the strategy expands to the single empty
// branch, in which case job results merge stages directly.
func (s *Strategy) IsSentinel() bool {
	return len(s.matrix) == 0 && len(s.include) == 0
}

// Make computes the ordered branch list: the cross-product of the matrix
// keys' values, minus combinations matching an exclude entry, plus include
// entries not already present. Always returns at least the empty sentinel
// branch.
func (s *Strategy) Make() []map[string]any {
	if s.IsSentinel() {
		return []map[string]any{{}}
	}

	keys := make([]string, 0, len(s.matrix))
	for k := range s.matrix {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	branches := []map[string]any{{}}
	for _, key := range keys {
		next := make([]map[string]any, 0, len(branches)*len(s.matrix[key]))
		for _, branch := range branches {
			for _, value := range s.matrix[key] {
				combined := make(map[string]any, len(branch)+1)
				for k, v := range branch {
					combined[k] = v
				}
				combined[key] = value
				next = append(next, combined)
			}
		}
		branches = next
	}

	kept := branches[:0]
	for _, branch := range branches {
		if !s.excluded(branch) {
			kept = append(kept, branch)
		}
	}
	branches = kept

	for _, inc := range s.include {
		exists := false
		for _, branch := range branches {
			if reflect.DeepEqual(branch, inc) {
				exists = true
				break
			}
		}
		if !exists {
			branches = append(branches, inc)
		}
	}

	if len(branches) == 0 {
		return []map[string]any{{}}
	}
	return branches
}

// excluded reports whether every key of any exclude entry matches branch.
func (s *Strategy) excluded(branch map[string]any) bool {
	for _, ex := range s.exclude {
		if len(ex) == 0 {
			continue
		}
		match := true
		for k, v := range ex {
			if !reflect.DeepEqual(branch[k], v) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// BranchKey derives the deterministic context key for one branch.
func BranchKey(branch map[string]any) string {
	if len(branch) == 0 {
		return ""
	}
	keys := make([]string, 0, len(branch))
	for k := range branch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + expressions.Stringify(branch[k])
	}
	joined := strings.Join(parts, ",")
	if len(joined) <= 64 {
		return joined
	}
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:16]
}
