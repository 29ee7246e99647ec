package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-labs/conduct/internal/registry"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

func TestParallelRunsAllBranches(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"alpha": {{ID: "a1", Echo: "alpha ${{ branch }}"}},
			"beta":  {{ID: "b1", Echo: "beta"}},
		},
	}, Options{})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, rs.Status)

	branches := rs.Context["parallel"].(map[string]any)
	require.Len(t, branches, 2)

	alpha := branches["alpha"].(map[string]any)
	assert.Equal(t, "alpha", alpha["branch"])
	stages := alpha["stages"].(map[string]any)
	assert.Contains(t, stages, "a1")
}

func TestParallelBranchFailureDoesNotAbortSiblings(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"bad":  {{ID: "explode", Raise: "branch failed"}},
			"good": {{ID: "fine", Echo: "ok"}},
		},
		MaxWorkers: 2,
	}, Options{})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, rs.Status)

	branches := rs.Context["parallel"].(map[string]any)
	bad := branches["bad"].(map[string]any)
	assert.Contains(t, bad["errors"].(map[string]any)["message"], "branch failed")
	assert.Contains(t, branches, "good")
}

func TestParallelPresetTokenCancelsBeforeStart(t *testing.T) {
	tok := run.NewToken()

	st := mustBuild(t, schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"alpha": {{ID: "a1", Echo: "x"}},
			"beta":  {{ID: "b1", Echo: "y"}},
		},
		MaxWorkers: 1,
	}, Options{})

	tok.Set()
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, tok)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancel, rs.Status)
	assert.Contains(t, errorsOf(t, rs)["message"], "before start execution")
}

func TestParallelCancelBetweenBranches(t *testing.T) {
	tok := run.NewToken()

	st := mustBuild(t, schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"one": {{ID: "s1", Echo: "x"}},
			"two": {{ID: "s2", Echo: "y"}},
		},
		MaxWorkers: 1,
	}, Options{})

	// Cancel concurrently with dispatch; the observing checkpoint varies
	// with scheduling, so the assertion accepts either terminal shape.
	go func() { tok.Set() }()
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, tok)
	require.NoError(t, err)

	if rs.Status == schema.StatusCancel {
		message := errorsOf(t, rs)["message"].(string)
		assert.Contains(t, message, "branch process")
	} else {
		assert.Equal(t, schema.StatusSuccess, rs.Status)
	}
}

func TestParallelFailedBranchOutranksCancellation(t *testing.T) {
	tok := run.NewToken()
	reg := registry.New()
	require.NoError(t, reg.Register("test/trip-fail@v1", func(context.Context, map[string]any, *run.Result) (any, error) {
		tok.Set()
		return nil, schema.NewError(schema.ErrCodeExecution, "branch broke")
	}))

	st := mustBuild(t, schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"solo": {{ID: "trip", Uses: "test/trip-fail@v1"}},
		},
		MaxWorkers: 1,
	}, Options{Registry: reg})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, tok)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	assert.Contains(t, errorsOf(t, rs)["message"], "branch broke")
}

func TestParallelDefaultMaxWorkers(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"a": {{ID: "a1", Echo: "1"}},
			"b": {{ID: "b1", Echo: "2"}},
			"c": {{ID: "c1", Echo: "3"}},
		},
	}, Options{})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Len(t, rs.Context["parallel"].(map[string]any), 3)
}

func TestParallelEmptyBranchRejectedAtBuild(t *testing.T) {
	_, err := Build(schema.StageDefinition{
		ID: "split",
		Parallel: map[string][]schema.StageDefinition{
			"empty": {},
		},
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stages")
}
