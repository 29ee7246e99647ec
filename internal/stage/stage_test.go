package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-labs/conduct/internal/registry"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

func mustBuild(t *testing.T, def schema.StageDefinition, opts Options) Stage {
	t.Helper()
	st, err := Build(def, opts)
	require.NoError(t, err)
	return st
}

func errorsOf(t *testing.T, rs *run.Result) map[string]any {
	t.Helper()
	errs, ok := rs.Context["errors"].(map[string]any)
	require.True(t, ok, "result context has no errors key: %v", rs.Context)
	return errs
}

func TestBuildSelectsVariant(t *testing.T) {
	tests := []struct {
		name string
		def  schema.StageDefinition
		want any
	}{
		{"empty", schema.StageDefinition{Echo: "hi"}, &EmptyStage{}},
		{"bash", schema.StageDefinition{Bash: "echo hi"}, &BashStage{}},
		{"raise", schema.StageDefinition{Raise: "boom"}, &RaiseStage{}},
		{"foreach", schema.StageDefinition{Foreach: []any{1}, Stages: []schema.StageDefinition{{Echo: "x"}}}, &ForEachStage{}},
		{"until", schema.StageDefinition{Until: "${{ item > 1 }}", Stages: []schema.StageDefinition{{Echo: "x"}}}, &UntilStage{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := mustBuild(t, tt.def, Options{})
			assert.IsType(t, tt.want, st)
		})
	}
}

func TestIdentityKey(t *testing.T) {
	explicit := mustBuild(t, schema.StageDefinition{ID: "my-id", Echo: "x"}, Options{})
	assert.Equal(t, "my-id", explicit.ID())

	derived := mustBuild(t, schema.StageDefinition{Name: "Anon", Echo: "x"}, Options{})
	assert.NotEmpty(t, derived.ID())

	same := mustBuild(t, schema.StageDefinition{Name: "Anon", Echo: "x"}, Options{})
	assert.Equal(t, derived.ID(), same.ID())

	other := mustBuild(t, schema.StageDefinition{Name: "Anon", Echo: "y"}, Options{})
	assert.NotEqual(t, derived.ID(), other.ID())
}

func TestPresetTokenCancelsWithoutSideEffects(t *testing.T) {
	tok := run.NewToken()
	tok.Set()

	st := mustBuild(t, schema.StageDefinition{ID: "never", Bash: "echo ran > /tmp/should-not-exist"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, tok)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusCancel, rs.Status)
	errs := errorsOf(t, rs)
	assert.Contains(t, errs["message"], "before start execution")
	assert.NotContains(t, rs.Context, "return_code")
}

func TestEmptyStageEcho(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{Name: "Say hello", Echo: "hello world"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Equal(t, map[string]any{}, rs.Context)
}

func TestEmptyStageSleepObservesCancellation(t *testing.T) {
	tok := run.NewToken()
	st := mustBuild(t, schema.StageDefinition{ID: "nap", Sleep: 2}, Options{})

	go func() {
		time.Sleep(100 * time.Millisecond)
		tok.Set()
	}()

	start := time.Now()
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, tok)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusCancel, rs.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStageSkipsOnFalseCondition(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "gated", If: "${{ params.run }}", Echo: "x"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{
		"params": map[string]any{"run": false},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSkip, rs.Status)
}

func TestStageFailsOnNonBooleanCondition(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "gated", If: "${{ params.count }}", Echo: "x"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{
		"params": map[string]any{"count": 3},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	errs := errorsOf(t, rs)
	assert.Equal(t, "ConditionError", errs["name"])
}

func TestBashStageCapturesOutput(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "greet", Bash: "echo hello ${{ params.who }}"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{
		"params": map[string]any{"who": "world"},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Equal(t, 0, rs.Context["return_code"])
	assert.Equal(t, "hello world", rs.Context["stdout"])
}

func TestBashStageEnv(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{
		ID:   "env",
		Bash: `printf '%s' "$GREETING"`,
		Env:  map[string]any{"GREETING": "from env"},
	}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Equal(t, "from env", rs.Context["stdout"])
}

func TestBashStageNonZeroExit(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "boom", Bash: "echo oops >&2\nexit 1"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	assert.Equal(t, 1, rs.Context["return_code"])
	assert.Equal(t, "oops", rs.Context["stderr"])

	errs := errorsOf(t, rs)
	assert.Equal(t, "StageError", errs["name"])
	assert.Contains(t, errs["message"], "exit 1")
}

func TestBashStageRetryExposesCounter(t *testing.T) {
	// Succeeds only on the second attempt, when retry == 1.
	st := mustBuild(t, schema.StageDefinition{
		ID:    "flaky",
		Bash:  "exit $((1 - ${{ retry }}))",
		Retry: 2,
	}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Equal(t, 0, rs.Context["return_code"])
}

func TestBashStageRetryExhausted(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "always", Bash: "exit 1", Retry: 1}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	errs := errorsOf(t, rs)
	assert.Equal(t, "StageError", errs["name"])
	assert.Contains(t, errs["message"], "retries exhausted")
}

func TestBuildRejectsTemplatedIdentity(t *testing.T) {
	_, err := Build(schema.StageDefinition{ID: "${{ params.x }}", Echo: "x"}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template")

	_, err = Build(schema.StageDefinition{Name: "Stage ${{ params.x }}", Echo: "x"}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template")
}

func TestBashStageTimeout(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "slow", Bash: "sleep 2", Timeout: "100ms"}, Options{})

	start := time.Now()
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, schema.StatusFailed, rs.Status)
	errs := errorsOf(t, rs)
	assert.Equal(t, "TimeoutError", errs["name"])
	assert.Contains(t, errs["message"], "timeout")
}

func TestBashStageInvalidTimeoutRejectedAtBuild(t *testing.T) {
	_, err := Build(schema.StageDefinition{ID: "slow", Bash: "true", Timeout: "later"}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	_, err = Build(schema.StageDefinition{ID: "slow", Bash: "true", Timeout: "-1s"}, Options{})
	require.Error(t, err)
}

func TestCallStage(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{
		ID:   "extract",
		Uses: "data/jq@latest",
		With: map[string]any{
			"input": map[string]any{"nested": map[string]any{"value": 7}},
			"query": ".nested.value",
		},
	}, Options{Registry: registry.New()})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Equal(t, 7, rs.Context["output"])
}

func TestCallStageReservedParam(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{
		ID:   "bad",
		Uses: "utils/echo@latest",
		With: map[string]any{"message": "hi", "result": "nope"},
	}, Options{Registry: registry.New()})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	errs := errorsOf(t, rs)
	assert.Equal(t, "ValidationError", errs["name"])
	assert.Contains(t, errs["message"], "result")
}

func TestCallStageUnknownIdentifier(t *testing.T) {
	reg := registry.New()

	unknown := mustBuild(t, schema.StageDefinition{ID: "u", Uses: "utils/nothing@latest"}, Options{Registry: reg})
	rs, err := unknown.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, rs.Status)
	assert.Equal(t, "NotFoundError", errorsOf(t, rs)["name"])

	malformed := mustBuild(t, schema.StageDefinition{ID: "m", Uses: "not-an-identifier"}, Options{Registry: reg})
	rs, err = malformed.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, rs.Status)
	assert.Equal(t, "ValidationError", errorsOf(t, rs)["name"])
}

func TestCallStagePanicIsCaptured(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("test/panic@v1", func(context.Context, map[string]any, *run.Result) (any, error) {
		panic("deliberate")
	}))

	st := mustBuild(t, schema.StageDefinition{ID: "p", Uses: "test/panic@v1"}, Options{Registry: reg})
	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	assert.Contains(t, errorsOf(t, rs)["message"], "deliberate")
}

func TestRaiseStage(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "halt", Raise: "bad input: ${{ params.reason }}"}, Options{})
	rs, err := st.Execute(context.Background(), map[string]any{
		"params": map[string]any{"reason": "missing file"},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, rs.Status)
	errs := errorsOf(t, rs)
	assert.Equal(t, "StageError", errs["name"])
	assert.Contains(t, errs["message"], "bad input: missing file")
}

func TestRaiseOnErrorPolicyPropagates(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "halt", Raise: "boom"},
		Options{Config: run.ExecConfig{RaiseOnError: true}})

	rs, err := st.Execute(context.Background(), map[string]any{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.StatusFailed, rs.Status)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteAsyncMirrorsExecute(t *testing.T) {
	st := mustBuild(t, schema.StageDefinition{ID: "hello", Echo: "hi"}, Options{})

	outcome := <-st.ExecuteAsync(context.Background(), map[string]any{}, nil, nil)
	require.NoError(t, outcome.Err)
	assert.Equal(t, schema.StatusSuccess, outcome.Result.Status)
}

func TestStageExtrasReachCallFunctions(t *testing.T) {
	reg := registry.New()
	var got any
	require.NoError(t, reg.Register("test/extras@v1", func(_ context.Context, _ map[string]any, rs *run.Result) (any, error) {
		got = rs.Extras["owner"]
		return map[string]any{}, nil
	}))

	st := mustBuild(t, schema.StageDefinition{
		ID:     "tagged",
		Uses:   "test/extras@v1",
		Extras: map[string]any{"owner": "${{ params.team }}"},
	}, Options{Registry: reg})

	rs, err := st.Execute(context.Background(), map[string]any{
		"params": map[string]any{"team": "data"},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusSuccess, rs.Status)
	assert.Equal(t, "data", got)
}

type panickingStage struct{ id string }

func (p *panickingStage) ID() string   { return p.id }
func (p *panickingStage) Name() string { return p.id }

func (p *panickingStage) Execute(context.Context, map[string]any, *run.Result, *run.Token) (*run.Result, error) {
	panic("wild panic")
}

func (p *panickingStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return p.Execute(ctx, params, rs, tok) })
}

func TestRunSequenceConvertsPanicToFailure(t *testing.T) {
	out, err := RunSequence(context.Background(), []Stage{&panickingStage{id: "wild"}}, map[string]any{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusFailed, out.Status)
	require.NotNil(t, out.Errors)
	assert.Contains(t, out.Errors["message"], "wild panic")
}
