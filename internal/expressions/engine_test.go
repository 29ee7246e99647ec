package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngineEvaluate(t *testing.T) {
	eng := NewExprEngine()
	assert.Equal(t, "expr", eng.Name())

	out, err := eng.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = eng.Evaluate(context.Background(), `params.name == "conduct"`, map[string]any{
		"params": map[string]any{"name": "conduct"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngineCachesPrograms(t *testing.T) {
	eng := NewExprEngine()

	for i := 0; i < 3; i++ {
		out, err := eng.Evaluate(context.Background(), "item * 2", map[string]any{"item": i})
		require.NoError(t, err)
		assert.Equal(t, i*2, out)
	}
}

func TestExprEngineScopeDefaults(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), "item == 0 && loop == 0", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(context.Background(), `branch == "alpha"`, map[string]any{"branch": "alpha"})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngineCompileError(t *testing.T) {
	eng := NewExprEngine()
	_, err := eng.Evaluate(context.Background(), "1 +", nil)
	require.Error(t, err)
}

func TestCELEngineEvaluate(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", eng.Name())

	out, err := eng.Evaluate(context.Background(), "item > 2", map[string]any{"item": 4})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngineDefaultsMissingVariables(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), "size(params) == 0", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngineCompileError(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), "item ==", nil)
	require.Error(t, err)
}
