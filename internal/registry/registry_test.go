package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

func TestResolveBuiltins(t *testing.T) {
	r := New()

	for _, ident := range []string{"data/jq@latest", "utils/echo@latest", "utils/sleep@latest"} {
		c, err := r.Resolve(ident)
		require.NoError(t, err, ident)
		assert.Equal(t, ident, c.Ident)
	}
}

func TestResolveMalformedIdentifier(t *testing.T) {
	r := New()

	for _, ident := range []string{"", "echo", "utils/echo", "utils@latest", "utils/echo@", "/echo@latest", "a b/c@d"} {
		_, err := r.Resolve(ident)
		require.Error(t, err, ident)
		var ce *schema.ConductError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, schema.ErrCodeValidation, ce.Code, ident)
	}
}

func TestResolveNotFoundIsDistinct(t *testing.T) {
	r := New()

	_, err := r.Resolve("utils/nothing@latest")
	require.Error(t, err)
	var ce *schema.ConductError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeNotFound, ce.Code)
}

func TestRegisterRejectsDuplicatesAndReserved(t *testing.T) {
	r := New()
	fn := func(context.Context, map[string]any, *run.Result) (any, error) { return nil, nil }

	require.NoError(t, r.Register("test/fn@v1", fn))
	err := r.Register("test/fn@v1", fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = r.Register("test/other@v1", fn, Param{Name: "result"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestBindValidatesArguments(t *testing.T) {
	c := &Callable{
		Ident: "test/fn@v1",
		Params: []Param{
			{Name: "input", Required: true},
			{Name: "mode"},
		},
	}

	args, err := c.Bind(map[string]any{"input": 1, "mode": "fast"})
	require.NoError(t, err)
	assert.Equal(t, 1, args["input"])

	_, err = c.Bind(map[string]any{"input": 1, "result": "x", "extras": "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
	assert.Contains(t, err.Error(), "extras, result")

	_, err = c.Bind(map[string]any{"input": 1, "bogus": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = c.Bind(map[string]any{"mode": "fast"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input")
}

func TestToMapping(t *testing.T) {
	out, err := ToMapping("test/fn@v1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["a"])

	out, err = ToMapping("test/fn@v1", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = ToMapping("test/fn@v1", struct {
		Count int `json:"count"`
	}{Count: 7})
	require.NoError(t, err)
	assert.Equal(t, float64(7), out["count"])

	_, err = ToMapping("test/fn@v1", 42)
	require.Error(t, err)
	var ce *schema.ConductError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeType, ce.Code)
}

func TestBuiltinEcho(t *testing.T) {
	r := New()
	c, err := r.Resolve("utils/echo@latest")
	require.NoError(t, err)

	out, err := c.Fn(context.Background(), map[string]any{"message": "hello"}, run.New())
	require.NoError(t, err)
	m, err := ToMapping(c.Ident, out)
	require.NoError(t, err)
	assert.Equal(t, "hello", m["message"])
}

func TestBuiltinJQ(t *testing.T) {
	r := New()
	c, err := r.Resolve("data/jq@latest")
	require.NoError(t, err)

	out, err := c.Fn(context.Background(), map[string]any{
		"input": map[string]any{"a": map[string]any{"b": 42}},
		"query": ".a.b",
	}, run.New())
	require.NoError(t, err)
	m, err := ToMapping(c.Ident, out)
	require.NoError(t, err)
	assert.Equal(t, 42, m["output"])
}

func TestBuiltinJQMultipleOutputs(t *testing.T) {
	r := New()
	c, err := r.Resolve("data/jq@latest")
	require.NoError(t, err)

	out, err := c.Fn(context.Background(), map[string]any{
		"input": []any{1, 2, 3},
		"query": ".[]",
	}, run.New())
	require.NoError(t, err)
	m, err := ToMapping(c.Ident, out)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, m["output"])
}

func TestBuiltinJQInvalidQuery(t *testing.T) {
	r := New()
	c, err := r.Resolve("data/jq@latest")
	require.NoError(t, err)

	_, err = c.Fn(context.Background(), map[string]any{"input": 1, "query": "]["}, run.New())
	require.Error(t, err)
}

func TestList(t *testing.T) {
	r := New()
	idents := r.List()
	assert.Equal(t, []string{"data/jq@latest", "utils/echo@latest", "utils/sleep@latest"}, idents)
}
