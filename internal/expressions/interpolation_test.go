package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scope() map[string]any {
	return map[string]any{
		"params": map[string]any{
			"name":  "conduct",
			"count": 3,
			"price": -9.5,
		},
		"stages": map[string]any{
			"build": map[string]any{
				"outputs": map[string]any{"artifact": "app.tar.gz", "sizes": []any{10, 20, 30}},
			},
		},
		"item": 4,
	}
}

func TestResolveNoMarkersIsIdempotent(t *testing.T) {
	out, err := Resolve("plain text without markers", scope())
	require.NoError(t, err)
	assert.Equal(t, "plain text without markers", out)

	again, err := Resolve(out, scope())
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestResolveWholeExpressionKeepsType(t *testing.T) {
	out, err := Resolve("${{ params.count }}", scope())
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = Resolve("${{ stages.build.outputs.sizes }}", scope())
	require.NoError(t, err)
	assert.Equal(t, []any{10, 20, 30}, out)
}

func TestResolveEmbeddedStringifies(t *testing.T) {
	out, err := Resolve("artifact is ${{ stages.build.outputs.artifact }} (${{ params.count }})", scope())
	require.NoError(t, err)
	assert.Equal(t, "artifact is app.tar.gz (3)", out)
}

func TestResolveListIndex(t *testing.T) {
	out, err := Resolve("${{ stages.build.outputs.sizes.1 }}", scope())
	require.NoError(t, err)
	assert.Equal(t, 20, out)
}

func TestResolveRecursesCollections(t *testing.T) {
	in := map[string]any{
		"msg":   "hi ${{ params.name }}",
		"items": []any{"${{ item }}", "static"},
	}
	out, err := Resolve(in, scope())
	require.NoError(t, err)
	resolved := out.(map[string]any)
	assert.Equal(t, "hi conduct", resolved["msg"])
	assert.Equal(t, []any{4, "static"}, resolved["items"])
}

func TestResolveMissingPathFails(t *testing.T) {
	_, err := Resolve("${{ params.missing }}", scope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "available")
}

func TestResolveOptionalSegment(t *testing.T) {
	out, err := Resolve("${{ stages.build.errors?.message }}", scope())
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = Resolve("${{ params.missing? }}", scope())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestResolveCoalesceRecoversMissingPath(t *testing.T) {
	out, err := Resolve("${{ params.missing | coalesce('fallback') }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	out, err = Resolve("${{ params.name | coalesce('fallback') }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "conduct", out)
}

func TestResolveFilters(t *testing.T) {
	out, err := Resolve("${{ params.price | abs }}", scope())
	require.NoError(t, err)
	assert.Equal(t, 9.5, out)

	out, err = Resolve("${{ params.name | title }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "Conduct", out)

	out, err = Resolve("${{ params.name | upper }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "CONDUCT", out)

	out, err = Resolve("${{ params.count | rstr }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "3", out)

	out, err = Resolve("${{ stages.build.outputs.sizes | join('-') }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "10-20-30", out)
}

func TestResolveTitleFilterMultibyte(t *testing.T) {
	out, err := Resolve("${{ params.city | title }}", map[string]any{
		"params": map[string]any{"city": "über älteste"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Über Älteste", out)
}

func TestResolveFmtFilter(t *testing.T) {
	out, err := Resolve("${{ params.count | fmt('%03d') }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "003", out)
}

func TestResolveUnknownFilter(t *testing.T) {
	_, err := Resolve("${{ params.name | nope }}", scope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown filter "nope"`)
	assert.Contains(t, err.Error(), "available")
}

func TestResolveMalformedTemplates(t *testing.T) {
	_, err := Resolve("${{ params.name", scope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")

	_, err = Resolve("${{  }}", scope())
	require.Error(t, err)

	_, err = Resolve("${{ a ${{ b }} }}", scope())
	require.Error(t, err)
}

func TestResolveStringStringifiesResult(t *testing.T) {
	out, err := ResolveString("${{ params.count }}", scope())
	require.NoError(t, err)
	assert.Equal(t, "3", out)
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate("x ${{ y }}"))
	assert.False(t, HasTemplate("plain"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "text", Stringify("text"))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
