package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrdering(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}
	b := map[string]any{"c": []any{"x", "y"}, "a": 1, "b": 2}

	ca, err := JCS(a)
	require.NoError(t, err)
	cb, err := JCS(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":1,"b":2,"c":["x","y"]}`, string(ca))
}

func TestJCSStructTags(t *testing.T) {
	type inner struct {
		Zulu  string `json:"zulu"`
		Alpha int    `json:"alpha"`
	}
	canonical, err := JCS(inner{Zulu: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zulu":"z"}`, string(canonical))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	canonical, err := JCS(map[string]any{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(canonical))
}

func TestCanonicalHashStability(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": "two", "x": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestCanonicalHashSensitivity(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"amount": 100})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"amount": 101})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("sha256:abcd", "sha256:abcd"))
	assert.False(t, ConstantTimeEqual("sha256:abcd", "sha256:abce"))
	assert.False(t, ConstantTimeEqual("sha256:abcd", "sha256:abcdef"))
	assert.True(t, ConstantTimeEqual("", ""))
}
