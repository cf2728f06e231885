package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAndKeepsHTML(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": "<tag>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag>","b":1}`, string(out))
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(json.RawMessage(`{"x":1,"y":[1,2]}`))
	require.NoError(t, err)
	h2, err := CanonicalHash(json.RawMessage(`{ "y":[1,2], "x":1 }`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":2,"a":1}`)))
	assert.False(t, Equal(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	assert.True(t, Equal(json.RawMessage(`null`), json.RawMessage(`null`)))
}
