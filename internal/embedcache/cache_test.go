package embedcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("nomic-embed-text", "dashboard crash")
	assert.False(t, ok)

	vec := []float32{0.25, -1, 3.5}
	require.NoError(t, c.Put("nomic-embed-text", "dashboard crash", vec))

	got, ok := c.Get("nomic-embed-text", "dashboard crash")
	require.True(t, ok)
	assert.Equal(t, vec, got)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("text-embedding-3-small", "dashboard crash")
	assert.False(t, ok, "vectors are keyed by model")
}

func TestCache_Persists(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("m", "text", []float32{1, 2}))
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	got, ok := c2.Get("m", "text")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got)
}

func TestKey_SeparatesModelAndText(t *testing.T) {
	assert.NotEqual(t, string(Key("ab", "c")), string(Key("a", "bc")))
}
