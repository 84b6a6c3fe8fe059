package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendGetSetDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	defer b.Close()

	v, err := b.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, b.Set("a", map[string]any{"n": 1.0}))
	has, err := b.Has("a")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, b.Delete("a"))
	has, err = b.Has("a")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFileBackendKeysPrefix(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("agent:one", 1))
	require.NoError(t, b.Set("agent:two", 2))
	require.NoError(t, b.Set("other", 3))

	keys, err := b.Keys("agent:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent:one", "agent:two"}, keys)
}

func TestSearchOperators(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("k1", map[string]any{"age": 10.0, "tag": "red", "nested": map[string]any{"x": 5.0}}))
	require.NoError(t, b.Set("k2", map[string]any{"age": 20.0, "tag": "blue", "nested": map[string]any{"x": 50.0}}))
	require.NoError(t, b.Set("k3", map[string]any{"age": 30.0, "tag": "green", "nested": map[string]any{"x": 9.0}}))

	cases := []struct {
		name  string
		query map[string]any
		want  []string
	}{
		{"eq literal", map[string]any{"tag": "red"}, []string{"k1"}},
		{"ne", map[string]any{"tag": map[string]any{"$ne": "red"}}, []string{"k2", "k3"}},
		{"gt", map[string]any{"age": map[string]any{"$gt": 10.0}}, []string{"k2", "k3"}},
		{"gte", map[string]any{"age": map[string]any{"$gte": 20.0}}, []string{"k2", "k3"}},
		{"lt", map[string]any{"age": map[string]any{"$lt": 20.0}}, []string{"k1"}},
		{"lte", map[string]any{"age": map[string]any{"$lte": 20.0}}, []string{"k1", "k2"}},
		{"in", map[string]any{"tag": map[string]any{"$in": []any{"red", "green"}}}, []string{"k1", "k3"}},
		{"regex", map[string]any{"tag": map[string]any{"$regex": "^(red|blue)$"}}, []string{"k1", "k2"}},
		{"dot notation", map[string]any{"nested.x": map[string]any{"$gt": 8.0}}, []string{"k2", "k3"}},
		{"unknown operator fails", map[string]any{"tag": map[string]any{"$bogus": "red"}}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			entries, err := b.Search(c.query)
			require.NoError(t, err)
			var keys []string
			for _, e := range entries {
				keys = append(keys, e.Key)
			}
			assert.ElementsMatch(t, c.want, keys)
		})
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewSQLiteBackend(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("x", map[string]any{"v": 1.0}))
	v, err := b.Get("x")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": 1.0}, v)

	keys, err := b.Keys("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, keys)

	require.NoError(t, b.Delete("x"))
	keys, err = b.Keys("x")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
