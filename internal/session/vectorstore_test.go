package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemStoreUpsertAndSearch(t *testing.T) {
	store, err := NewChromemStore("")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "c1", "fix race condition in file watcher"))
	require.NoError(t, store.Upsert(ctx, "c2", "add support for custom key bindings"))

	ids, err := store.Search(ctx, "fix race condition in file watcher", 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "c1", ids[0])
}
