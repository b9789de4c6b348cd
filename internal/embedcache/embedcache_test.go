package embedcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/embedcache"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := embedcache.NewMemory(2)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "alpha", "m1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "alpha", "m1", []float32{1, 2, 3}))
	vec, ok, err := c.Get(ctx, "alpha", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3}, vec)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := embedcache.NewMemory(2)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "a", "m", []float32{1}))
	require.NoError(t, c.Put(ctx, "b", "m", []float32{2}))

	// touch "a" so "b" becomes the least recently used entry.
	_, _, _ = c.Get(ctx, "a", "m")
	require.NoError(t, c.Put(ctx, "c", "m", []float32{3}))

	require.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "b", "m")
	require.False(t, ok, "b should have been evicted")
	_, ok, _ = c.Get(ctx, "a", "m")
	require.True(t, ok, "a was recently used and should survive")
}

func TestKeyDependsOnModelAndContent(t *testing.T) {
	require.NotEqual(t, embedcache.Key("x", "m1"), embedcache.Key("x", "m2"))
	require.NotEqual(t, embedcache.Key("x", "m1"), embedcache.Key("y", "m1"))
	require.Equal(t, embedcache.Key("x", "m1"), embedcache.Key("x", "m1"))
}
