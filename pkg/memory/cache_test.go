package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingCache_GetPut(t *testing.T) {
	cache := NewEmbeddingCache(createTestStore(t), 10)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, "h1", CachedEmbedding{ModelID: "m", Vector: []float32{1, 2, 3}}))

	entry, ok, err := cache.Get(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m", entry.ModelID)
	assert.Equal(t, 3, entry.Dimensions)
	assert.Equal(t, []float32{1, 2, 3}, entry.Vector)

	rate := cache.HitRate()
	require.NotNil(t, rate)
	assert.InDelta(t, 0.5, *rate, 1e-9)
}

func TestEmbeddingCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewEmbeddingCache(createTestStore(t), 2)
	ctx := context.Background()
	vec := CachedEmbedding{ModelID: "m", Vector: []float32{1}}

	require.NoError(t, cache.Put(ctx, "a", vec))
	require.NoError(t, cache.Put(ctx, "b", vec))

	// Touch "a" so "b" becomes the oldest.
	_, ok, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.Put(ctx, "c", vec))

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, _ = cache.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = cache.Get(ctx, "c")
	assert.True(t, ok)
}

func TestEmbeddingCache_ConcurrentPutsNeverOverEvict(t *testing.T) {
	const capacity = 5
	cache := NewEmbeddingCache(createTestStore(t), capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := cache.Put(ctx, fmt.Sprintf("h%d", i), CachedEmbedding{ModelID: "m", Vector: []float32{float32(i)}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, capacity, n)
}

func TestEmbeddingCache_DefaultCapacity(t *testing.T) {
	cache := NewEmbeddingCache(createTestStore(t), 0)
	assert.Equal(t, DefaultEmbeddingCacheSize, cache.capacity)
	assert.Nil(t, cache.HitRate())
}

func TestEmbeddingCache_HitDoesNotWaitForWritePath(t *testing.T) {
	s := createTestStore(t)
	cache := NewEmbeddingCache(s, 10)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "h1", CachedEmbedding{ModelID: "m", Vector: []float32{1}}))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	done := make(chan bool, 1)
	go func() {
		_, ok, err := cache.Get(ctx, "h1")
		done <- ok && err == nil
	}()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("cache hit blocked on the write path")
	}
}

func TestEmbeddingCache_FlushPersistsRecency(t *testing.T) {
	s := createTestStore(t)
	cache := NewEmbeddingCache(s, 10)
	ctx := context.Background()
	vec := CachedEmbedding{ModelID: "m", Vector: []float32{1}}

	require.NoError(t, cache.Put(ctx, "a", vec))
	require.NoError(t, cache.Put(ctx, "b", vec))
	_, ok, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	lastUsed := func(hash string) int64 {
		var v int64
		require.NoError(t, s.db.QueryRow(
			"SELECT last_used_at FROM embedding_cache WHERE content_hash = ?", hash).Scan(&v))
		return v
	}
	assert.Less(t, lastUsed("a"), lastUsed("b"))

	require.NoError(t, cache.Flush(ctx))
	assert.Greater(t, lastUsed("a"), lastUsed("b"))
	assert.Empty(t, cache.takeTouched())
}
