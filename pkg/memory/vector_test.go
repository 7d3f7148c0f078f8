package memory

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndex_Search(t *testing.T) {
	s := createTestStore(t)
	idx := NewVectorIndex(s)
	ctx := context.Background()
	stored := seedChunks(t, s, "a", "b", "c", "d")

	require.NoError(t, s.PutEmbedding(ctx, stored[0].ID, "m", []float32{1, 0, 0}))
	require.NoError(t, s.PutEmbedding(ctx, stored[1].ID, "m", []float32{0.7, 0.7, 0}))
	require.NoError(t, s.PutEmbedding(ctx, stored[2].ID, "m", []float32{-1, 0, 0}))
	// Other model and other width never participate.
	require.NoError(t, s.PutEmbedding(ctx, stored[3].ID, "other", []float32{1, 0, 0}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, "m", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, stored[0].ID, results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.Equal(t, stored[1].ID, results[1].ChunkID)
	assert.InDelta(t, 0.7071, results[1].Score, 1e-3)
	assert.Equal(t, stored[2].ID, results[2].ChunkID)
	assert.InDelta(t, -1.0, results[2].Score, 1e-5)

	limited, err := idx.Search(ctx, []float32{1, 0, 0}, "m", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestVectorIndex_DimensionFilter(t *testing.T) {
	s := createTestStore(t)
	idx := NewVectorIndex(s)
	ctx := context.Background()
	stored := seedChunks(t, s, "a", "b")

	require.NoError(t, s.PutEmbedding(ctx, stored[0].ID, "m", []float32{1, 0}))
	require.NoError(t, s.PutEmbedding(ctx, stored[1].ID, "m", []float32{1, 0, 0}))

	results, err := idx.Search(ctx, []float32{1, 0}, "m", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, stored[0].ID, results[0].ChunkID)
}

func TestVectorIndex_ZeroVectors(t *testing.T) {
	s := createTestStore(t)
	idx := NewVectorIndex(s)
	ctx := context.Background()
	stored := seedChunks(t, s, "a", "b")

	require.NoError(t, s.PutEmbedding(ctx, stored[0].ID, "m", []float32{0, 0}))
	require.NoError(t, s.PutEmbedding(ctx, stored[1].ID, "m", []float32{0, 1}))

	results, err := idx.Search(ctx, []float32{0, 0}, "m", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, []float32{0, 2}, "m", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, stored[1].ID, results[0].ChunkID)
}

// cosineSimilarity is the reference score vec_distance_cosine must agree with.
// It returns 0 when either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 1}))
}

func TestVectorIndex_ScoresMatchCosineSimilarity(t *testing.T) {
	s := createTestStore(t)
	idx := NewVectorIndex(s)
	ctx := context.Background()

	vectors := [][]float32{
		{0.2, 0.9, -0.4, 1.5},
		{3, -1, 0.5, 0},
		{-0.7, -0.7, 0.1, 0.3},
		{1, 1, 1, 1},
		{0.01, 4, 2, -2},
	}
	texts := make([]string, len(vectors))
	for i := range vectors {
		texts[i] = fmt.Sprintf("vector %d", i)
	}
	stored := seedChunks(t, s, texts...)
	byID := make(map[int64][]float32, len(stored))
	for i, c := range stored {
		require.NoError(t, s.PutEmbedding(ctx, c.ID, "m", vectors[i]))
		byID[c.ID] = vectors[i]
	}

	query := []float32{0.5, 1, -0.25, 0.75}
	results, err := idx.Search(ctx, query, "m", len(vectors))
	require.NoError(t, err)
	require.Len(t, results, len(vectors))

	for i, r := range results {
		assert.InDelta(t, cosineSimilarity(query, byID[r.ChunkID]), r.Score, 1e-5)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Score, r.Score)
		}
	}
}
