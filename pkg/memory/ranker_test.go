package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedIDs(results []RankedChunk) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

func TestRankHybrid_WeightedFusion(t *testing.T) {
	keyword := []ScoredChunk{{ChunkID: 1, Score: 10}, {ChunkID: 2, Score: 5}, {ChunkID: 3, Score: 0}}
	vector := []ScoredChunk{{ChunkID: 3, Score: 0.9}, {ChunkID: 4, Score: 0.1}}

	results := RankHybrid(keyword, vector, HybridWeights{Keyword: 0.3, Vector: 0.7}, 10)

	require.Len(t, results, 4)
	// 3: 0.3*0 + 0.7*1 = 0.7, 1: 0.3*1 = 0.3, 2: 0.3*0.5 = 0.15, 4: 0
	assert.Equal(t, []int64{3, 1, 2, 4}, rankedIDs(results))
	assert.InDelta(t, 0.7, results[0].Score, 1e-9)
	assert.InDelta(t, 0.15, results[2].Score, 1e-9)

	require.NotNil(t, results[0].KeywordScore)
	require.NotNil(t, results[0].VectorScore)
	assert.Equal(t, 0.9, *results[0].VectorScore)
	assert.Nil(t, results[3].KeywordScore)
}

func TestRankHybrid_EqualScoresNormalizeToZero(t *testing.T) {
	keyword := []ScoredChunk{{ChunkID: 7, Score: 2}, {ChunkID: 5, Score: 2}}
	results := RankHybrid(keyword, nil, HybridWeights{Keyword: 1, Vector: 1}, 10)

	require.Len(t, results, 2)
	assert.Zero(t, results[0].Score)
	assert.Zero(t, results[1].Score)
	// Ties go to the lower chunk id.
	assert.Equal(t, []int64{5, 7}, rankedIDs(results))
}

func TestRankHybrid_Limit(t *testing.T) {
	keyword := []ScoredChunk{{ChunkID: 1, Score: 3}, {ChunkID: 2, Score: 2}, {ChunkID: 3, Score: 1}}

	assert.Len(t, RankHybrid(keyword, nil, HybridWeights{Keyword: 1}, 2), 2)
	assert.Empty(t, RankHybrid(keyword, nil, HybridWeights{Keyword: 1}, 0))
}

func TestRankHybrid_ZeroVectorWeightKeepsKeywordOrder(t *testing.T) {
	keyword := []ScoredChunk{{ChunkID: 9, Score: 8}, {ChunkID: 2, Score: 6}, {ChunkID: 4, Score: 1}}

	results := RankHybrid(keyword, nil, HybridWeights{Keyword: 0.3, Vector: 0}, 10)
	assert.Equal(t, []int64{9, 2, 4}, rankedIDs(results))
}

func TestRankHybrid_WeightsAreRawMultipliers(t *testing.T) {
	keyword := []ScoredChunk{{ChunkID: 1, Score: 4}, {ChunkID: 2, Score: 2}}

	results := RankHybrid(keyword, nil, HybridWeights{Keyword: 3}, 10)
	assert.InDelta(t, 3.0, results[0].Score, 1e-9)
}

func TestNormalizeScores(t *testing.T) {
	assert.Empty(t, normalizeScores(nil))
	assert.Equal(t, []float64{1, 0.5, 0}, normalizeScores([]ScoredChunk{{Score: -1}, {Score: -2}, {Score: -3}}))
}
