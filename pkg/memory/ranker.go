package memory

import (
	"sort"
)

// HybridWeights are raw multipliers for the normalized keyword and vector
// scores. They are not renormalized.
type HybridWeights struct {
	Keyword float64
	Vector  float64
}

// RankedChunk is one fused result with the raw scores that produced it.
type RankedChunk struct {
	ChunkID      int64
	Score        float64
	KeywordScore *float64
	VectorScore  *float64
}

// RankHybrid fuses keyword and vector results. Each set is min-max scaled to
// [0, 1] on its own; a chunk missing from a set contributes 0 for it. Results
// are sorted by fused score descending, ties by lower chunk id, and cut to limit.
func RankHybrid(keyword, vector []ScoredChunk, weights HybridWeights, limit int) []RankedChunk {
	if limit <= 0 {
		return []RankedChunk{}
	}

	keywordNorm := normalizeScores(keyword)
	vectorNorm := normalizeScores(vector)

	merged := make(map[int64]*RankedChunk, len(keyword)+len(vector))
	get := func(id int64) *RankedChunk {
		r, ok := merged[id]
		if !ok {
			r = &RankedChunk{ChunkID: id}
			merged[id] = r
		}
		return r
	}

	for i, k := range keyword {
		r := get(k.ChunkID)
		raw := k.Score
		r.KeywordScore = &raw
		r.Score += weights.Keyword * keywordNorm[i]
	}
	for i, v := range vector {
		r := get(v.ChunkID)
		raw := v.Score
		r.VectorScore = &raw
		r.Score += weights.Vector * vectorNorm[i]
	}

	results := make([]RankedChunk, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// normalizeScores scales scores linearly into [0, 1]. An empty set, or one
// where every score is equal, normalizes to all zeros.
func normalizeScores(results []ScoredChunk) []float64 {
	norm := make([]float64, len(results))
	if len(results) == 0 {
		return norm
	}

	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	if hi == lo {
		return norm
	}
	for i, r := range results {
		norm[i] = (r.Score - lo) / (hi - lo)
	}
	return norm
}
