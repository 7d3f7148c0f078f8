package memory

import (
	"context"
	"fmt"
)

// VectorIndex ranks chunks by cosine similarity to a query vector. It scans
// every stored vector of the requested model; there is no ANN structure.
type VectorIndex struct {
	store *Store
}

// NewVectorIndex creates a vector index over the store.
func NewVectorIndex(store *Store) *VectorIndex {
	return &VectorIndex{store: store}
}

// Search returns up to limit chunks embedded with modelID, most similar first.
// Scores are cosine similarities in [-1, 1]. Chunks without an embedding for
// modelID, or with a different dimension count, never participate.
func (v *VectorIndex) Search(ctx context.Context, query []float32, modelID string, limit int) ([]ScoredChunk, error) {
	if limit <= 0 || len(query) == 0 || magnitude(query) == 0 {
		return []ScoredChunk{}, nil
	}

	rows, err := v.store.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(vector_blob, ?) AS distance
		FROM embeddings
		WHERE model_id = ? AND dimensions = ? AND magnitude > 0
		ORDER BY distance ASC, chunk_id ASC
		LIMIT ?
	`, encodeVector(query), modelID, len(query), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	results := make([]ScoredChunk, 0, limit)
	for rows.Next() {
		var r ScoredChunk
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance); err != nil {
			return nil, err
		}
		r.Score = clampSimilarity(1 - distance)
		results = append(results, r)
	}
	return results, rows.Err()
}

func clampSimilarity(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
