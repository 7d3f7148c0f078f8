package memory

import (
	"context"
	"time"
)

// Document is one saved unit of memory. It is never mutated in place.
type Document struct {
	ID         string                 `json:"id"`
	SourceText string                 `json:"source_text"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Chunk is a retrievable fragment of a Document and the unit of search.
type Chunk struct {
	ID          int64    `json:"id"`
	DocumentID  string   `json:"document_id"`
	Text        string   `json:"text"`
	HeadingPath []string `json:"heading_path"`
	Ordinal     int      `json:"ordinal"`
}

// ScoredChunk is a single entry of a keyword or vector result set.
type ScoredChunk struct {
	ChunkID int64
	Score   float64
}

// RecallResult is one ranked hit returned by Recall.
type RecallResult struct {
	Chunk            Chunk                  `json:"chunk"`
	Score            float64                `json:"score"`
	KeywordScore     *float64               `json:"keyword_score,omitempty"`
	VectorScore      *float64               `json:"vector_score,omitempty"`
	DocumentMetadata map[string]interface{} `json:"document_metadata,omitempty"`
}

// RecallOptions overrides the configured ranking parameters for one call.
// Nil weight pointers fall back to the manager configuration.
type RecallOptions struct {
	Limit         int      `json:"limit"`
	MinScore      float64  `json:"min_score"`
	VectorWeight  *float64 `json:"vector_weight,omitempty"`
	KeywordWeight *float64 `json:"keyword_weight,omitempty"`
}

// DocumentFilter narrows ListDocuments.
type DocumentFilter struct {
	// Source matches the "source" metadata key when non-empty.
	Source string
	// CreatedBefore matches documents created strictly before the given time.
	CreatedBefore time.Time
}

// Stats is a point-in-time view of the store used by operators and tests.
type Stats struct {
	Backend           string     `json:"backend"`
	ModelID           string     `json:"model_id,omitempty"`
	Documents         int        `json:"documents"`
	Chunks            int        `json:"chunks"`
	KeywordEntries    int        `json:"keyword_entries"`
	Embeddings        int        `json:"embeddings"`
	MissingEmbeddings int        `json:"missing_embeddings"`
	CacheEntries      int        `json:"cache_entries"`
	CacheHitRate      *float64   `json:"cache_hit_rate,omitempty"`
	LastReindex       *time.Time `json:"last_reindex,omitempty"`
}

// Memory is the public surface consumed by the agent and tool layers.
type Memory interface {
	Name() string
	Save(ctx context.Context, text string, metadata map[string]interface{}) (string, error)
	Recall(ctx context.Context, query string, opts *RecallOptions) ([]RecallResult, error)
	Forget(ctx context.Context, documentID string) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error)
	Snapshot(ctx context.Context) ([]byte, error)
	Hydrate(ctx context.Context, blob []byte, overwrite bool) error
	Reindex(ctx context.Context) (*ReindexReport, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (*Stats, error)
	AutoSave() bool
	Close() error
}
