package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when the database file cannot be opened or
	// stays locked past the configured open timeout. Callers may retry later.
	ErrStoreUnavailable = errors.New("memory store unavailable")

	// ErrEmbeddingUnavailable is returned when the embedding provider fails or
	// times out. The affected chunk stays keyword-searchable and is picked up by
	// the next reindex backfill.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrEmbeddingDimensionMismatch signals a configuration inconsistency between
	// the configured dimensions of a model and the vectors it produces.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrReindexFailed is returned when the keyword index rebuild aborts. The
	// previously active index is left untouched.
	ErrReindexFailed = errors.New("reindex failed")

	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrStoreNotEmpty guards Hydrate against silently merging into existing data.
	ErrStoreNotEmpty = errors.New("memory store is not empty")

	// ErrInvalidSnapshot is returned when a snapshot blob fails schema validation.
	ErrInvalidSnapshot = errors.New("invalid memory snapshot")

	// ErrEmptyContent is returned when Save receives only whitespace.
	ErrEmptyContent = errors.New("memory content is empty")

	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("memory manager closed")
)

// DimensionMismatchError describes a vector whose length differs from the
// dimensions configured for its model.
type DimensionMismatchError struct {
	ModelID  string
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: model %s expects %d dimensions, got %d", ErrEmbeddingDimensionMismatch, e.ModelID, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error {
	return ErrEmbeddingDimensionMismatch
}
