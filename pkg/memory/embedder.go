package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/ranya-memory/internal/observability"
	"github.com/rs/zerolog"
)

// EmbeddingService turns text into vectors through a provider, memoizing
// results in a content-addressed cache.
type EmbeddingService struct {
	provider EmbeddingProvider
	cache    *EmbeddingCache
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewEmbeddingService creates an embedding service. A zero timeout uses
// DefaultEmbeddingTimeout.
func NewEmbeddingService(provider EmbeddingProvider, cache *EmbeddingCache, timeout time.Duration, logger zerolog.Logger) *EmbeddingService {
	if timeout <= 0 {
		timeout = DefaultEmbeddingTimeout
	}
	return &EmbeddingService{
		provider: provider,
		cache:    cache,
		timeout:  timeout,
		logger:   logger,
	}
}

// ModelID returns the active model id.
func (s *EmbeddingService) ModelID() string {
	return ModelID(s.provider)
}

// Dimensions returns the fixed vector width of the active model.
func (s *EmbeddingService) Dimensions() int {
	return s.provider.Dimension()
}

// Cache exposes the underlying cache.
func (s *EmbeddingService) Cache() *EmbeddingCache {
	return s.cache
}

// Embed returns the vector for text under modelID, consulting the cache first.
// Provider failures and timeouts yield ErrEmbeddingUnavailable; a vector of the
// wrong width yields a *DimensionMismatchError.
func (s *EmbeddingService) Embed(ctx context.Context, text, modelID string) ([]float32, error) {
	if modelID != s.ModelID() {
		return nil, fmt.Errorf("%w: model %q is not served by provider %q", ErrEmbeddingUnavailable, modelID, s.ModelID())
	}
	expected := s.Dimensions()
	hash := contentHash(text, modelID)

	cached, ok, err := s.cache.Get(ctx, hash)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Embedding cache lookup failed")
	}
	if ok {
		observability.RecordEmbeddingCache(true)
		if len(cached.Vector) != expected || cached.ModelID != modelID {
			return nil, &DimensionMismatchError{ModelID: modelID, Expected: expected, Got: len(cached.Vector)}
		}
		return cached.Vector, nil
	}
	observability.RecordEmbeddingCache(false)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vector, err := s.provider.GenerateEmbedding(callCtx, normalizeText(text))
	if err != nil {
		observability.RecordEmbeddingFailure()
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vector) != expected {
		return nil, &DimensionMismatchError{ModelID: modelID, Expected: expected, Got: len(vector)}
	}

	entry := CachedEmbedding{ModelID: modelID, Dimensions: expected, Vector: vector}
	if err := s.cache.Put(ctx, hash, entry); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache embedding")
	}

	return vector, nil
}

// isFatalEmbeddingError reports errors that must abort the caller rather than
// leave a chunk pending.
func isFatalEmbeddingError(err error) bool {
	return errors.Is(err, ErrEmbeddingDimensionMismatch)
}

// normalizeText collapses whitespace so cosmetic edits share a cache entry.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func contentHash(text, modelID string) string {
	h := sha256.Sum256([]byte(normalizeText(text) + "\x00" + modelID))
	return hex.EncodeToString(h[:])
}
