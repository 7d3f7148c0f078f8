package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ranya-memory/internal/observability"
	"github.com/harun/ranya-memory/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ReindexReport summarizes one reindex run.
type ReindexReport struct {
	RunID          string        `json:"run_id"`
	KeywordEntries int           `json:"keyword_entries"`
	Embedded       int           `json:"embedded"`
	Skipped        int           `json:"skipped"`
	Duration       time.Duration `json:"duration"`
}

// Reindexer rebuilds the keyword index and backfills missing embeddings.
type Reindexer struct {
	store      *Store
	keyword    *KeywordIndex
	embeddings *EmbeddingService
	logger     zerolog.Logger

	// runMu keeps a scheduled run and a manual run from overlapping.
	runMu sync.Mutex
}

// NewReindexer creates a reindexer. embeddings may be nil in keyword-only
// mode, in which case backfill is skipped.
func NewReindexer(store *Store, keyword *KeywordIndex, embeddings *EmbeddingService, logger zerolog.Logger) *Reindexer {
	return &Reindexer{
		store:      store,
		keyword:    keyword,
		embeddings: embeddings,
		logger:     logger,
	}
}

// Run rebuilds the keyword index, swaps it in atomically and then backfills
// embeddings. A rebuild failure returns ErrReindexFailed with the previous
// index untouched. Once started, the rebuild is not interrupted by ctx.
func (r *Reindexer) Run(ctx context.Context) (*ReindexReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	runID, err := gonanoid.New()
	if err != nil {
		runID = fmt.Sprintf("reindex-%d", time.Now().UnixNano())
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.memory", "memory.reindex",
		attribute.String("reindex.run_id", runID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("run_id", runID).Logger()

	start := time.Now()
	report := &ReindexReport{RunID: runID}

	runCtx := context.WithoutCancel(ctx)
	entries, err := r.keyword.Rebuild(runCtx)
	if err != nil {
		tracing.FailSpan(span, err, "keyword rebuild failed")
		observability.RecordReindex(time.Since(start), false)
		logger.Error().Err(err).Msg("Keyword index rebuild failed; previous index kept")
		return nil, err
	}
	report.KeywordEntries = entries

	embedded, skipped, err := r.Backfill(runCtx)
	report.Embedded = embedded
	report.Skipped = skipped
	report.Duration = time.Since(start)
	if err != nil {
		tracing.FailSpan(span, err, "embedding backfill failed")
		observability.RecordReindex(report.Duration, false)
		return report, err
	}

	span.SetAttributes(
		attribute.Int("reindex.keyword_entries", entries),
		attribute.Int("reindex.embedded", embedded),
		attribute.Int("reindex.skipped", skipped),
	)
	observability.RecordReindex(report.Duration, true)
	logger.Info().
		Int("keyword_entries", entries).
		Int("embedded", embedded).
		Int("skipped", skipped).
		Dur("duration", report.Duration).
		Msg("Memory reindex completed")

	return report, nil
}

// Backfill embeds every chunk missing a vector for the active model. Per-chunk
// provider failures are logged and skipped; a dimension mismatch aborts.
func (r *Reindexer) Backfill(ctx context.Context) (embedded, skipped int, err error) {
	return r.backfill(ctx, false)
}

// backfill embeds missing chunks. With stopOnUnavailable set, the first
// provider failure ends the pass so an unreachable provider costs one call.
func (r *Reindexer) backfill(ctx context.Context, stopOnUnavailable bool) (embedded, skipped int, err error) {
	if r.embeddings == nil || IsNoop(r.embeddings.provider) {
		return 0, 0, nil
	}
	modelID := r.embeddings.ModelID()

	for chunk, iterErr := range r.store.IterChunksMissingEmbedding(ctx, modelID) {
		if iterErr != nil {
			return embedded, skipped, fmt.Errorf("failed to list chunks missing embeddings: %w", iterErr)
		}

		vector, embedErr := r.embeddings.Embed(ctx, chunk.Text, modelID)
		if embedErr != nil {
			if isFatalEmbeddingError(embedErr) {
				return embedded, skipped, embedErr
			}
			skipped++
			if stopOnUnavailable {
				return embedded, skipped, embedErr
			}
			r.logger.Warn().Err(embedErr).Int64("chunk_id", chunk.ID).Msg("Skipping chunk during embedding backfill")
			continue
		}

		if putErr := r.store.PutEmbedding(ctx, chunk.ID, modelID, vector); putErr != nil {
			// The chunk may have been forgotten while we were embedding it.
			if errors.Is(putErr, ErrNotFound) {
				continue
			}
			return embedded, skipped, putErr
		}
		embedded++
	}

	if embedded > 0 {
		observability.RecordBackfill(embedded)
	}
	return embedded, skipped, nil
}
