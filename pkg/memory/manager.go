package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/ranya-memory/internal/observability"
	"github.com/harun/ranya-memory/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// Ranking defaults.
const (
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
	DefaultRecallLimit   = 10
)

// Config holds memory manager configuration
type Config struct {
	Backend     string
	DBPath      string
	OpenTimeout time.Duration
	Logger      zerolog.Logger

	// EmbeddingProvider is optional; nil or the no-op provider means
	// keyword-only recall.
	EmbeddingProvider  EmbeddingProvider
	EmbeddingCacheSize int
	EmbeddingTimeout   time.Duration

	VectorWeight      float64
	KeywordWeight     float64
	MinRelevanceScore float64
	RecallLimit       int

	Chunker ChunkerConfig

	// AutoSave is surfaced to callers that save conversation turns on their
	// own. Together with EagerEmbedding it also embeds chunks during Save.
	AutoSave       bool
	EagerEmbedding bool
}

// DefaultConfig returns a configuration for a keyword-only sqlite store at dbPath.
func DefaultConfig(dbPath string) Config {
	return Config{
		Backend:            BackendSQLite,
		DBPath:             dbPath,
		Logger:             zerolog.Nop(),
		EmbeddingCacheSize: DefaultEmbeddingCacheSize,
		EmbeddingTimeout:   DefaultEmbeddingTimeout,
		VectorWeight:       DefaultVectorWeight,
		KeywordWeight:      DefaultKeywordWeight,
		RecallLimit:        DefaultRecallLimit,
		Chunker: ChunkerConfig{
			MaxLines: DefaultChunkMaxLines,
			MaxChars: DefaultChunkMaxChars,
		},
		AutoSave: true,
	}
}

// Open builds the Memory implementation named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Memory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		return NewManager(ctx, cfg)
	case BackendNone:
		return NewNoneMemory(cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unknown memory backend: %q", cfg.Backend)
	}
}

// Manager is the sqlite-backed Memory. It composes the store, chunker,
// embedding service, both indexes, the hybrid ranker and the reindexer.
type Manager struct {
	cfg        Config
	store      *Store
	chunker    *Chunker
	keyword    *KeywordIndex
	vector     *VectorIndex
	embeddings *EmbeddingService
	cache      *EmbeddingCache
	reindexer  *Reindexer
	logger     zerolog.Logger

	mu          sync.RWMutex
	lastReindex *time.Time

	// pending is set while some chunks may lack an embedding for the active model.
	pending atomic.Bool
	closed  atomic.Bool
}

// NewManager opens the store and prepares every component. On open it drops
// vectors of a previously active model and repairs the keyword index if it no
// longer matches the chunk set.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = DefaultRecallLimit
	}

	store, err := OpenStore(ctx, StoreConfig{
		Path:        cfg.DBPath,
		OpenTimeout: cfg.OpenTimeout,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		chunker: NewChunker(cfg.Chunker),
		keyword: NewKeywordIndex(store),
		vector:  NewVectorIndex(store),
		cache:   NewEmbeddingCache(store, cfg.EmbeddingCacheSize),
		logger:  cfg.Logger,
	}
	if !IsNoop(cfg.EmbeddingProvider) {
		m.embeddings = NewEmbeddingService(cfg.EmbeddingProvider, m.cache, cfg.EmbeddingTimeout, cfg.Logger)
	}
	m.reindexer = NewReindexer(store, m.keyword, m.embeddings, cfg.Logger)

	if err := m.prepare(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return m, nil
}

func (m *Manager) prepare(ctx context.Context) error {
	if m.embeddings != nil {
		modelID := m.embeddings.ModelID()
		active, err := m.store.getMeta(ctx, metaActiveModel)
		if err != nil {
			return fmt.Errorf("failed to read active model: %w", err)
		}
		if active != modelID {
			dropped, err := m.store.switchActiveModel(ctx, modelID)
			if err != nil {
				return fmt.Errorf("failed to switch embedding model: %w", err)
			}
			if active != "" {
				m.logger.Info().
					Str("previous_model", active).
					Str("model", modelID).
					Int64("dropped_embeddings", dropped).
					Msg("Embedding model changed; stale vectors removed")
			}
		}
	}

	counts, err := m.store.counts(ctx, m.modelID())
	if err != nil {
		return fmt.Errorf("failed to read store counts: %w", err)
	}
	if counts.KeywordEntries != counts.Chunks {
		m.logger.Warn().
			Int("chunks", counts.Chunks).
			Int("keyword_entries", counts.KeywordEntries).
			Msg("Keyword index out of sync with chunks; rebuilding")
		if _, err := m.keyword.Rebuild(ctx); err != nil {
			return err
		}
	}
	m.pending.Store(m.embeddings != nil && counts.MissingEmbeddings > 0)

	if raw, err := m.store.getMeta(ctx, metaLastReindex); err == nil && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			m.lastReindex = &t
		}
	}

	observability.SetMemoryEntries(counts.Chunks)
	return nil
}

// Name returns the backend name.
func (m *Manager) Name() string {
	return BackendSQLite
}

// AutoSave reports whether callers should save conversation turns automatically.
func (m *Manager) AutoSave() bool {
	return m.cfg.AutoSave
}

func (m *Manager) modelID() string {
	if m.embeddings == nil {
		return NoopProviderName
	}
	return m.embeddings.ModelID()
}

// Save chunks text and persists the document, its chunks and keyword entries
// atomically. Embeddings are computed immediately when eager embedding is on,
// otherwise on the next recall or reindex. Save runs to completion even if ctx
// is cancelled.
func (m *Manager) Save(ctx context.Context, text string, metadata map[string]interface{}) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.memory", "memory.save",
		attribute.Int("memory.text_length", len(text)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	ctx = context.WithoutCancel(ctx)

	chunks := m.chunker.Split(text)
	doc, stored, err := m.store.SaveDocument(ctx, text, metadata, chunks)
	if err != nil {
		tracing.FailSpan(span, err, "save failed")
		return "", err
	}
	span.SetAttributes(
		attribute.String("memory.document_id", doc.ID),
		attribute.Int("memory.chunks", len(stored)),
	)

	if m.embeddings != nil {
		if m.cfg.EagerEmbedding || m.cfg.AutoSave {
			if err := m.embedChunks(ctx, stored); err != nil {
				if isFatalEmbeddingError(err) {
					// A vector of the wrong width must never reach the index.
					if delErr := m.store.DeleteDocument(ctx, doc.ID); delErr != nil {
						logger.Error().Err(delErr).Str("document_id", doc.ID).Msg("Failed to roll back document")
					}
					tracing.FailSpan(span, err, "embedding dimension mismatch")
					return "", err
				}
				m.pending.Store(true)
				logger.Warn().Err(err).Str("document_id", doc.ID).Msg("Embedding deferred to next recall or reindex")
			}
		} else {
			m.pending.Store(true)
		}
	}

	m.publishEntries(ctx)
	logger.Debug().
		Str("document_id", doc.ID).
		Int("chunks", len(stored)).
		Msg("Memory saved")

	return doc.ID, nil
}

// embedChunks embeds and stores vectors for chunks, stopping at the first
// failure. Chunks left without a vector remain pending.
func (m *Manager) embedChunks(ctx context.Context, chunks []Chunk) error {
	modelID := m.embeddings.ModelID()
	for _, c := range chunks {
		vector, err := m.embeddings.Embed(ctx, c.Text, modelID)
		if err != nil {
			return err
		}
		if err := m.store.PutEmbedding(ctx, c.ID, modelID, vector); err != nil {
			return err
		}
	}
	return nil
}

// Recall returns the chunks most relevant to query, fusing keyword and vector
// rankings. It degrades to keyword-only ranking when embeddings are
// unavailable. Storage errors are returned.
func (m *Manager) Recall(ctx context.Context, query string, opts *RecallOptions) ([]RecallResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.memory", "memory.recall",
		attribute.String("query", query),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if strings.TrimSpace(query) == "" {
		return []RecallResult{}, nil
	}

	limit, minScore, weights := m.resolveRecallOptions(opts)
	if limit <= 0 {
		return []RecallResult{}, nil
	}

	useVector := m.embeddings != nil && weights.Vector != 0
	useKeyword := weights.Keyword != 0

	if useVector && m.pending.Load() {
		m.lazyBackfill(ctx, logger)
	}

	var keywordResults, vectorResults []ScoredChunk
	var keywordErr, vectorErr error

	var wg sync.WaitGroup
	if useKeyword {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keywordResults, keywordErr = m.keyword.Search(ctx, query, limit)
		}()
	}
	if useVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorResults, vectorErr = m.vectorSearch(ctx, query, limit)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keywordErr != nil {
		tracing.FailSpan(span, keywordErr, "keyword search failed")
		return nil, keywordErr
	}
	if vectorErr != nil {
		if isFatalEmbeddingError(vectorErr) {
			logger.Error().Err(vectorErr).Msg("Vector search disabled by embedding misconfiguration")
		} else {
			logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
		}
		vectorResults = nil
	}

	// With the vector leg down, a zero keyword weight would leave nothing to
	// rank; fall back to keyword order instead.
	vectorDown := vectorErr != nil || (weights.Vector != 0 && m.embeddings == nil)
	if vectorDown && !useKeyword {
		keywordResults, keywordErr = m.keyword.Search(ctx, query, limit)
		if keywordErr != nil {
			tracing.FailSpan(span, keywordErr, "keyword fallback failed")
			return nil, keywordErr
		}
		weights = HybridWeights{Keyword: 1}
	}

	ranked := RankHybrid(keywordResults, vectorResults, weights, limit)
	if minScore > 0 {
		kept := ranked[:0]
		for _, r := range ranked {
			if r.Score >= minScore {
				kept = append(kept, r)
			}
		}
		ranked = kept
	}

	results, err := m.hydrateResults(ctx, ranked)
	if err != nil {
		tracing.FailSpan(span, err, "load results failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("memory.results", len(results)))
	logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Recall completed")

	return results, nil
}

func (m *Manager) resolveRecallOptions(opts *RecallOptions) (int, float64, HybridWeights) {
	limit := m.cfg.RecallLimit
	minScore := m.cfg.MinRelevanceScore
	weights := HybridWeights{Keyword: m.cfg.KeywordWeight, Vector: m.cfg.VectorWeight}
	if opts == nil {
		return limit, minScore, weights
	}

	if opts.Limit != 0 {
		limit = opts.Limit
	}
	if opts.MinScore > 0 {
		minScore = opts.MinScore
	}
	if opts.KeywordWeight != nil {
		weights.Keyword = *opts.KeywordWeight
	}
	if opts.VectorWeight != nil {
		weights.Vector = *opts.VectorWeight
	}
	return limit, minScore, weights
}

func (m *Manager) vectorSearch(ctx context.Context, query string, limit int) ([]ScoredChunk, error) {
	modelID := m.embeddings.ModelID()
	queryVector, err := m.embeddings.Embed(ctx, query, modelID)
	if err != nil {
		return nil, err
	}
	return m.vector.Search(ctx, queryVector, modelID, limit)
}

// lazyBackfill embeds pending chunks before a vector search. A provider
// failure ends the pass early and leaves the rest for later. The flag is
// cleared before the pass so a Save committing during it stays pending.
func (m *Manager) lazyBackfill(ctx context.Context, logger zerolog.Logger) {
	m.pending.Store(false)
	embedded, _, err := m.reindexer.backfill(ctx, true)
	if err != nil {
		m.pending.Store(true)
		logger.Warn().Err(err).Int("embedded", embedded).Msg("Embedding backfill incomplete")
		return
	}
	if embedded > 0 {
		logger.Debug().Int("embedded", embedded).Msg("Backfilled embeddings before recall")
	}
}

func (m *Manager) hydrateResults(ctx context.Context, ranked []RankedChunk) ([]RecallResult, error) {
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ChunkID
	}
	rows, err := m.store.loadRecallRows(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load recall results: %w", err)
	}

	results := make([]RecallResult, 0, len(ranked))
	for _, r := range ranked {
		row, ok := rows[r.ChunkID]
		if !ok {
			// Forgotten between search and load.
			continue
		}
		results = append(results, RecallResult{
			Chunk:            row.chunk,
			Score:            r.Score,
			KeywordScore:     r.KeywordScore,
			VectorScore:      r.VectorScore,
			DocumentMetadata: row.metadata,
		})
	}
	return results, nil
}

// Forget deletes a document with its chunks, embeddings and keyword entries.
func (m *Manager) Forget(ctx context.Context, documentID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.memory", "memory.forget",
		attribute.String("memory.document_id", documentID),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	ctx = context.WithoutCancel(ctx)
	if err := m.store.DeleteDocument(ctx, documentID); err != nil {
		tracing.FailSpan(span, err, "forget failed")
		observability.RecordMemoryAudit(ctx, "forget", "failure", map[string]interface{}{
			"document_id": documentID,
			"error":       err.Error(),
		})
		return err
	}

	observability.RecordMemoryAudit(ctx, "forget", "success", map[string]interface{}{
		"document_id": documentID,
	})
	m.publishEntries(ctx)
	return nil
}

// ListDocuments returns saved documents matching filter, oldest first.
func (m *Manager) ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.store.ListDocuments(ctx, filter)
}

// GetDocument returns one document with its chunks.
func (m *Manager) GetDocument(ctx context.Context, documentID string) (*Document, []Chunk, error) {
	if m.closed.Load() {
		return nil, nil, ErrClosed
	}
	doc, err := m.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := m.store.ChunksForDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	return doc, chunks, nil
}

// Reindex rebuilds the keyword index and backfills missing embeddings.
func (m *Manager) Reindex(ctx context.Context) (*ReindexReport, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	if m.embeddings != nil {
		m.pending.Store(false)
	}
	report, err := m.reindexer.Run(ctx)
	if err != nil {
		if m.embeddings != nil {
			m.pending.Store(true)
		}
		return report, err
	}

	now := time.Now().UTC()
	if err := m.store.setMeta(context.WithoutCancel(ctx), metaLastReindex, now.Format(time.RFC3339Nano)); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to record reindex time")
	}
	m.mu.Lock()
	m.lastReindex = &now
	m.mu.Unlock()

	if m.embeddings != nil && report.Skipped > 0 {
		m.pending.Store(true)
	}
	m.publishEntries(ctx)
	return report, nil
}

// PruneOlderThan forgets every document created before cutoff.
func (m *Manager) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	ctx = context.WithoutCancel(ctx)
	removed, err := m.store.DeleteDocumentsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune memory: %w", err)
	}

	if removed > 0 {
		observability.RecordMemoryAudit(ctx, "prune", "success", map[string]interface{}{
			"cutoff":  cutoff.Format(time.RFC3339),
			"removed": removed,
		})
		m.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Pruned old memories")
		m.publishEntries(ctx)
	}
	return removed, nil
}

// Stats returns current row counts and cache statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	counts, err := m.store.counts(ctx, m.modelID())
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Backend:        m.Name(),
		Documents:      counts.Documents,
		Chunks:         counts.Chunks,
		KeywordEntries: counts.KeywordEntries,
		CacheEntries:   counts.CacheEntries,
		CacheHitRate:   m.cache.HitRate(),
	}
	if m.embeddings != nil {
		stats.ModelID = m.embeddings.ModelID()
		stats.Embeddings = counts.Embeddings
		stats.MissingEmbeddings = counts.MissingEmbeddings
	}

	m.mu.RLock()
	if m.lastReindex != nil {
		t := *m.lastReindex
		stats.LastReindex = &t
	}
	m.mu.RUnlock()

	return stats, nil
}

func (m *Manager) publishEntries(ctx context.Context) {
	counts, err := m.store.counts(ctx, m.modelID())
	if err != nil {
		return
	}
	observability.SetMemoryEntries(counts.Chunks)
}

// Close releases the database. Further calls fail with ErrClosed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.cache.Flush(context.Background()); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to persist embedding cache recency")
	}
	return m.store.Close()
}
