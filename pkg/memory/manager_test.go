package memory

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, provider EmbeddingProvider) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "memory.db"))
	cfg.Logger = zerolog.New(os.Stdout).Level(zerolog.Disabled)
	cfg.EmbeddingProvider = provider
	cfg.AutoSave = false
	return cfg
}

func createTestManager(t *testing.T, provider EmbeddingProvider, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := testConfig(t, provider)
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func weight(v float64) *float64 { return &v }

func resultIDs(results []RecallResult) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.ID
	}
	return ids
}

func TestNewManager_RequiresPath(t *testing.T) {
	_, err := NewManager(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, testConfig(t, nil))
	require.NoError(t, err)
	defer mem.Close()
	assert.Equal(t, BackendSQLite, mem.Name())

	cfg := testConfig(t, nil)
	cfg.Backend = "none"
	none, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, BackendNone, none.Name())

	cfg.Backend = "qdrant"
	_, err = Open(ctx, cfg)
	assert.Error(t, err)
}

func TestSave_ChunksByHeading(t *testing.T) {
	m := createTestManager(t, nil, func(c *Config) { c.Chunker.MaxLines = 2 })
	ctx := context.Background()

	id, err := m.Save(ctx, "# Setup\nInstall deps.\n# Run\nStart the daemon.", map[string]interface{}{"kind": "note"})
	require.NoError(t, err)

	doc, chunks, err := m.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "note", doc.Metadata["kind"])
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"Setup"}, chunks[0].HeadingPath)
	assert.Equal(t, []string{"Run"}, chunks[1].HeadingPath)
}

func TestSave_EmptyContent(t *testing.T) {
	m := createTestManager(t, nil)
	_, err := m.Save(context.Background(), "  \n ", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestRecall_KeywordOnlyScenario(t *testing.T) {
	m := createTestManager(t, nil, func(c *Config) {
		c.Chunker.MaxLines = 2
		c.VectorWeight = 0
	})
	ctx := context.Background()

	_, err := m.Save(ctx, "# Setup\nInstall deps.\n# Run\nStart the daemon.", nil)
	require.NoError(t, err)

	results, err := m.Recall(ctx, "daemon", &RecallOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"Run"}, results[0].Chunk.HeadingPath)
	require.NotNil(t, results[0].KeywordScore)
	assert.Nil(t, results[0].VectorScore)
}

func TestRecall_EdgeCases(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()
	_, err := m.Save(ctx, "something to find", nil)
	require.NoError(t, err)

	results, err := m.Recall(ctx, "", nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = m.Recall(ctx, "find", &RecallOptions{Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = m.Recall(ctx, "nomatch", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecall_DocumentMetadata(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()
	_, err := m.Save(ctx, "the launch checklist", map[string]interface{}{"source": "chat", "turn": 3})
	require.NoError(t, err)

	results, err := m.Recall(ctx, "checklist", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chat", results[0].DocumentMetadata["source"])
	assert.Equal(t, float64(3), results[0].DocumentMetadata["turn"])
}

func TestRecall_HybridWithEmbeddings(t *testing.T) {
	provider := NewMockEmbeddingProvider(64)
	m := createTestManager(t, provider, func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	_, err := m.Save(ctx, "start the daemon with systemd", nil)
	require.NoError(t, err)
	_, err = m.Save(ctx, "bake bread at home", nil)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embeddings)
	assert.Zero(t, stats.MissingEmbeddings)

	results, err := m.Recall(ctx, "daemon systemd", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Chunk.Text, "daemon")
	require.NotNil(t, results[0].VectorScore)
	require.NotNil(t, results[0].KeywordScore)
}

func TestRecall_MonotonicWeights(t *testing.T) {
	provider := NewMockEmbeddingProvider(64)
	m := createTestManager(t, provider, func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	for _, text := range []string{
		"the daemon restarts nightly",
		"daemon logs rotate daily and the daemon rotates keys",
		"grocery list milk eggs",
		"the night shift restarts services",
	} {
		_, err := m.Save(ctx, text, nil)
		require.NoError(t, err)
	}
	query := "daemon restarts"
	limit := 10

	keywordOnly, err := m.keyword.Search(ctx, query, limit)
	require.NoError(t, err)
	results, err := m.Recall(ctx, query, &RecallOptions{Limit: limit, VectorWeight: weight(0)})
	require.NoError(t, err)
	expected := make([]int64, len(keywordOnly))
	for i, k := range keywordOnly {
		expected[i] = k.ChunkID
	}
	assert.Equal(t, expected, resultIDs(results))

	queryVector, err := m.embeddings.Embed(ctx, query, m.embeddings.ModelID())
	require.NoError(t, err)
	vectorOnly, err := m.vector.Search(ctx, queryVector, m.embeddings.ModelID(), limit)
	require.NoError(t, err)
	results, err = m.Recall(ctx, query, &RecallOptions{Limit: limit, KeywordWeight: weight(0)})
	require.NoError(t, err)
	expected = make([]int64, len(vectorOnly))
	for i, v := range vectorOnly {
		expected[i] = v.ChunkID
	}
	assert.Equal(t, expected, resultIDs(results))
}

func TestRecall_DegradesWhenProviderFails(t *testing.T) {
	provider := NewMockEmbeddingProvider(32)
	m := createTestManager(t, provider, func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	provider.fail.Store(true)
	_, err := m.Save(ctx, "keyword still works", nil)
	require.NoError(t, err)

	results, err := m.Recall(ctx, "keyword", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].VectorScore)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MissingEmbeddings)
}

func TestRecall_VectorOnlyFallsBackToKeyword(t *testing.T) {
	provider := NewMockEmbeddingProvider(32)
	m := createTestManager(t, provider, func(c *Config) {
		c.KeywordWeight = 0
		c.VectorWeight = 1
	})
	ctx := context.Background()

	provider.fail.Store(true)
	_, err := m.Save(ctx, "start the daemon", nil)
	require.NoError(t, err)
	_, err = m.Save(ctx, "the daemon restarts the daemon", nil)
	require.NoError(t, err)

	results, err := m.Recall(ctx, "daemon", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	keywordOnly, err := m.keyword.Search(ctx, "daemon", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{keywordOnly[0].ChunkID, keywordOnly[1].ChunkID}, resultIDs(results))
	for _, r := range results {
		assert.Nil(t, r.VectorScore)
	}
}

func TestRecall_VectorOnlyWithoutProviderUsesKeyword(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()
	_, err := m.Save(ctx, "keyword mode still answers", nil)
	require.NoError(t, err)

	results, err := m.Recall(ctx, "answers", &RecallOptions{KeywordWeight: weight(0), VectorWeight: weight(1)})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRecall_NotBlockedByKeywordSwap(t *testing.T) {
	provider := NewMockEmbeddingProvider(32)
	m := createTestManager(t, provider, func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	_, err := m.Save(ctx, "start the daemon with systemd", nil)
	require.NoError(t, err)
	_, err = m.Recall(ctx, "daemon", nil)
	require.NoError(t, err)

	swapping := make(chan struct{})
	m.keyword.beforeSwap = func(tx *sql.Tx) error {
		close(swapping)
		time.Sleep(time.Second)
		return nil
	}
	reindexed := make(chan error, 1)
	go func() {
		_, err := m.Reindex(ctx)
		reindexed <- err
	}()
	<-swapping

	start := time.Now()
	results, err := m.Recall(ctx, "daemon", nil)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.Less(t, elapsed, 500*time.Millisecond)

	require.NoError(t, <-reindexed)
}

func TestRecall_LazilyBackfills(t *testing.T) {
	provider := NewMockEmbeddingProvider(32)
	m := createTestManager(t, provider)
	ctx := context.Background()

	_, err := m.Save(ctx, "embed me later", nil)
	require.NoError(t, err)
	assert.Zero(t, provider.calls.Load())

	_, err = m.Recall(ctx, "embed", nil)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Embeddings)
	assert.Zero(t, stats.MissingEmbeddings)
}

func TestRecall_SaveDuringBackfillStaysPending(t *testing.T) {
	provider := NewMockEmbeddingProvider(32)
	m := createTestManager(t, provider)
	ctx := context.Background()

	_, err := m.Save(ctx, "first note", nil)
	require.NoError(t, err)

	var once sync.Once
	provider.onEmbed = func(text string) {
		if text != "first note" {
			return
		}
		once.Do(func() {
			_, err := m.Save(ctx, "second note", nil)
			assert.NoError(t, err)
		})
	}

	_, err = m.Recall(ctx, "note", nil)
	require.NoError(t, err)
	assert.True(t, m.pending.Load())

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MissingEmbeddings)

	_, err = m.Recall(ctx, "note", nil)
	require.NoError(t, err)
	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.MissingEmbeddings)
	assert.False(t, m.pending.Load())
}

func TestRecall_CancelledContext(t *testing.T) {
	m := createTestManager(t, nil)
	_, err := m.Save(context.Background(), "cancel me", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Recall(ctx, "cancel", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSave_DimensionMismatchRollsBack(t *testing.T) {
	provider := NewMockEmbeddingProvider(32)
	provider.output = 8
	m := createTestManager(t, provider, func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	_, err := m.Save(ctx, "bad vectors", nil)
	assert.ErrorIs(t, err, ErrEmbeddingDimensionMismatch)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Chunks)
	assert.Zero(t, stats.KeywordEntries)
}

func TestForget_RoundTripLeavesNoOrphans(t *testing.T) {
	provider := NewMockEmbeddingProvider(16)
	m := createTestManager(t, provider, func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	_, err := m.Save(ctx, "existing memory", nil)
	require.NoError(t, err)
	before, err := m.Stats(ctx)
	require.NoError(t, err)

	id, err := m.Save(ctx, "# A\nfirst part\n# B\nsecond part", nil)
	require.NoError(t, err)
	require.NoError(t, m.Forget(ctx, id))

	after, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Documents, after.Documents)
	assert.Equal(t, before.Chunks, after.Chunks)
	assert.Equal(t, before.Embeddings, after.Embeddings)
	assert.Equal(t, before.KeywordEntries, after.KeywordEntries)
}

func TestForget_UnknownID(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()
	_, err := m.Save(ctx, "keep", nil)
	require.NoError(t, err)
	before, err := m.Stats(ctx)
	require.NoError(t, err)

	err = m.Forget(ctx, "4f1c6a7e-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	after, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestKeywordInvariant_AfterSaveForgetSequence(t *testing.T) {
	m := createTestManager(t, nil, func(c *Config) { c.Chunker.MaxLines = 1 })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := m.Save(ctx, "line one\nline two\nline three", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i += 2 {
		require.NoError(t, m.Forget(ctx, ids[i]))
	}

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Chunks)
	assert.Equal(t, stats.Chunks, stats.KeywordEntries)
}

func TestConcurrentSaveAndRecall(t *testing.T) {
	m := createTestManager(t, NewMockEmbeddingProvider(16), func(c *Config) { c.EagerEmbedding = true })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Save(ctx, "concurrent note about deploys", nil)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := m.Recall(ctx, "deploys", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Documents)
	assert.Equal(t, stats.Chunks, stats.KeywordEntries)
}

func TestReopen_ModelChangeDropsVectors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testConfig(t, NewMockEmbeddingProvider(16))
	cfg.DBPath = filepath.Join(dir, "memory.db")
	cfg.EagerEmbedding = true

	m, err := NewManager(ctx, cfg)
	require.NoError(t, err)
	_, err = m.Save(ctx, "vectors from the first model", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	cfg.EmbeddingProvider = &renamedProvider{MockEmbeddingProvider: NewMockEmbeddingProvider(16)}
	m, err = NewManager(ctx, cfg)
	require.NoError(t, err)
	defer m.Close()

	var n int
	require.NoError(t, m.store.db.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&n))
	assert.Zero(t, n)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MissingEmbeddings)
}

type renamedProvider struct {
	*MockEmbeddingProvider
}

func (p *renamedProvider) Model() string { return "bow-v2" }

func TestReopen_RepairsKeywordIndex(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, nil)

	m, err := NewManager(ctx, cfg)
	require.NoError(t, err)
	_, err = m.Save(ctx, "repair target", nil)
	require.NoError(t, err)
	_, err = m.store.db.Exec("DELETE FROM " + keywordTable)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m, err = NewManager(ctx, cfg)
	require.NoError(t, err)
	defer m.Close()

	results, err := m.Recall(ctx, "repair", nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestReindex_RecordsLastRun(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()
	_, err := m.Save(ctx, "one", nil)
	require.NoError(t, err)

	report, err := m.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.KeywordEntries)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.LastReindex)
	assert.WithinDuration(t, time.Now(), *stats.LastReindex, time.Minute)
}

func TestPruneOlderThan(t *testing.T) {
	m := createTestManager(t, nil)
	ctx := context.Background()

	old, err := m.Save(ctx, "ancient note", nil)
	require.NoError(t, err)
	_, err = m.store.db.Exec("UPDATE documents SET created_at = ? WHERE id = ?", time.Now().AddDate(0, 0, -40).UnixNano(), old)
	require.NoError(t, err)
	_, err = m.Save(ctx, "fresh note", nil)
	require.NoError(t, err)

	removed, err := m.PruneOlderThan(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	docs, err := m.ListDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "fresh note", docs[0].SourceText)
}

func TestClosedManager(t *testing.T) {
	m := createTestManager(t, nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Save(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Recall(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
