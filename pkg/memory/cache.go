package memory

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEmbeddingCacheSize bounds the embedding cache when unset.
const DefaultEmbeddingCacheSize = 10000

// CachedEmbedding is one memoized provider result.
type CachedEmbedding struct {
	ModelID    string
	Dimensions int
	Vector     []float32
}

// EmbeddingCache is a persistent, size-bounded LRU cache keyed by content
// hash. Hits only record recency in memory; Put flushes it before evicting,
// so lookups never wait on the write path. Puts are serialized by putMu so
// concurrent writers never evict more entries than needed.
type EmbeddingCache struct {
	store    *Store
	capacity int

	putMu sync.Mutex

	// mu guards lastStamp and touched.
	mu        sync.Mutex
	lastStamp int64
	touched   map[string]int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewEmbeddingCache creates a cache holding at most capacity entries.
func NewEmbeddingCache(store *Store, capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = DefaultEmbeddingCacheSize
	}
	return &EmbeddingCache{store: store, capacity: capacity, touched: make(map[string]int64)}
}

// stamp returns a strictly increasing recency value so entries touched within
// the same clock tick still order deterministically. Callers hold mu.
func (c *EmbeddingCache) stamp() int64 {
	now := time.Now().UnixNano()
	if now <= c.lastStamp {
		now = c.lastStamp + 1
	}
	c.lastStamp = now
	return now
}

// Get returns the cached entry for hash and marks it most recently used.
func (c *EmbeddingCache) Get(ctx context.Context, hash string) (*CachedEmbedding, bool, error) {
	var entry CachedEmbedding
	var blob []byte
	err := c.store.db.QueryRowContext(ctx,
		"SELECT model_id, dimensions, vector_blob FROM embedding_cache WHERE content_hash = ?", hash,
	).Scan(&entry.ModelID, &entry.Dimensions, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entry.Vector, err = decodeVector(blob)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.touched[hash] = c.stamp()
	c.mu.Unlock()

	c.hits.Add(1)
	return &entry, true, nil
}

// takeTouched hands over the recency recorded since the last flush.
func (c *EmbeddingCache) takeTouched() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	touched := c.touched
	c.touched = make(map[string]int64)
	return touched
}

// restoreTouched puts back recency from a failed flush unless a newer hit
// already replaced it.
func (c *EmbeddingCache) restoreTouched(touched map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, stamp := range touched {
		if cur, ok := c.touched[hash]; !ok || cur < stamp {
			c.touched[hash] = stamp
		}
	}
}

func (c *EmbeddingCache) nextStamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stamp()
}

// Put stores an entry, flushes pending recency and evicts least-recently-used
// entries over capacity.
func (c *EmbeddingCache) Put(ctx context.Context, hash string, entry CachedEmbedding) error {
	c.putMu.Lock()
	defer c.putMu.Unlock()

	touched := c.takeTouched()
	err := c.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := writeTouchedTx(ctx, tx, touched); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_cache (content_hash, model_id, dimensions, vector_blob, last_used_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO UPDATE SET
				model_id = excluded.model_id,
				dimensions = excluded.dimensions,
				vector_blob = excluded.vector_blob,
				last_used_at = excluded.last_used_at
		`, hash, entry.ModelID, len(entry.Vector), encodeVector(entry.Vector), c.nextStamp())
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM embedding_cache WHERE content_hash IN (
				SELECT content_hash FROM embedding_cache
				ORDER BY last_used_at DESC, rowid DESC
				LIMIT -1 OFFSET ?
			)
		`, c.capacity)
		return err
	})
	if err != nil {
		c.restoreTouched(touched)
	}
	return err
}

// Flush persists recency recorded by hits since the last Put.
func (c *EmbeddingCache) Flush(ctx context.Context) error {
	c.putMu.Lock()
	defer c.putMu.Unlock()

	touched := c.takeTouched()
	if len(touched) == 0 {
		return nil
	}
	err := c.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		return writeTouchedTx(ctx, tx, touched)
	})
	if err != nil {
		c.restoreTouched(touched)
	}
	return err
}

func writeTouchedTx(ctx context.Context, tx *sql.Tx, touched map[string]int64) error {
	if len(touched) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, "UPDATE embedding_cache SET last_used_at = ? WHERE content_hash = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for hash, stamp := range touched {
		if _, err := stmt.ExecContext(ctx, stamp, hash); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_cache").Scan(&n)
	return n, err
}

// HitRate returns hits/(hits+misses) since creation, or nil before any lookup.
func (c *EmbeddingCache) HitRate() *float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return nil
	}
	rate := float64(hits) / float64(total)
	return &rate
}
