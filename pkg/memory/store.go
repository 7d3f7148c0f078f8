package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Keys of the metadata table.
const (
	metaActiveModel = "active_model"
	metaLastReindex = "last_reindex"
)

// missingEmbeddingBatch is the page size used when streaming chunks that still
// need an embedding.
const missingEmbeddingBatch = 64

// StoreConfig configures the persistent store.
type StoreConfig struct {
	Path string
	// OpenTimeout bounds how long Open waits for a locked database file.
	// Zero waits indefinitely.
	OpenTimeout time.Duration
	Logger      zerolog.Logger
}

// Store owns the single database file and its schema. All mutations go through
// one write path guarded by writeMu; reads use the connection pool freely.
type Store struct {
	db      *sql.DB
	path    string
	logger  zerolog.Logger
	writeMu sync.Mutex

	// afterExportList runs inside an export once the document list is read.
	// Tests use it to interleave writes.
	afterExportList func()
}

// OpenStore opens (or creates) the database at cfg.Path and ensures the schema.
// It fails with ErrStoreUnavailable when the file stays locked past OpenTimeout.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create database directory: %w", ErrStoreUnavailable, err)
		}
	}

	busyMs := int64(math.MaxInt32)
	if cfg.OpenTimeout > 0 {
		busyMs = cfg.OpenTimeout.Milliseconds()
		if busyMs == 0 {
			busyMs = 1
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=FULL&_txlock=immediate&_busy_timeout=%d", cfg.Path, busyMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrStoreUnavailable, err)
	}

	s := &Store{
		db:     db,
		path:   cfg.Path,
		logger: cfg.Logger,
	}

	openCtx := ctx
	if cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, cfg.OpenTimeout)
		defer cancel()
	}

	if err := s.checkWriteLock(openCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, cfg.Path, err)
	}

	if err := s.initSchema(openCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("Memory store opened")
	return s, nil
}

// checkWriteLock takes and releases the write lock once so that a database held
// by another process surfaces at open time instead of on the first save.
func (s *Store) checkWriteLock(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	return tx.Rollback()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			source_text TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);

		CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL,
			text TEXT NOT NULL,
			heading_path_json TEXT NOT NULL DEFAULT '[]',
			ordinal INTEGER NOT NULL,
			UNIQUE (document_id, ordinal),
			FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

		CREATE TABLE IF NOT EXISTS embeddings (
			chunk_id INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			vector_blob BLOB NOT NULL,
			magnitude REAL NOT NULL,
			PRIMARY KEY (chunk_id, model_id),
			FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model_id, dimensions);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			vector_blob BLOB NOT NULL,
			last_used_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_last_used ON embedding_cache(last_used_at);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, createKeywordTable(keywordTable))
		return err
	})
}

// withWriteTx runs fn inside a write transaction on the single write path.
// The commit is durable (synchronous=FULL) before withWriteTx returns.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutDocument inserts a new document row and returns its id. It never
// overwrites an existing document.
func (s *Store) PutDocument(ctx context.Context, sourceText string, metadata map[string]interface{}) (string, error) {
	doc := newDocument(sourceText, metadata)

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return insertDocumentTx(ctx, tx, doc)
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return doc.ID, nil
}

func newDocument(sourceText string, metadata map[string]interface{}) Document {
	return Document{
		ID:         uuid.New().String(),
		SourceText: sourceText,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, doc Document) error {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (id, source_text, metadata_json, created_at) VALUES (?, ?, ?, ?)",
		doc.ID, doc.SourceText, metadataJSON, doc.CreatedAt.UnixNano(),
	)
	return err
}

// SaveDocument inserts a document and its chunks in one transaction, so a
// document is never visible without its chunks and keyword entries.
func (s *Store) SaveDocument(ctx context.Context, sourceText string, metadata map[string]interface{}, chunks []Chunk) (*Document, []Chunk, error) {
	doc := newDocument(sourceText, metadata)

	var stored []Chunk
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := insertDocumentTx(ctx, tx, doc); err != nil {
			return err
		}
		var err error
		stored, err = insertChunksTx(ctx, tx, doc.ID, chunks)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to save document: %w", err)
	}
	return &doc, stored, nil
}

// PutChunks inserts all chunks of a document as one set, along with their
// keyword index entries. The returned chunks carry their assigned ids.
func (s *Store) PutChunks(ctx context.Context, documentID string, chunks []Chunk) ([]Chunk, error) {
	var stored []Chunk
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", documentID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}

		stored, err = insertChunksTx(ctx, tx, documentID, chunks)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert chunks: %w", err)
	}
	return stored, nil
}

func insertChunksTx(ctx context.Context, tx *sql.Tx, documentID string, chunks []Chunk) ([]Chunk, error) {
	stored := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		headingJSON, err := marshalHeadingPath(c.HeadingPath)
		if err != nil {
			return nil, err
		}

		result, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (document_id, text, heading_path_json, ordinal) VALUES (?, ?, ?, ?)",
			documentID, c.Text, headingJSON, c.Ordinal,
		)
		if err != nil {
			return nil, err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, err
		}

		c.ID = id
		c.DocumentID = documentID
		if c.HeadingPath == nil {
			c.HeadingPath = []string{}
		}
		stored = append(stored, c)
	}

	if err := indexChunksTx(ctx, tx, keywordTable, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// PutEmbedding upserts the vector of one chunk for one model.
func (s *Store) PutEmbedding(ctx context.Context, chunkID int64, modelID string, vector []float32) error {
	if len(vector) == 0 {
		return errors.New("embedding vector is empty")
	}
	blob := encodeVector(vector)

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE id = ?", chunkID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: chunk %d", ErrNotFound, chunkID)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings (chunk_id, model_id, dimensions, vector_blob, magnitude)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id, model_id) DO UPDATE SET
				dimensions = excluded.dimensions,
				vector_blob = excluded.vector_blob,
				magnitude = excluded.magnitude
		`, chunkID, modelID, len(vector), blob, magnitude(vector))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store embedding for chunk %d: %w", chunkID, err)
	}
	return nil
}

// DeleteDocument removes a document with its chunks, embeddings and keyword
// entries in one transaction.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return deleteDocumentTx(ctx, tx, documentID)
	})
}

func deleteDocumentTx(ctx context.Context, tx *sql.Tx, documentID string) error {
	if err := unindexDocumentTx(ctx, tx, keywordTable, documentID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", documentID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	return nil
}

// DeleteDocumentsBefore removes every document created before cutoff and
// returns how many were removed.
func (s *Store) DeleteDocumentsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT id FROM documents WHERE created_at < ?", cutoff.UnixNano())
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := deleteDocumentTx(ctx, tx, id); err != nil {
				return err
			}
		}
		removed = len(ids)
		return nil
	})
	return removed, err
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, source_text, metadata_json, created_at FROM documents WHERE id = ?", documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ListDocuments returns documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error) {
	return listDocuments(ctx, s.db, filter)
}

func listDocuments(ctx context.Context, q queryer, filter DocumentFilter) ([]Document, error) {
	query := "SELECT id, source_text, metadata_json, created_at FROM documents"
	var where []string
	var args []interface{}
	if filter.Source != "" {
		where = append(where, "json_extract(metadata_json, '$.source') = ?")
		args = append(args, filter.Source)
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.CreatedBefore.UnixNano())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// ChunksForDocument returns the chunks of a document in ordinal order.
func (s *Store) ChunksForDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, text, heading_path_json, ordinal FROM chunks WHERE document_id = ? ORDER BY ordinal",
		documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// IterChunksMissingEmbedding lazily streams chunks that have no embedding for
// modelID, in ascending id order. Pages are fetched by keyset so writers are
// never blocked by an open cursor and a stopped iteration can simply be resumed.
func (s *Store) IterChunksMissingEmbedding(ctx context.Context, modelID string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		var after int64
		for {
			page, err := s.missingEmbeddingPage(ctx, modelID, after, missingEmbeddingBatch)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
				after = c.ID
			}
			if len(page) < missingEmbeddingBatch {
				return
			}
		}
	}
}

func (s *Store) missingEmbeddingPage(ctx context.Context, modelID string, after int64, limit int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.text, c.heading_path_json, c.ordinal
		FROM chunks c
		WHERE c.id > ?
			AND NOT EXISTS (
				SELECT 1 FROM embeddings e WHERE e.chunk_id = c.id AND e.model_id = ?
			)
		ORDER BY c.id
		LIMIT ?
	`, after, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *c)
	}
	return page, rows.Err()
}

// recallRow is a chunk joined with its owning document's metadata.
type recallRow struct {
	chunk    Chunk
	metadata map[string]interface{}
}

func (s *Store) loadRecallRows(ctx context.Context, ids []int64) (map[int64]recallRow, error) {
	out := make(map[int64]recallRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.text, c.heading_path_json, c.ordinal, d.metadata_json
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Chunk
		var headingJSON, metadataJSON string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Text, &headingJSON, &c.Ordinal, &metadataJSON); err != nil {
			return nil, err
		}
		if c.HeadingPath, err = unmarshalHeadingPath(headingJSON); err != nil {
			return nil, err
		}
		metadata, err := unmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, err
		}
		out[c.ID] = recallRow{chunk: c, metadata: metadata}
	}
	return out, rows.Err()
}

// storeCounts holds row counts of every table, used for stats and invariants.
type storeCounts struct {
	Documents         int
	Chunks            int
	KeywordEntries    int
	Embeddings        int
	MissingEmbeddings int
	CacheEntries      int
}

func (s *Store) counts(ctx context.Context, modelID string) (storeCounts, error) {
	var c storeCounts
	queries := []struct {
		dest  *int
		query string
		args  []interface{}
	}{
		{&c.Documents, "SELECT COUNT(*) FROM documents", nil},
		{&c.Chunks, "SELECT COUNT(*) FROM chunks", nil},
		{&c.KeywordEntries, "SELECT COUNT(*) FROM " + keywordTable, nil},
		{&c.Embeddings, "SELECT COUNT(*) FROM embeddings WHERE model_id = ?", []interface{}{modelID}},
		{&c.MissingEmbeddings, `SELECT COUNT(*) FROM chunks c WHERE NOT EXISTS (
			SELECT 1 FROM embeddings e WHERE e.chunk_id = c.id AND e.model_id = ?)`, []interface{}{modelID}},
		{&c.CacheEntries, "SELECT COUNT(*) FROM embedding_cache", nil},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return c, err
		}
	}
	return c, nil
}

// getMeta reads a value from the metadata table. Missing keys return "".
func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value)
		return err
	})
}

// switchActiveModel records modelID as the active embedding model and drops
// vectors of any other model, since they are not comparable.
func (s *Store) switchActiveModel(ctx context.Context, modelID string) (int64, error) {
	var dropped int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE model_id <> ?", modelID)
		if err != nil {
			return err
		}
		if dropped, err = result.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			metaActiveModel, modelID)
		return err
	})
	return dropped, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var metadataJSON string
	var createdAt int64
	if err := row.Scan(&doc.ID, &doc.SourceText, &metadataJSON, &createdAt); err != nil {
		return nil, err
	}
	metadata, err := unmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	return &doc, nil
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var headingJSON string
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Text, &headingJSON, &c.Ordinal); err != nil {
		return nil, err
	}
	path, err := unmarshalHeadingPath(headingJSON)
	if err != nil {
		return nil, err
	}
	c.HeadingPath = path
	return &c, nil
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(data string) (map[string]interface{}, error) {
	metadata := map[string]interface{}{}
	if data == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func marshalHeadingPath(path []string) (string, error) {
	if len(path) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(path)
	if err != nil {
		return "", fmt.Errorf("failed to marshal heading path: %w", err)
	}
	return string(data), nil
}

func unmarshalHeadingPath(data string) ([]string, error) {
	path := []string{}
	if data == "" {
		return path, nil
	}
	if err := json.Unmarshal([]byte(data), &path); err != nil {
		return nil, fmt.Errorf("failed to unmarshal heading path: %w", err)
	}
	return path, nil
}
