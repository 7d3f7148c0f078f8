package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

const (
	keywordTable      = "chunks_fts"
	keywordBuildTable = "chunks_fts_build"
)

func createKeywordTable(name string) string {
	return fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(content, tokenize='porter unicode61')", name)
}

// indexChunksTx adds keyword entries for chunks. The FTS rowid is the chunk id.
func indexChunksTx(ctx context.Context, tx *sql.Tx, table string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+table+" (rowid, content) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, keywordContent(c)); err != nil {
			return fmt.Errorf("failed to index chunk %d: %w", c.ID, err)
		}
	}
	return nil
}

func unindexDocumentTx(ctx context.Context, tx *sql.Tx, table, documentID string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE rowid IN (SELECT id FROM chunks WHERE document_id = ?)", documentID)
	return err
}

// keywordContent is the indexed text of a chunk: its headings followed by its
// body, so a heading term matches every chunk beneath it. A chunk that opens
// with its own heading line only gets the ancestors prepended.
func keywordContent(c Chunk) string {
	path := c.HeadingPath
	if len(path) > 0 {
		first, _, _ := strings.Cut(c.Text, "\n")
		if _, title, ok := parseHeading(first); ok && title == path[len(path)-1] {
			path = path[:len(path)-1]
		}
	}
	if len(path) == 0 {
		return c.Text
	}
	return strings.Join(path, " ") + "\n" + c.Text
}

// KeywordIndex ranks chunks by BM25 relevance using the FTS5 table kept in
// step with the chunks table.
type KeywordIndex struct {
	store *Store

	// buildMu keeps two rebuilds from sharing the build table.
	buildMu sync.Mutex

	// afterBuild runs between the batched build and the final catch-up,
	// outside any transaction. beforeSwap runs after the fresh index is
	// validated, right before it replaces the active one. Tests use both.
	afterBuild func()
	beforeSwap func(tx *sql.Tx) error
}

// NewKeywordIndex creates a keyword index over the store.
func NewKeywordIndex(store *Store) *KeywordIndex {
	return &KeywordIndex{store: store}
}

// Search returns up to limit chunks matching any query term, best first.
// Scores are positive; higher is more relevant.
func (k *KeywordIndex) Search(ctx context.Context, query string, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		return []ScoredChunk{}, nil
	}
	match := buildMatchQuery(query)
	if match == "" {
		return []ScoredChunk{}, nil
	}

	// bm25() is lower-is-better, so negate for the caller.
	rows, err := k.store.db.QueryContext(ctx, `
		SELECT rowid, bm25(`+keywordTable+`) AS score
		FROM `+keywordTable+`
		WHERE `+keywordTable+` MATCH ?
		ORDER BY score ASC, rowid ASC
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	results := make([]ScoredChunk, 0, limit)
	for rows.Next() {
		var r ScoredChunk
		var score float64
		if err := rows.Scan(&r.ChunkID, &score); err != nil {
			return nil, err
		}
		r.Score = -score
		results = append(results, r)
	}
	return results, rows.Err()
}

// Count returns the number of keyword entries.
func (k *KeywordIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := k.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+keywordTable).Scan(&n)
	return n, err
}

// Digest hashes the indexed content in rowid order. Two indexes over the same
// chunk set produce the same digest.
func (k *KeywordIndex) Digest(ctx context.Context) (string, error) {
	rows, err := k.store.db.QueryContext(ctx, "SELECT rowid, content FROM "+keywordTable+" ORDER BY rowid")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%d\x00%s\x00", id, content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// rebuildBatchSize is the number of chunks indexed per write transaction
// while building a fresh index.
const rebuildBatchSize = 500

// Rebuild builds a fresh keyword index from the live chunk set and swaps it in
// as the active index. The build runs in short batches so other writers are
// never held back for more than one batch; a final transaction catches up
// with chunks saved or forgotten meanwhile, validates the result and swaps.
// On any failure the active index is untouched. It returns the number of
// entries in the new index.
func (k *KeywordIndex) Rebuild(ctx context.Context) (int, error) {
	k.buildMu.Lock()
	defer k.buildMu.Unlock()

	entries, err := k.rebuild(ctx)
	if err != nil {
		k.dropBuildTable(ctx)
		return 0, fmt.Errorf("%w: %w", ErrReindexFailed, err)
	}
	return entries, nil
}

func (k *KeywordIndex) rebuild(ctx context.Context) (int, error) {
	err := k.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+keywordBuildTable); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, createKeywordTable(keywordBuildTable))
		return err
	})
	if err != nil {
		return 0, err
	}

	var lastID int64
	for {
		var n int
		err := k.store.withWriteTx(ctx, func(tx *sql.Tx) error {
			batch, err := queryChunksTx(ctx, tx,
				"SELECT id, document_id, text, heading_path_json, ordinal FROM chunks WHERE id > ? ORDER BY id LIMIT ?",
				lastID, rebuildBatchSize)
			if err != nil {
				return err
			}
			n = len(batch)
			if n == 0 {
				return nil
			}
			lastID = batch[n-1].ID
			return indexChunksTx(ctx, tx, keywordBuildTable, batch)
		})
		if err != nil {
			return 0, err
		}
		if n < rebuildBatchSize {
			break
		}
	}

	if k.afterBuild != nil {
		k.afterBuild()
	}

	var entries int
	err = k.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+keywordBuildTable+" WHERE rowid NOT IN (SELECT id FROM chunks)"); err != nil {
			return err
		}
		missing, err := queryChunksTx(ctx, tx,
			"SELECT id, document_id, text, heading_path_json, ordinal FROM chunks WHERE id NOT IN (SELECT rowid FROM "+keywordBuildTable+") ORDER BY id")
		if err != nil {
			return err
		}
		if err := indexChunksTx(ctx, tx, keywordBuildTable, missing); err != nil {
			return err
		}

		var live int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&live); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+keywordBuildTable).Scan(&entries); err != nil {
			return err
		}
		if entries != live {
			return fmt.Errorf("fresh index has %d entries for %d chunks", entries, live)
		}

		if k.beforeSwap != nil {
			if err := k.beforeSwap(tx); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE "+keywordTable); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "ALTER TABLE "+keywordBuildTable+" RENAME TO "+keywordTable)
		return err
	})
	if err != nil {
		return 0, err
	}
	return entries, nil
}

// dropBuildTable discards a partial build so it never outlives a failed run.
func (k *KeywordIndex) dropBuildTable(ctx context.Context) {
	_ = k.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+keywordBuildTable)
		return err
	})
}

func queryChunksTx(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]Chunk, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
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

// buildMatchQuery turns free text into an FTS5 query that ORs every term.
// Terms are quoted so user input can never be parsed as FTS5 syntax.
func buildMatchQuery(query string) string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}
