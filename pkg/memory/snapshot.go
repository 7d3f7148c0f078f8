package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ranya-memory/internal/observability"
	"github.com/harun/ranya-memory/internal/tracing"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// SnapshotVersion is the format version written by Snapshot.
const SnapshotVersion = 1

// snapshotFile is the wire format of a snapshot. Embeddings and the cache are
// derived data and are not exported; keyword entries are rebuilt on hydrate.
type snapshotFile struct {
	Version   int                `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Documents []snapshotDocument `json:"documents"`
}

type snapshotDocument struct {
	ID         string                 `json:"id"`
	SourceText string                 `json:"source_text"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	Chunks     []snapshotChunk        `json:"chunks"`
}

type snapshotChunk struct {
	Text        string   `json:"text"`
	HeadingPath []string `json:"heading_path"`
	Ordinal     int      `json:"ordinal"`
}

var snapshotSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"version", "documents"},
	"properties": map[string]interface{}{
		"version":    map[string]interface{}{"type": "integer", "enum": []interface{}{SnapshotVersion}},
		"created_at": map[string]interface{}{"type": "string"},
		"documents": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"id", "source_text", "created_at", "chunks"},
				"properties": map[string]interface{}{
					"id":          map[string]interface{}{"type": "string", "minLength": 1},
					"source_text": map[string]interface{}{"type": "string"},
					"metadata":    map[string]interface{}{"type": []interface{}{"object", "null"}},
					"created_at":  map[string]interface{}{"type": "string"},
					"chunks": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type":     "object",
							"required": []interface{}{"text", "ordinal"},
							"properties": map[string]interface{}{
								"text": map[string]interface{}{"type": "string"},
								"heading_path": map[string]interface{}{
									"type":  []interface{}{"array", "null"},
									"items": map[string]interface{}{"type": "string"},
								},
								"ordinal": map[string]interface{}{"type": "integer", "minimum": 0},
							},
						},
					},
				},
			},
		},
	},
}

func validateSnapshot(blob []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(snapshotSchema))
	if err != nil {
		return fmt.Errorf("failed to compile snapshot schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(blob))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(errs, "; "))
	}
	return nil
}

// Snapshot exports every document with its chunks as an opaque blob.
func (m *Manager) Snapshot(ctx context.Context) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.memory", "memory.snapshot")
	defer span.End()

	snap, err := m.store.exportAll(ctx)
	if err != nil {
		tracing.FailSpan(span, err, "export failed")
		return nil, fmt.Errorf("failed to export memory: %w", err)
	}
	span.SetAttributes(attribute.Int("memory.documents", len(snap.Documents)))

	return json.MarshalIndent(snap, "", "  ")
}

// Hydrate imports a snapshot. It fails with ErrStoreNotEmpty when the store
// holds documents, unless overwrite is set, in which case existing content is
// replaced in the same transaction.
func (m *Manager) Hydrate(ctx context.Context, blob []byte, overwrite bool) error {
	if m.closed.Load() {
		return ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.memory", "memory.hydrate",
		attribute.Bool("memory.overwrite", overwrite),
	)
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	if err := validateSnapshot(blob); err != nil {
		tracing.FailSpan(span, err, "invalid snapshot")
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	if err := m.store.importAll(ctx, &snap, overwrite); err != nil {
		tracing.FailSpan(span, err, "import failed")
		observability.RecordMemoryAudit(ctx, "hydrate", "failure", map[string]interface{}{
			"documents": len(snap.Documents),
			"overwrite": overwrite,
			"error":     err.Error(),
		})
		return err
	}

	observability.RecordMemoryAudit(ctx, "hydrate", "success", map[string]interface{}{
		"documents": len(snap.Documents),
		"overwrite": overwrite,
	})
	if m.embeddings != nil {
		m.pending.Store(true)
	}
	m.publishEntries(ctx)
	m.logger.Info().Int("documents", len(snap.Documents)).Bool("overwrite", overwrite).Msg("Memory hydrated")
	return nil
}

// SnapshotToFile writes a snapshot to path through a temp file and rename.
func SnapshotToFile(ctx context.Context, mem Memory, path string) error {
	blob, err := mem.Snapshot(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// HydrateFromFile loads a snapshot written by SnapshotToFile.
func HydrateFromFile(ctx context.Context, mem Memory, path string, overwrite bool) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return mem.Hydrate(ctx, blob, overwrite)
}

// AutoHydrate restores the snapshot at path into an empty store. A missing
// snapshot or a non-empty store is not an error; it reports whether anything
// was imported.
func AutoHydrate(ctx context.Context, mem Memory, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	stats, err := mem.Stats(ctx)
	if err != nil {
		return false, err
	}
	if stats.Documents > 0 {
		return false, nil
	}

	if err := HydrateFromFile(ctx, mem, path, false); err != nil {
		return false, err
	}
	return true, nil
}

// exportAll reads every document and chunk from one read snapshot on a
// pinned connection, so concurrent writers neither block nor tear the export.
func (s *Store) exportAll(ctx context.Context) (*snapshotFile, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return nil, err
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")

	docs, err := listDocuments(ctx, conn, DocumentFilter{})
	if err != nil {
		return nil, err
	}
	if s.afterExportList != nil {
		s.afterExportList()
	}

	chunks, err := chunksByDocument(ctx, conn)
	if err != nil {
		return nil, err
	}

	snap := &snapshotFile{
		Version:   SnapshotVersion,
		CreatedAt: time.Now().UTC(),
		Documents: make([]snapshotDocument, 0, len(docs)),
	}
	for _, d := range docs {
		sd := snapshotDocument{
			ID:         d.ID,
			SourceText: d.SourceText,
			Metadata:   d.Metadata,
			CreatedAt:  d.CreatedAt,
			Chunks:     make([]snapshotChunk, 0, len(chunks[d.ID])),
		}
		for _, c := range chunks[d.ID] {
			sd.Chunks = append(sd.Chunks, snapshotChunk{
				Text:        c.Text,
				HeadingPath: c.HeadingPath,
				Ordinal:     c.Ordinal,
			})
		}
		snap.Documents = append(snap.Documents, sd)
	}
	return snap, nil
}

func chunksByDocument(ctx context.Context, q queryer) (map[string][]Chunk, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, document_id, text, heading_path_json, ordinal FROM chunks ORDER BY document_id, ordinal")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byDoc := make(map[string][]Chunk)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], *c)
	}
	return byDoc, rows.Err()
}

func (s *Store) importAll(ctx context.Context, snap *snapshotFile, overwrite bool) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			if !overwrite {
				return fmt.Errorf("%w: %d documents", ErrStoreNotEmpty, existing)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+keywordTable); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM documents"); err != nil {
				return err
			}
		}

		for _, sd := range snap.Documents {
			doc := Document{
				ID:         sd.ID,
				SourceText: sd.SourceText,
				Metadata:   sd.Metadata,
				CreatedAt:  sd.CreatedAt.UTC(),
			}
			if err := insertDocumentTx(ctx, tx, doc); err != nil {
				return fmt.Errorf("failed to import document %s: %w", sd.ID, err)
			}

			chunks := make([]Chunk, len(sd.Chunks))
			for i, c := range sd.Chunks {
				chunks[i] = Chunk{Text: c.Text, HeadingPath: c.HeadingPath, Ordinal: c.Ordinal}
			}
			if _, err := insertChunksTx(ctx, tx, doc.ID, chunks); err != nil {
				return fmt.Errorf("failed to import chunks of %s: %w", sd.ID, err)
			}
		}
		return nil
	})
}
