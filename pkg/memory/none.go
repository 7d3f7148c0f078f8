package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// NoneMemory is the explicit no-op backend. Writes are accepted and
// discarded; reads return nothing.
type NoneMemory struct {
	logger zerolog.Logger
}

// NewNoneMemory creates the no-op backend.
func NewNoneMemory(logger zerolog.Logger) *NoneMemory {
	return &NoneMemory{logger: logger}
}

func (n *NoneMemory) Name() string { return BackendNone }

func (n *NoneMemory) AutoSave() bool { return false }

// Save returns an empty id; nothing is persisted.
func (n *NoneMemory) Save(ctx context.Context, text string, metadata map[string]interface{}) (string, error) {
	n.logger.Debug().Msg("Memory backend disabled; save discarded")
	return "", nil
}

func (n *NoneMemory) Recall(ctx context.Context, query string, opts *RecallOptions) ([]RecallResult, error) {
	return []RecallResult{}, nil
}

// Forget always fails with ErrNotFound since no document ever exists.
func (n *NoneMemory) Forget(ctx context.Context, documentID string) error {
	return ErrNotFound
}

func (n *NoneMemory) ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error) {
	return []Document{}, nil
}

func (n *NoneMemory) Snapshot(ctx context.Context) ([]byte, error) {
	return []byte(`{"version":1,"documents":[]}`), nil
}

func (n *NoneMemory) Hydrate(ctx context.Context, blob []byte, overwrite bool) error {
	return validateSnapshot(blob)
}

func (n *NoneMemory) Reindex(ctx context.Context) (*ReindexReport, error) {
	return &ReindexReport{}, nil
}

func (n *NoneMemory) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (n *NoneMemory) Stats(ctx context.Context) (*Stats, error) {
	return &Stats{Backend: BackendNone}, nil
}

func (n *NoneMemory) Close() error { return nil }
