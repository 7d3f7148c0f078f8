// Package memory is a persistent hybrid search engine for agent memory.
//
// Saved text is split into heading-aware chunks, stored in one SQLite file and
// indexed twice: an FTS5 table ranked with BM25 and, when an embedding provider
// is configured, per-model vectors compared by cosine similarity through
// sqlite-vec. Recall fuses both rankings with configurable weights.
//
// Invariants:
// - The keyword index holds exactly one entry per live chunk after every write.
// - Vectors are only compared within one model id and dimension count.
// - A failed reindex leaves the previously active keyword index in place.
// - Recall never fails because embeddings are unavailable; it ranks by keyword.
//
// Usage:
//
//	mem, _ := memory.Open(ctx, memory.DefaultConfig("/data/memory.db"))
//	defer mem.Close()
//	id, _ := mem.Save(ctx, "# Run\nStart the daemon.", nil)
//	results, _ := mem.Recall(ctx, "daemon", nil)
//	_ = mem.Forget(ctx, id)
//	_ = results
package memory
