package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// WorkspaceSource is the "source" metadata value of documents mirrored from
// workspace markdown files.
const WorkspaceSource = "workspace"

// SyncReport counts what one workspace sync changed.
type SyncReport struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// WorkspaceSyncer mirrors the markdown files of a directory into memory. Each
// file becomes one document; an edited file replaces its document.
type WorkspaceSyncer struct {
	mem    Memory
	root   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewWorkspaceSyncer creates a syncer for root.
func NewWorkspaceSyncer(mem Memory, root string, logger zerolog.Logger) (*WorkspaceSyncer, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path is not a directory: %s", root)
	}
	return &WorkspaceSyncer{mem: mem, root: root, logger: logger}, nil
}

// Root returns the watched directory.
func (w *WorkspaceSyncer) Root() string {
	return w.root
}

// Sync saves new files, replaces changed ones and forgets documents whose file
// is gone.
func (w *WorkspaceSyncer) Sync(ctx context.Context) (*SyncReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	docs, err := w.mem.ListDocuments(ctx, DocumentFilter{Source: WorkspaceSource})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace documents: %w", err)
	}
	indexed := make(map[string]Document, len(docs))
	for _, d := range docs {
		if p, ok := d.Metadata["path"].(string); ok {
			indexed[p] = d
		}
	}

	files, err := w.scan()
	if err != nil {
		return nil, err
	}

	report := &SyncReport{}
	for rel, content := range files {
		hash := hashContent(content)
		existing, ok := indexed[rel]
		delete(indexed, rel)

		if ok && existing.Metadata["content_hash"] == hash {
			report.Unchanged++
			continue
		}
		if strings.TrimSpace(content) == "" {
			if ok {
				if err := w.mem.Forget(ctx, existing.ID); err != nil {
					return report, err
				}
				report.Removed++
			}
			continue
		}

		if _, err := w.mem.Save(ctx, content, map[string]interface{}{
			"source":       WorkspaceSource,
			"path":         rel,
			"content_hash": hash,
		}); err != nil {
			return report, fmt.Errorf("failed to save %s: %w", rel, err)
		}
		if ok {
			if err := w.mem.Forget(ctx, existing.ID); err != nil {
				return report, err
			}
			report.Updated++
		} else {
			report.Added++
		}
	}

	for rel, d := range indexed {
		if err := w.mem.Forget(ctx, d.ID); err != nil {
			return report, fmt.Errorf("failed to forget %s: %w", rel, err)
		}
		report.Removed++
	}

	w.logger.Debug().
		Int("added", report.Added).
		Int("updated", report.Updated).
		Int("removed", report.Removed).
		Msg("Workspace sync completed")
	return report, nil
}

// scan reads every markdown file under root keyed by slash-separated
// relative path. Hidden directories are skipped.
func (w *WorkspaceSyncer) scan() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isMarkdown(path) {
			return nil
		}

		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		if err := ValidateWorkspacePath(rel); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	return files, nil
}

// ValidateWorkspacePath validates that a path is a clean relative path inside
// the workspace
func ValidateWorkspacePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("path contains invalid components: %s", path)
	}
	if path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path cannot reference parent directories: %s", path)
	}
	return nil
}

func isMarkdown(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".md")
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
