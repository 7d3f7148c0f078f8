package memory

import (
	"strings"
)

// Default chunk bounds.
const (
	DefaultChunkMaxLines = 40
	DefaultChunkMaxChars = 2048
)

// ChunkerConfig bounds the size of produced chunks.
type ChunkerConfig struct {
	MaxLines int
	MaxChars int
}

// Chunker splits markdown-ish text into heading-aware chunks.
type Chunker struct {
	maxLines int
	maxChars int
}

// NewChunker creates a chunker, filling unset bounds with defaults.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultChunkMaxLines
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultChunkMaxChars
	}
	return &Chunker{maxLines: cfg.MaxLines, maxChars: cfg.MaxChars}
}

type heading struct {
	level int
	title string
}

// chunkBuilder accumulates lines of the chunk currently being built. Blank
// lines before the first non-blank one are dropped; every later line counts
// toward the line budget.
type chunkBuilder struct {
	lines    []string
	nonBlank int
	chars    int
	path     []string
}

func (b *chunkBuilder) empty() bool {
	return b.nonBlank == 0
}

// Split returns the ordered chunks of text. Ordinals start at 0 and are dense.
// Every chunk carries the heading path in effect at its first line.
func (c *Chunker) Split(text string) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		chunks  []Chunk
		stack   []heading
		cur     chunkBuilder
		inFence bool
		fence   string
	)

	flush := func() {
		if !cur.empty() {
			body := strings.TrimRight(strings.Join(cur.lines, "\n"), " \t\n")
			chunks = append(chunks, Chunk{
				Text:        body,
				HeadingPath: cur.path,
				Ordinal:     len(chunks),
			})
		}
		cur = chunkBuilder{}
	}

	appendLine := func(line string) {
		if cur.empty() {
			if strings.TrimSpace(line) == "" {
				return
			}
			cur.lines = nil
			cur.chars = 0
			cur.path = headingTitles(stack)
		}
		cur.lines = append(cur.lines, line)
		cur.chars += len(line) + 1
		if strings.TrimSpace(line) != "" {
			cur.nonBlank++
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if marker := fenceMarker(trimmed); marker != "" {
			if !inFence {
				inFence = true
				fence = marker
			} else if strings.HasPrefix(trimmed, fence) {
				inFence = false
			}
		} else if !inFence {
			if level, title, ok := parseHeading(line); ok {
				flush()
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, heading{level: level, title: title})
				appendLine(line)
				continue
			}
		}

		// A line that alone exceeds the char budget becomes its own chunk.
		if len(line) >= c.maxChars && trimmed != "" {
			flush()
			appendLine(line)
			flush()
			continue
		}

		if !cur.empty() && cur.chars+len(line)+1 > c.maxChars {
			flush()
		}
		appendLine(line)
		if len(cur.lines) >= c.maxLines {
			flush()
		}
	}
	flush()

	return chunks
}

// parseHeading recognizes ATX headings of level 1-6 with a non-empty title.
func parseHeading(line string) (int, string, bool) {
	s := strings.TrimLeft(line, " ")
	if len(line)-len(s) > 3 {
		return 0, "", false
	}

	level := 0
	for level < len(s) && s[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	rest := s[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", false
	}

	title := strings.TrimSpace(rest)
	title = strings.TrimSpace(strings.TrimRight(title, "#"))
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

func fenceMarker(trimmed string) string {
	switch {
	case strings.HasPrefix(trimmed, "```"):
		return "```"
	case strings.HasPrefix(trimmed, "~~~"):
		return "~~~"
	}
	return ""
}

func headingTitles(stack []heading) []string {
	path := make([]string, len(stack))
	for i, h := range stack {
		path[i] = h.title
	}
	return path
}
