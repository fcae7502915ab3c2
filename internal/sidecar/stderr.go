package sidecar

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// stderrBuffer keeps the tail of a child's stderr, capped at limit bytes.
// Overflow is trimmed from the front at a rune boundary.
type stderrBuffer struct {
	mu    sync.Mutex
	data  string
	limit int
}

func newStderrBuffer(limit int) *stderrBuffer {
	return &stderrBuffer{limit: limit}
}

// Append adds one chunk, normalized to end in a single newline.
func (b *stderrBuffer) Append(chunk string) {
	chunk = strings.ToValidUTF8(chunk, "\uFFFD")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = trimToLimit(b.data+strings.TrimRight(chunk, " \t\r\n")+"\n", b.limit)
}

// Snapshot returns the buffered output with surrounding whitespace removed.
func (b *stderrBuffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.data)
}

// Len returns the buffered size in bytes.
func (b *stderrBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func trimToLimit(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
