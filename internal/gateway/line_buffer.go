package gateway

import (
	"sync"
	"unicode"
)

// lineBuffer is the line being typed in a terminal session. The input loop
// edits it while the relay goroutine redraws the prompt from a snapshot.
type lineBuffer struct {
	mu    sync.RWMutex
	data  []rune
	limit int
}

func newLineBuffer(capacity, limit int) *lineBuffer {
	if capacity <= 0 {
		capacity = 128
	}
	return &lineBuffer{
		data:  make([]rune, 0, capacity),
		limit: limit,
	}
}

// Append adds r and reports whether it fit under the limit.
func (b *lineBuffer) Append(r rune) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && len(b.data) >= b.limit {
		return false
	}
	b.data = append(b.data, r)
	return true
}

func (b *lineBuffer) TrimLast() {
	b.mu.Lock()
	if n := len(b.data); n > 0 {
		b.data = b.data[:n-1]
	}
	b.mu.Unlock()
}

// TrimWord erases back to the previous word boundary, like Ctrl+W in a shell.
func (b *lineBuffer) TrimWord() {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.data)
	for n > 0 && unicode.IsSpace(b.data[n-1]) {
		n--
	}
	for n > 0 && !unicode.IsSpace(b.data[n-1]) {
		n--
	}
	b.data = b.data[:n]
}

func (b *lineBuffer) Reset() {
	b.mu.Lock()
	b.data = b.data[:0]
	b.mu.Unlock()
}

// Drain returns the line and empties the buffer.
func (b *lineBuffer) Drain() string {
	b.mu.Lock()
	text := string(b.data)
	b.data = b.data[:0]
	b.mu.Unlock()
	return text
}

func (b *lineBuffer) Snapshot() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.data)
}
