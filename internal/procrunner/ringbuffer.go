package procrunner

import "sync"

// RingBuffer is a bounded, line-oriented log buffer: once full, the oldest
// lines are dropped to make room for new ones. Grounded on the teacher's
// processrunner.go log-capture pipes, generalised from "stream straight to
// zerolog" to "keep a bounded tail queryable after the process exits" per
// spec §4.2 ("Log output is always reapable, even after shutdown").
type RingBuffer struct {
	mu       sync.Mutex
	lines    []string
	capBytes int
	curBytes int
}

// NewRingBuffer returns a buffer that drops oldest lines once capMB
// megabytes of buffered text would be exceeded.
func NewRingBuffer(capMB int) *RingBuffer {
	if capMB <= 0 {
		capMB = 128
	}
	return &RingBuffer{capBytes: capMB * 1024 * 1024}
}

// Append adds a line, evicting the oldest lines if over capacity.
func (b *RingBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.curBytes += len(line)
	for b.curBytes > b.capBytes && len(b.lines) > 0 {
		b.curBytes -= len(b.lines[0])
		b.lines = b.lines[1:]
	}
}

// Tail returns the last n lines (or all lines if fewer than n are present).
func (b *RingBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n >= len(b.lines) {
		out := make([]string, len(b.lines))
		copy(out, b.lines)
		return out
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// All returns every buffered line.
func (b *RingBuffer) All() []string { return b.Tail(0) }
