// Package bridge implements the in-sandbox tool server. It exposes git,
// filesystem, and command execution operations over a stateless HTTP
// endpoint, restricted to an allowlisted slice of the sandbox filesystem.
package bridge

import (
	"bytes"
	"io"
	"sync"
)

// defaultRingSize bounds the in-memory log buffer served by bridge_logs.
const defaultRingSize = 1000

// Ring is a fixed-capacity line buffer. Once full, the oldest lines are
// overwritten. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRing creates a ring holding up to capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Last returns up to n lines, oldest first.
func (r *Ring) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Writer returns an io.Writer that appends each written line to the ring.
// Partial lines are held until their newline arrives. Hand this to a slog
// handler to capture structured logs for bridge_logs.
func (r *Ring) Writer() io.Writer {
	return &ringWriter{ring: r}
}

type ringWriter struct {
	mu      sync.Mutex
	ring    *Ring
	pending bytes.Buffer
}

func (w *ringWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		data := w.pending.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return len(p), nil
		}
		w.ring.Append(string(data[:idx]))
		w.pending.Next(idx + 1)
	}
}
