package classifier

import (
	"time"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// History is a fixed-size ring of recent records used by windowed
// signatures. It is owned by a single goroutine.
type History struct {
	buf  []source.LogRecord
	next int
	full bool
}

// NewHistory creates a ring holding size records.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{buf: make([]source.LogRecord, size)}
}

// Push adds rec, evicting the oldest record when full.
func (h *History) Push(rec source.LogRecord) {
	h.buf[h.next] = rec
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of held records.
func (h *History) Len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Since returns held records with a timestamp at or after t, oldest first.
func (h *History) Since(t time.Time) []source.LogRecord {
	var out []source.LogRecord
	h.each(func(r source.LogRecord) {
		if !r.Timestamp.Before(t) {
			out = append(out, r)
		}
	})
	return out
}

func (h *History) each(fn func(source.LogRecord)) {
	if h.full {
		for _, r := range h.buf[h.next:] {
			fn(r)
		}
	}
	for _, r := range h.buf[:h.next] {
		fn(r)
	}
}
