package source

import (
	"context"
	"io"
	"strconv"
	"sync"
)

// MemorySource is an in-process source fed by Push. Records get sequential
// cursors; Open resumes after a cursor by skipping earlier ones.
type MemorySource struct {
	mu      sync.Mutex
	items   chan memItem
	seq     int
	closed  bool
	closeCh chan struct{}
}

type memItem struct {
	rec LogRecord
	err error
}

// NewMemorySource creates a source buffering up to size pending records.
func NewMemorySource(size int) *MemorySource {
	return &MemorySource{items: make(chan memItem, size), closeCh: make(chan struct{})}
}

func (m *MemorySource) Name() string { return "memory" }

// Push enqueues a record, blocking while the buffer is full.
func (m *MemorySource) Push(rec LogRecord) {
	m.mu.Lock()
	m.seq++
	rec.Cursor = strconv.Itoa(m.seq)
	rec.Origin = "memory"
	m.mu.Unlock()
	m.items <- memItem{rec: rec}
}

// Fail makes the next Next call on the open stream return err.
func (m *MemorySource) Fail(err error) {
	m.items <- memItem{err: err}
}

// Close ends the source; open streams drain then return io.EOF.
func (m *MemorySource) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
}

func (m *MemorySource) Open(_ context.Context, cursor string) (Stream, error) {
	after, _ := strconv.Atoi(cursor)
	return &memStream{src: m, after: after}, nil
}

type memStream struct {
	src   *MemorySource
	after int
}

func (s *memStream) Next(ctx context.Context) (LogRecord, error) {
	for {
		select {
		case <-ctx.Done():
			return LogRecord{}, ctx.Err()
		case it := <-s.src.items:
			if it.err != nil {
				return LogRecord{}, it.err
			}
			if n, _ := strconv.Atoi(it.rec.Cursor); n <= s.after {
				continue
			}
			return it.rec, nil
		case <-s.src.closeCh:
			select {
			case it := <-s.src.items:
				if it.err != nil {
					return LogRecord{}, it.err
				}
				return it.rec, nil
			default:
				return LogRecord{}, io.EOF
			}
		}
	}
}

func (s *memStream) Close() error { return nil }
