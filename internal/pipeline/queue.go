package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// ErrQueueClosed is returned by Pop once the queue is closed and empty.
var ErrQueueClosed = errors.New("record queue closed")

// Queue is a capped FIFO of records. Push never blocks: when full, the
// oldest unconsumed record is dropped.
type Queue struct {
	mu     sync.Mutex
	buf    []source.LogRecord
	head   int
	n      int
	closed bool
	ready  chan struct{}
	onDrop func()
}

// NewQueue creates a queue holding at most capacity records. onDrop, if
// set, is called once per dropped record.
func NewQueue(capacity int, onDrop func()) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]source.LogRecord, capacity),
		ready:  make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push appends rec and reports whether an older record was dropped to make
// room. Pushing to a closed queue discards rec.
func (q *Queue) Push(rec source.LogRecord) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.buf) {
		q.buf[q.head] = source.LogRecord{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = rec
	q.n++
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	q.signal()
	return dropped
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until a record is available, ctx is done, or the queue is
// closed and drained.
func (q *Queue) Pop(ctx context.Context) (source.LogRecord, error) {
	for {
		q.mu.Lock()
		if q.n > 0 {
			rec := q.buf[q.head]
			q.buf[q.head] = source.LogRecord{}
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.mu.Unlock()
			return rec, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return source.LogRecord{}, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return source.LogRecord{}, ctx.Err()
		}
	}
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close stops accepting records. Queued records can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
