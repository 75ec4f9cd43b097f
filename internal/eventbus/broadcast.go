package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/neighbor/internal/session"
)

// Broadcaster fans events out to in-process subscribers such as SSE
// clients. A subscriber that falls behind loses events rather than
// stalling the others.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan session.Event
	next   uint64
	buffer int
	closed bool

	dropped atomic.Int64
}

// NewBroadcaster creates a broadcaster with per-subscriber buffers of the
// given size.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{subs: make(map[uint64]chan session.Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed on cancel or Close.
func (b *Broadcaster) Subscribe() (<-chan session.Event, func()) {
	ch := make(chan session.Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev session.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
