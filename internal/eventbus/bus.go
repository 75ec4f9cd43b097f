// Package eventbus carries session lifecycle events to the UI collaborator
// and carries its intents back.
//
// Events go to an in-process Broadcaster (consumed by the SSE endpoint) and,
// when NATS is configured, to {prefix}.sessions.{id}.{state}. Intents arrive
// on {prefix}.intents as JSON.
package eventbus

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/session"
)

// Sink receives every event.
type Sink interface {
	Publish(ev session.Event) error
}

// Bus forwards session events to its sinks.
type Bus struct {
	sinks  []Sink
	logger *zap.Logger
}

// New creates a bus. logger may be nil.
func New(logger *zap.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{sinks: sinks, logger: logger}
}

// Run forwards events until the channel closes or ctx is cancelled. A
// failing sink is logged and does not stop delivery to the others.
func (b *Bus) Run(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			for _, s := range b.sinks {
				if err := s.Publish(ev); err != nil {
					b.logger.Warn("failed to deliver session event",
						zap.String("session.id", ev.SessionID),
						zap.String("state", string(ev.State)),
						zap.Error(err),
					)
				}
			}
		}
	}
}
