// Package source adapts system log streams into ordered LogRecords.
//
// A Source is opened at a cursor and yields records through a Stream until
// the stream fails or, for finite sources, io.EOF. Follower wraps a Source
// with reconnection and cursor persistence.
package source

import (
	"context"
	"errors"
)

// ErrSourceUnavailable is returned when the stream cannot be read: lost
// permission, journal rotation, or the reader process exiting.
var ErrSourceUnavailable = errors.New("source unavailable")

// Source opens a record stream resuming after cursor. An empty cursor uses
// the source's configured start position.
type Source interface {
	Name() string
	Open(ctx context.Context, cursor string) (Stream, error)
}

// Stream yields records in order. Next blocks until a record is available,
// the context ends, or the stream fails.
type Stream interface {
	Next(ctx context.Context) (LogRecord, error)
	Close() error
}
