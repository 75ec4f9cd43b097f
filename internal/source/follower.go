package source

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// CursorStore persists the resume cursor for a source across restarts.
type CursorStore interface {
	SaveCursor(source, cursor string) error
	LoadCursor(source string) (string, error)
}

// FollowerConfig configures reconnection and cursor persistence.
type FollowerConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// CursorFlush bounds how often the cursor is written while streaming.
	CursorFlush time.Duration
	Logger      *zap.Logger
}

// Follower keeps a Source streaming. When the source becomes unavailable
// it reopens after the last delivered record, waiting with capped
// exponential backoff between attempts.
type Follower struct {
	src     Source
	cursors CursorStore
	cfg     FollowerConfig
	logger  *zap.Logger

	cursor     atomic.Value // string
	reconnects atomic.Int64
}

// NewFollower creates a follower. cursors may be nil.
func NewFollower(src Source, cursors CursorStore, cfg FollowerConfig) *Follower {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.CursorFlush <= 0 {
		cfg.CursorFlush = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Follower{src: src, cursors: cursors, cfg: cfg, logger: logger.With(zap.String("source", src.Name()))}
	f.cursor.Store("")
	return f
}

// Cursor returns the cursor of the last delivered record.
func (f *Follower) Cursor() string {
	return f.cursor.Load().(string)
}

// Reconnects returns how many times the source was reopened.
func (f *Follower) Reconnects() int64 {
	return f.reconnects.Load()
}

// Run streams records to emit until ctx ends or a finite source is
// exhausted. emit must not block for long; the pipeline queue it feeds
// drops rather than waits.
func (f *Follower) Run(ctx context.Context, emit func(LogRecord)) error {
	cursor := f.loadCursor()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.BackoffInitial
	bo.MaxInterval = f.cfg.BackoffMax

	for {
		stream, err := f.src.Open(ctx, cursor)
		if err == nil {
			cursor, err = f.drain(ctx, stream, cursor, emit, bo)
			_ = stream.Close()
		}
		f.saveCursor(cursor)

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ErrSourceUnavailable):
			wait := bo.NextBackOff()
			f.reconnects.Add(1)
			f.logger.Warn("log source unavailable, retrying",
				zap.Error(err),
				zap.Duration("backoff", wait),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		default:
			return err
		}
	}
}

func (f *Follower) drain(ctx context.Context, stream Stream, cursor string, emit func(LogRecord), bo *backoff.ExponentialBackOff) (string, error) {
	lastFlush := time.Now()
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			return cursor, err
		}
		bo.Reset()
		emit(rec)

		if rec.Cursor != "" {
			cursor = rec.Cursor
			f.cursor.Store(cursor)
		}
		if time.Since(lastFlush) >= f.cfg.CursorFlush {
			f.saveCursor(cursor)
			lastFlush = time.Now()
		}
	}
}

func (f *Follower) loadCursor() string {
	if f.cursors == nil {
		return ""
	}
	c, err := f.cursors.LoadCursor(f.src.Name())
	if err != nil {
		return ""
	}
	f.cursor.Store(c)
	return c
}

func (f *Follower) saveCursor(cursor string) {
	if f.cursors == nil || cursor == "" {
		return
	}
	if err := f.cursors.SaveCursor(f.src.Name(), cursor); err != nil {
		f.logger.Warn("failed to persist source cursor", zap.Error(err))
	}
}
