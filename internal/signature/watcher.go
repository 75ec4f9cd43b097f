package signature

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialise.
var ErrWatcherFailed = errors.New("failed to initialize signature pack watcher")

// Watcher reloads a pack file into a Store whenever it changes on disk.
// Editors often write a file in several steps, so reloads are debounced.
type Watcher struct {
	path     string
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	reloads  chan uint64
}

// NewWatcher watches the directory holding path. The directory is watched
// rather than the file so atomic rename-over saves are seen.
func NewWatcher(path string, store *Store, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		path:     abs,
		store:    store,
		watcher:  fw,
		debounce: debounce,
		logger:   logger,
		stop:     make(chan struct{}),
		reloads:  make(chan uint64, 8),
	}, nil
}

// Start processes events in the background until ctx ends or Stop.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// Reloads delivers the store version after each successful reload. Sends
// are dropped when nobody is listening.
func (w *Watcher) Reloads() <-chan uint64 {
	return w.reloads
}

// Reload loads the pack file into the store now.
func (w *Watcher) Reload() error {
	sigs, skipped, err := LoadPack(w.path)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		w.logger.Warn("skipping signature pack entry", zap.String("path", w.path), zap.Error(s))
	}
	for _, s := range w.store.Replace(sigs) {
		w.logger.Warn("signature rejected by store", zap.Error(s))
	}
	v := w.store.Version()
	w.logger.Info("signature pack reloaded",
		zap.String("path", w.path),
		zap.Int("signatures", w.store.Len()),
		zap.Uint64("version", v))
	select {
	case w.reloads <- v:
	default:
	}
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			// A failed reload keeps the previous catalogue.
			if err := w.Reload(); err != nil {
				w.logger.Warn("signature pack reload failed", zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("signature pack watcher error", zap.Error(err))
		}
	}
}
