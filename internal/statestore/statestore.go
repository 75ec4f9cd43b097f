// Package statestore persists the small amount of state neighbor keeps
// across restarts: dedup cooldown stamps and the log source cursor.
package statestore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	cooldownPrefix = "cooldown/"
	cursorPrefix   = "cursor/"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("statestore: not found")

// Config configures the store.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger

	// GCInterval is how often the value log is garbage collected. Zero
	// disables GC; it is always disabled in memory.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns persistent-store defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a config for an ephemeral store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a badger-backed key/value store for cooldowns and cursors.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *zap.Logger
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// PutCooldown records that key was raised at ts. The entry expires after
// ttl so stale cooldowns do not accumulate.
func (s *Store) PutCooldown(key string, ts time.Time, ttl time.Duration) error {
	val, err := ts.UTC().MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode cooldown %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(cooldownPrefix+key), val)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Cooldowns returns every unexpired cooldown stamp keyed by context key.
func (s *Store) Cooldowns() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(cooldownPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), cooldownPrefix)
			err := item.Value(func(v []byte) error {
				var ts time.Time
				if err := ts.UnmarshalBinary(v); err != nil {
					return fmt.Errorf("decode cooldown %s: %w", key, err)
				}
				out[key] = ts
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// DeleteCooldown removes a cooldown stamp.
func (s *Store) DeleteCooldown(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cooldownPrefix + key))
	})
}

// SaveCursor stores the resume cursor for a named source.
func (s *Store) SaveCursor(source, cursor string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cursorPrefix+source), []byte(cursor))
	})
}

// LoadCursor returns the stored cursor for source, or ErrNotFound.
func (s *Store) LoadCursor(source string) (string, error) {
	var cursor string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorPrefix + source))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		cursor = string(v)
		return err
	})
	return cursor, err
}
