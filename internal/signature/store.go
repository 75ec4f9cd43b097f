package signature

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// Entry is a signature together with its compiled matchers. Entries are
// immutable and shared between snapshots.
type Entry struct {
	Signature
	matcher Matcher
	success Matcher
}

// Match runs the signature's matcher against rec.
func (e *Entry) Match(rec source.LogRecord) (map[string]string, bool) {
	return e.matcher.Match(rec)
}

// MatchSuccess runs the success pattern; ok is false when there is none.
func (e *Entry) MatchSuccess(rec source.LogRecord) (matched, ok bool) {
	if e.success == nil {
		return false, false
	}
	_, matched = e.success.Match(rec)
	return matched, true
}

// Wildcards is the narrowness measure used to break ties.
func (e *Entry) Wildcards() int {
	return e.matcher.Wildcards()
}

func newEntry(sig Signature) (*Entry, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	e := &Entry{Signature: sig}
	e.matcher, _ = Compile(sig.Matcher)
	if sig.Success != nil {
		e.success, _ = Compile(*sig.Success)
	}
	return e, nil
}

type snapshot struct {
	version  uint64
	entries  map[string]*Entry
	byWord   map[string][]*Entry
	byUnit   map[string][]*Entry
	catchAll []*Entry
}

func buildSnapshot(version uint64, entries map[string]*Entry) *snapshot {
	s := &snapshot{
		version: version,
		entries: entries,
		byWord:  make(map[string][]*Entry),
		byUnit:  make(map[string][]*Entry),
	}
	for _, e := range entries {
		key, ok := e.matcher.indexKey()
		if !ok {
			s.catchAll = append(s.catchAll, e)
			continue
		}
		for _, w := range key.words {
			s.byWord[w] = append(s.byWord[w], e)
		}
		for _, u := range key.units {
			s.byUnit[u] = append(s.byUnit[u], e)
		}
	}
	return s
}

// Store is the in-memory signature catalogue. Readers work on an immutable
// snapshot, so lookups never observe a half-applied update; writers are
// serialised and publish a new snapshot.
type Store struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger}
	s.snap.Store(buildSnapshot(0, map[string]*Entry{}))
	return s
}

// Version increases on every successful write.
func (s *Store) Version() uint64 {
	return s.snap.Load().version
}

// Len returns the number of signatures.
func (s *Store) Len() int {
	return len(s.snap.Load().entries)
}

// Get returns the signature with id.
func (s *Store) Get(id string) (*Entry, error) {
	e, ok := s.snap.Load().entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// All returns every signature ordered by id.
func (s *Store) All() []*Entry {
	snap := s.snap.Load()
	out := make([]*Entry, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Lookup returns the candidate signatures that could match rec, ordered by
// id. It is a cheap pre-filter over message tokens and unit; candidates
// still have to be matched.
func (s *Store) Lookup(rec source.LogRecord) []*Entry {
	snap := s.snap.Load()
	seen := make(map[string]*Entry)
	for tok := range tokenize(rec.Message) {
		for _, e := range snap.byWord[tok] {
			seen[e.ID] = e
		}
	}
	for _, e := range snap.byUnit[rec.Unit] {
		seen[e.ID] = e
	}
	for _, e := range snap.catchAll {
		seen[e.ID] = e
	}
	out := make([]*Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Upsert validates and stores sig, replacing any signature with the same
// id. The stored version is bumped past the previous one.
func (s *Store) Upsert(sig Signature) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if prev, ok := cur.entries[sig.ID]; ok && sig.Version <= prev.Version {
		sig.Version = prev.Version + 1
	}
	if sig.Version == 0 {
		sig.Version = 1
	}
	e, err := newEntry(sig)
	if err != nil {
		return nil, err
	}

	next := make(map[string]*Entry, len(cur.entries)+1)
	for id, old := range cur.entries {
		next[id] = old
	}
	next[sig.ID] = e
	s.snap.Store(buildSnapshot(cur.version+1, next))
	return e, nil
}

// Remove deletes the signature with id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, ok := cur.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make(map[string]*Entry, len(cur.entries))
	for k, e := range cur.entries {
		if k != id {
			next[k] = e
		}
	}
	s.snap.Store(buildSnapshot(cur.version+1, next))
	return nil
}

// Replace swaps the whole catalogue for sigs in one step. Invalid
// signatures are skipped with a warning and returned.
func (s *Store) Replace(sigs []Signature) []error {
	next := make(map[string]*Entry, len(sigs))
	var skipped []error
	for _, sig := range sigs {
		if sig.Version == 0 {
			sig.Version = 1
		}
		e, err := newEntry(sig)
		if err != nil {
			s.logger.Warn("skipping invalid signature", zap.String("signature.id", sig.ID), zap.Error(err))
			skipped = append(skipped, err)
			continue
		}
		if _, dup := next[sig.ID]; dup {
			err := fmt.Errorf("%w: duplicate id %s", ErrInvalid, sig.ID)
			s.logger.Warn("skipping duplicate signature", zap.String("signature.id", sig.ID))
			skipped = append(skipped, err)
			continue
		}
		next[sig.ID] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Store(buildSnapshot(s.snap.Load().version+1, next))
	return skipped
}

func sortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}
