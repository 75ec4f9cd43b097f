package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/confirm"
	"github.com/fyrsmithlabs/neighbor/internal/logging"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/scrub"
	"github.com/fyrsmithlabs/neighbor/internal/source"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/neighbor/internal/session"

// Config configures a Manager.
type Config struct {
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	// Retain caps how many closed sessions are kept for listing.
	Retain int
	// Scrubber sanitises the records a session exposes. Nil uses the
	// default rules.
	Scrubber  *scrub.Scrubber
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry
}

// Manager owns every session. Each session has its own lock; the registry
// lock is always taken before a session lock, never after.
type Manager struct {
	orch     *remediation.Orchestrator
	monitor  *confirm.Monitor
	cfg      Config
	scrubber *scrub.Scrubber
	logger   *logging.Logger

	mu    sync.RWMutex
	byID  map[string]*entry
	byKey map[Key]*entry

	events  chan Event
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	transitions metric.Int64Counter
	closed      metric.Int64Counter
}

type entry struct {
	mu sync.Mutex
	s  Session
	// raw is the diagnosis as classified. Fix commands and confirmation
	// are built from it; s.Diagnosis holds the scrubbed copy.
	raw classifier.Diagnosis
	// abandon is set as soon as an abandon intent arrives so a request_fix
	// in flight stops before staging.
	abandon atomic.Bool
}

// NewManager creates a session manager.
func NewManager(orch *remediation.Orchestrator, monitor *confirm.Monitor, cfg Config) (*Manager, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if monitor == nil {
		return nil, errors.New("confirmation monitor is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	scrubber := cfg.Scrubber
	if scrubber == nil {
		scrubber = scrub.New(scrub.DefaultRules())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		orch:     orch,
		monitor:  monitor,
		cfg:      cfg,
		scrubber: scrubber,
		logger:   logger,
		byID:     make(map[string]*entry),
		byKey:    make(map[Key]*entry),
		events:   make(chan Event, cfg.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	meter := m.cfg.Telemetry.Meter(instrumentationName)
	var err error

	m.transitions, err = meter.Int64Counter(
		"neighbor.session.transitions_total",
		metric.WithDescription("Session state transitions by target state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create transitions counter", zap.Error(err))
	}

	m.closed, err = meter.Int64Counter(
		"neighbor.session.closed_total",
		metric.WithDescription("Sessions reaching a terminal state, by outcome"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create closed counter", zap.Error(err))
	}
}

// Events delivers lifecycle events. Events are dropped, not blocked on,
// when the consumer falls behind.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Dropped returns how many events were dropped on a full channel.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Open starts a session for an admitted diagnosis and presents it. diag
// must carry the unscrubbed records; the session only exposes a scrubbed
// copy.
//
// A key holds at most one active session. When another active session on
// the same context key is still waiting for the user (presented or staged)
// and has lower priority, it is abandoned in favour of the new one.
func (m *Manager) Open(ctx context.Context, diag classifier.Diagnosis, contextKey string) (Session, error) {
	if diag.Entry == nil {
		return Session{}, errors.New("diagnosis has no signature entry")
	}
	key := Key{SignatureID: diag.SignatureID, ContextKey: contextKey}
	now := time.Now()

	m.mu.Lock()
	if cur, ok := m.byKey[key]; ok && !cur.terminal() {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrActive, cur.id())
	}

	surfaced := m.surface(diag)
	e := &entry{raw: diag, s: Session{
		ID:        uuid.NewString(),
		Key:       key,
		State:     StateDetected,
		Title:     diag.Entry.Title,
		Risk:      diag.Entry.Risk,
		Priority:  diag.Entry.Priority,
		Diagnosis: surfaced,
		Status:    statusText(StateDetected),
		CreatedAt: now,
		UpdatedAt: now,
	}}
	sctx := logging.WithSignatureID(logging.WithSessionID(ctx, e.s.ID), key.SignatureID)

	for _, other := range m.byKey {
		if other.s.Key.ContextKey != contextKey {
			continue
		}
		m.supersede(sctx, other, e.s.Priority, e.s.ID)
	}
	m.evictLocked()
	e.mu.Lock()
	defer e.mu.Unlock()
	m.byID[e.s.ID] = e
	m.byKey[key] = e
	m.mu.Unlock()

	m.emit(e.s.event(""))
	m.count(m.transitions, attribute.String("state", string(StateDetected)))

	explanation, err := remediation.Explain(diag.Entry, surfaced, contextKey)
	if err != nil {
		m.logger.Warn(sctx, "explanation could not be rendered", zap.Error(err))
		explanation = diag.Entry.Title
	}
	e.s.Explanation = explanation
	if err := m.transition(sctx, e, StatePresented, ""); err != nil {
		return Session{}, err
	}
	return e.s.clone(), nil
}

// surface returns d with every record scrubbed. Captures stay raw:
// explanations and commands need the real values.
func (m *Manager) surface(d classifier.Diagnosis) classifier.Diagnosis {
	out := d
	out.Records = make([]source.LogRecord, len(d.Records))
	for i, r := range d.Records {
		out.Records[i] = m.scrubber.Record(r)
	}
	return out
}

// supersede abandons other if it waits on the user and has lower
// priority. Called with m.mu held.
func (m *Manager) supersede(ctx context.Context, other *entry, priority int, by string) {
	other.mu.Lock()
	defer other.mu.Unlock()
	switch other.s.State {
	case StatePresented, StateStaged:
	default:
		return
	}
	if other.s.Priority >= priority {
		return
	}
	other.abandon.Store(true)
	ctx = logging.WithSessionID(ctx, other.s.ID)
	reason := "superseded by " + by
	if err := m.transition(ctx, other, StateAbandoned, reason); err != nil {
		m.logger.Warn(ctx, "supersession failed", zap.String("superseded", other.s.ID), zap.Error(err))
		return
	}
	other.s.Status = "Replaced by a more important problem"
	m.logger.Info(ctx, "session superseded", zap.String("superseded_by", by))
}

// evictLocked drops the oldest closed sessions beyond the retention cap.
func (m *Manager) evictLocked() {
	if len(m.byID) <= m.cfg.Retain {
		return
	}
	type closed struct {
		id string
		at time.Time
	}
	var done []closed
	for id, e := range m.byID {
		e.mu.Lock()
		if e.s.State.Terminal() {
			done = append(done, closed{id, e.s.UpdatedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, c := range done {
		if len(m.byID) <= m.cfg.Retain {
			return
		}
		e := m.byID[c.id]
		delete(m.byID, c.id)
		if m.byKey[e.s.Key] == e {
			delete(m.byKey, e.s.Key)
		}
	}
}

// Submit applies a user intent.
func (m *Manager) Submit(ctx context.Context, in Intent) (Session, error) {
	m.mu.RLock()
	e, ok := m.byID[in.SessionID]
	m.mu.RUnlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, in.SessionID)
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}
	if in.Kind == IntentAbandon {
		e.abandon.Store(true)
	}

	ctx = logging.WithSignatureID(logging.WithSessionID(ctx, in.SessionID), e.key().SignatureID)
	m.logger.Debug(ctx, "intent received", zap.String("intent", string(in.Kind)), zap.String("origin", in.Origin))

	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	switch in.Kind {
	case IntentRequestFix:
		err = m.requestFix(ctx, e)
	case IntentConfirmDestructive:
		err = m.confirmDestructive(e)
	case IntentExecute:
		err = m.execute(ctx, e)
	case IntentAbandon:
		err = m.abandonLocked(ctx, e, "dismissed by user")
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownIntent, in.Kind)
	}
	if err == nil {
		e.s.Intents = append(e.s.Intents, in)
	} else {
		m.logger.Info(ctx, "intent refused", zap.String("intent", string(in.Kind)), zap.Error(err))
	}
	return e.s.clone(), err
}

func (m *Manager) requestFix(ctx context.Context, e *entry) error {
	if e.s.State != StatePresented {
		return fmt.Errorf("%w: request_fix in state %s", ErrInvalidTransition, e.s.State)
	}
	diag := e.raw
	action, err := m.orch.Resolve(diag.Entry, diag, e.s.ID, e.s.Key.ContextKey)
	if err != nil {
		// The fix cannot be built from what the log told us; say so and
		// close rather than leave the user with a dead button. The cause
		// stays in the history and the log.
		m.logger.Warn(ctx, "fix could not be resolved", zap.Error(err))
		e.s.Explanation += "\n\n" + unpreparedText(err)
		if terr := m.transition(ctx, e, StateAbandoned, err.Error()); terr != nil {
			return terr
		}
		e.s.Status = "The fix could not be prepared"
		return err
	}
	if err := m.orch.RequestFix(action); err != nil {
		return err
	}
	if err := m.orch.Stage(ctx, action); err != nil {
		return err
	}
	e.s.Action = action
	if e.abandon.Load() {
		return m.transition(ctx, e, StateAbandoned, "dismissed by user")
	}
	return m.transition(ctx, e, StateStaged, "")
}

// unpreparedText is the plain sentence shown when no fix can be built.
func unpreparedText(err error) string {
	if errors.Is(err, remediation.ErrNoCommand) {
		return "There is no automatic fix for this problem. Nothing was run."
	}
	return "The fix could not be prepared because the log entry did not name " +
		"everything the command needs. Nothing was run."
}

func (m *Manager) confirmDestructive(e *entry) error {
	if e.s.State != StateStaged || e.s.Action == nil {
		return fmt.Errorf("%w: confirm_destructive in state %s", ErrInvalidTransition, e.s.State)
	}
	return m.orch.ConfirmDestructive(e.s.Action)
}

func (m *Manager) abandonLocked(ctx context.Context, e *entry, reason string) error {
	if e.s.State == StateAbandoned {
		return nil
	}
	return m.transition(ctx, e, StateAbandoned, reason)
}

// execute moves a staged, approved session to executing and runs the
// command in the background. The command outlives the caller's context.
func (m *Manager) execute(ctx context.Context, e *entry) error {
	if e.s.State != StateStaged || e.s.Action == nil {
		return fmt.Errorf("%w: execute in state %s", ErrInvalidTransition, e.s.State)
	}
	if !e.s.Action.Approved() {
		return fmt.Errorf("%w: %s action needs approval %s", remediation.ErrNotApproved, e.s.Action.Risk, e.s.Action.Approval)
	}
	if err := m.transition(ctx, e, StateExecuting, ""); err != nil {
		return err
	}
	run := *e.s.Action
	m.wg.Add(1)
	go m.run(context.WithoutCancel(ctx), e, &run)
	return nil
}

func (m *Manager) run(ctx context.Context, e *entry, action *remediation.Action) {
	defer m.wg.Done()

	res, err := m.orch.Execute(ctx, action)
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	if err != nil {
		m.logger.Warn(ctx, "fix command failed", zap.Error(err), zap.Int("exit_code", res.ExitCode))
	}

	e.mu.Lock()
	e.s.Action.Result = &res
	if err := m.transition(ctx, e, StateConfirming, ""); err != nil {
		e.mu.Unlock()
		m.logger.Error(ctx, "cannot enter confirmation", zap.Error(err))
		return
	}
	if !res.Success() {
		e.s.Status = fmt.Sprintf("%s (the command reported exit code %d)", statusText(StateConfirming), res.ExitCode)
	}
	spec := confirm.Spec{
		SessionID:  e.s.ID,
		Entry:      e.raw.Entry,
		ContextKey: e.s.Key.ContextKey,
		Units:      units(e.raw),
	}
	e.mu.Unlock()

	v := <-m.monitor.Watch(m.ctx, spec, res.FinishedAt)

	e.mu.Lock()
	defer e.mu.Unlock()
	var to State
	switch v.Outcome {
	case confirm.Resolved:
		to = StateResolved
	case confirm.Unresolved:
		to = StateUnresolved
	default:
		to = StateTimedOut
	}
	if err := m.transition(ctx, e, to, v.Reason); err != nil {
		m.logger.Error(ctx, "cannot close session", zap.Error(err))
	}
}

func units(d classifier.Diagnosis) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range d.Records {
		if r.Unit == "" {
			continue
		}
		if _, ok := seen[r.Unit]; ok {
			continue
		}
		seen[r.Unit] = struct{}{}
		out = append(out, r.Unit)
	}
	return out
}

// transition moves e to state to and emits an event. Called with e.mu held.
func (m *Manager) transition(ctx context.Context, e *entry, to State, reason string) error {
	from := e.s.State
	if err := validateTransition(from, to); err != nil {
		return err
	}
	now := time.Now()
	e.s.State = to
	e.s.UpdatedAt = now
	e.s.Status = statusText(to)
	e.s.History = append(e.s.History, Transition{From: from, To: to, At: now, Reason: reason})
	if to.Terminal() {
		e.s.Outcome = string(to)
		e.s.ClosedAt = &now
		m.count(m.closed, attribute.String("outcome", string(to)))
	}
	m.count(m.transitions, attribute.String("state", string(to)))
	m.logger.Info(ctx, "session transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	m.emit(e.s.event(from))
	return nil
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		m.logger.Warn(context.Background(), "session event dropped",
			zap.String("session.id", ev.SessionID),
			zap.String("state", string(ev.State)),
		)
	}
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// List returns snapshots of every retained session, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active reports the active session for key, if any.
func (m *Manager) Active(key Key) (Session, bool) {
	m.mu.RLock()
	e, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.Terminal() {
		return Session{}, false
	}
	return e.s.clone(), true
}

// Close stops confirmation watches, which time out, and waits for running
// commands to finish or ctx to expire. Commands are never killed.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) count(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

func (e *entry) terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.State.Terminal()
}

func (e *entry) id() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.ID
}

func (e *entry) key() Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Key
}
