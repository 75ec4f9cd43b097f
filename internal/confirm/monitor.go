// Package confirm decides whether a fix worked by watching the log stream
// for a bounded window after the command completes.
package confirm

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/dedup"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/neighbor/internal/confirm"

// Outcome is a confirmation verdict.
type Outcome string

const (
	Resolved   Outcome = "resolved"
	Unresolved Outcome = "unresolved"
	TimedOut   Outcome = "timed_out"
)

// Verdict is delivered once per watch.
type Verdict struct {
	SessionID string
	Outcome   Outcome
	Reason    string
	// Record is the record that decided the verdict, if any.
	Record *source.LogRecord
	At     time.Time
}

// Spec describes what to watch for.
type Spec struct {
	SessionID string
	Entry     *signature.Entry
	// ContextKey limits recurrence to the same affected resource.
	ContextKey string
	// Window overrides the signature's confirm window and the monitor
	// default when positive.
	Window time.Duration
	// Units are the units whose records are relevant; empty means all.
	Units []string
}

// Config configures a Monitor.
type Config struct {
	Window time.Duration
	// Buffer is the per-watch record queue length.
	Buffer int
	// Backlog is how many recently observed records are kept so a watch
	// registered late still sees what arrived after the command finished.
	Backlog   int
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
}

// Monitor runs confirmation watches fed by Observe.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	watches map[*watch]struct{}
	backlog []source.LogRecord
	next    int

	// newTimer is swapped in tests.
	newTimer func(d time.Duration) (<-chan time.Time, func() bool)

	verdicts metric.Int64Counter
}

type watch struct {
	spec        Spec
	completedAt time.Time
	units       map[string]struct{}
	records     chan source.LogRecord
	// recent holds matching records still inside the signature's
	// window, for signatures that need several occurrences.
	recent []source.LogRecord
}

// NewMonitor creates a monitor with a 30s default window.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:     cfg,
		logger:  logger,
		watches: make(map[*watch]struct{}),
		backlog: make([]source.LogRecord, 0, cfg.Backlog),
		newTimer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}

	var err error
	m.verdicts, err = cfg.Telemetry.Meter(instrumentationName).Int64Counter(
		"neighbor.confirm.verdicts_total",
		metric.WithDescription("Confirmation verdicts by outcome"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		logger.Warn("failed to create verdict counter", zap.Error(err))
	}
	return m
}

// Watch observes records that arrive strictly after completedAt for the
// spec's window and delivers exactly one verdict. Records already observed
// when the watch starts are replayed if they are newer than completedAt.
//
//	recurrence of the matcher for the same context   -> unresolved, at once
//	window ends, success pattern defined and seen    -> resolved
//	window ends, success pattern defined, not seen   -> timed_out
//	window ends, no success pattern                  -> resolved
//	ctx cancelled                                    -> timed_out
func (m *Monitor) Watch(ctx context.Context, spec Spec, completedAt time.Time) <-chan Verdict {
	w := &watch{
		spec:        spec,
		completedAt: completedAt,
		records:     make(chan source.LogRecord, m.cfg.Buffer),
	}
	if len(spec.Units) > 0 {
		w.units = make(map[string]struct{}, len(spec.Units))
		for _, u := range spec.Units {
			w.units[u] = struct{}{}
		}
	}
	window := spec.Window
	if window <= 0 {
		window = spec.Entry.ConfirmWindow.Std()
	}
	if window <= 0 {
		window = m.cfg.Window
	}

	m.mu.Lock()
	m.watches[w] = struct{}{}
	for _, rec := range m.recentLocked() {
		if rec.Timestamp.After(completedAt) && w.relevant(rec) {
			w.offer(rec, m.logger)
		}
	}
	m.mu.Unlock()

	out := make(chan Verdict, 1)
	deadline, stop := m.newTimer(time.Until(completedAt.Add(window)))
	go func() {
		defer stop()
		v := m.run(ctx, w, deadline)
		m.mu.Lock()
		delete(m.watches, w)
		m.mu.Unlock()

		if m.verdicts != nil {
			m.verdicts.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("outcome", string(v.Outcome)),
				attribute.String("signature.id", spec.Entry.ID),
			))
		}
		m.logger.Info("confirmation verdict",
			zap.String("session.id", spec.SessionID),
			zap.String("outcome", string(v.Outcome)),
			zap.String("reason", v.Reason))
		out <- v
		close(out)
	}()
	return out
}

func (m *Monitor) run(ctx context.Context, w *watch, deadline <-chan time.Time) Verdict {
	var success *source.LogRecord

	// consider returns true when rec decides the verdict.
	consider := func(rec source.LogRecord) (Verdict, bool) {
		if !rec.Timestamp.After(w.completedAt) {
			return Verdict{}, false
		}
		if m.recurs(w, rec) {
			return w.verdict(Unresolved, "issue recurred", &rec), true
		}
		if success == nil {
			if ok, _ := w.spec.Entry.MatchSuccess(rec); ok {
				r := rec
				success = &r
			}
		}
		return Verdict{}, false
	}

	for {
		select {
		case <-ctx.Done():
			return w.verdict(TimedOut, "confirmation cancelled", nil)

		case rec := <-w.records:
			if v, done := consider(rec); done {
				return v
			}

		case <-deadline:
			// Records queued before the window closed still count.
			for drained := false; !drained; {
				select {
				case rec := <-w.records:
					if v, done := consider(rec); done {
						return v
					}
				default:
					drained = true
				}
			}
			switch {
			case w.spec.Entry.Success == nil:
				return w.verdict(Resolved, "no recurrence", nil)
			case success != nil:
				return w.verdict(Resolved, "success pattern observed", success)
			default:
				return w.verdict(TimedOut, "success pattern not observed", nil)
			}
		}
	}
}

func (w *watch) verdict(o Outcome, reason string, rec *source.LogRecord) Verdict {
	return Verdict{SessionID: w.spec.SessionID, Outcome: o, Reason: reason, Record: rec, At: time.Now()}
}

// recurs reports whether rec brings the issue back. A windowed signature
// recurs only once Count matching records fall within its window, the
// same rule the classifier uses to raise it.
func (m *Monitor) recurs(w *watch, rec source.LogRecord) bool {
	caps, ok := w.spec.Entry.Match(rec)
	if !ok {
		return false
	}
	if w.spec.ContextKey != "" {
		d := classifier.Diagnosis{
			SignatureID: w.spec.Entry.ID,
			Records:     []source.LogRecord{rec},
			Captures:    caps,
			Entry:       w.spec.Entry,
		}
		if dedup.ContextKey(d) != w.spec.ContextKey {
			return false
		}
	}
	win := w.spec.Entry.Window
	if win == nil {
		return true
	}

	since := rec.Timestamp.Add(-win.Within.Std())
	kept := w.recent[:0]
	for _, r := range w.recent {
		if !r.Timestamp.Before(since) {
			kept = append(kept, r)
		}
	}
	w.recent = append(kept, rec)
	return len(w.recent) >= win.Count
}

func (w *watch) relevant(rec source.LogRecord) bool {
	if w.units == nil {
		return true
	}
	_, ok := w.units[rec.Unit]
	return ok
}

func (w *watch) offer(rec source.LogRecord, logger *zap.Logger) {
	select {
	case w.records <- rec:
	default:
		logger.Warn("confirmation queue full, dropping record",
			zap.String("session.id", w.spec.SessionID))
	}
}

// Observe offers rec to every active watch it is relevant to and keeps it
// in the backlog. It never blocks; a watch whose queue is full loses the
// record.
func (m *Monitor) Observe(rec source.LogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.backlog) < m.cfg.Backlog {
		m.backlog = append(m.backlog, rec)
	} else {
		m.backlog[m.next] = rec
		m.next = (m.next + 1) % m.cfg.Backlog
	}
	for w := range m.watches {
		if w.relevant(rec) {
			w.offer(rec, m.logger)
		}
	}
}

// recentLocked returns the backlog oldest first. Called with m.mu held.
func (m *Monitor) recentLocked() []source.LogRecord {
	if len(m.backlog) < m.cfg.Backlog {
		return m.backlog
	}
	out := make([]source.LogRecord, 0, len(m.backlog))
	out = append(out, m.backlog[m.next:]...)
	return append(out, m.backlog[:m.next]...)
}

// Active returns the number of running watches.
func (m *Monitor) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watches)
}
