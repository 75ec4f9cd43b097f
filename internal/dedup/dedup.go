// Package dedup suppresses repeated diagnoses for the same issue and
// bounds how fast new sessions can be raised during alert storms.
package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/neighbor/internal/dedup"

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("deduplicator closed")

// Outcome of an admission decision.
type Outcome string

const (
	Admitted   Outcome = "admitted"
	Suppressed Outcome = "suppressed"
	StormDrop  Outcome = "storm"
)

// CooldownEntry records when an issue was last raised for a context.
type CooldownEntry struct {
	SignatureID string    `json:"signature_id"`
	ContextKey  string    `json:"context_key"`
	LastRaised  time.Time `json:"last_raised"`
}

// Persister stores cooldown stamps across restarts.
type Persister interface {
	PutCooldown(key string, ts time.Time, ttl time.Duration) error
	Cooldowns() (map[string]time.Time, error)
}

// Config configures a Deduplicator.
type Config struct {
	// Window is the default cooldown.
	Window time.Duration
	// TierWindows overrides Window per risk tier.
	TierWindows map[signature.RiskTier]time.Duration
	// StormRate and StormBurst bound admissions across all keys.
	StormRate  float64
	StormBurst int

	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
}

// DefaultConfig returns a 10 minute window and a 1/s burst 5 storm guard.
func DefaultConfig() Config {
	return Config{Window: 10 * time.Minute, StormRate: 1, StormBurst: 5}
}

// Deduplicator owns the cooldown table. Reads take a shared lock; an
// admission takes the exclusive lock so check-and-stamp is atomic.
type Deduplicator struct {
	cfg     Config
	store   Persister
	logger  *zap.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	entries   map[string]CooldownEntry
	lastPrune time.Time
	closed    bool

	decisions metric.Int64Counter
}

// New creates a deduplicator. store may be nil for an in-memory table.
func New(cfg Config, store Persister) *Deduplicator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.StormRate <= 0 {
		cfg.StormRate = def.StormRate
	}
	if cfg.StormBurst < 1 {
		cfg.StormBurst = def.StormBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deduplicator{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.StormRate), cfg.StormBurst),
		entries: make(map[string]CooldownEntry),
	}

	var err error
	d.decisions, err = cfg.Telemetry.Meter(instrumentationName).Int64Counter(
		"neighbor.dedup.decisions_total",
		metric.WithDescription("Admission decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create dedup counter", zap.Error(err))
	}
	return d
}

// Load restores persisted cooldowns.
func (d *Deduplicator) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.store == nil {
		return nil
	}
	stamps, err := d.store.Cooldowns()
	if err != nil {
		return err
	}
	for key, ts := range stamps {
		sigID, ctxKey, ok := strings.Cut(key, keySep)
		if !ok {
			continue
		}
		d.entries[key] = CooldownEntry{SignatureID: sigID, ContextKey: ctxKey, LastRaised: ts}
	}
	d.logger.Debug("cooldowns restored", zap.Int("count", len(stamps)))
	return nil
}

// Close stops persisting. The table stays readable.
func (d *Deduplicator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Window returns the cooldown for tier.
func (d *Deduplicator) Window(tier signature.RiskTier) time.Duration {
	if w, ok := d.cfg.TierWindows[tier]; ok && w > 0 {
		return w
	}
	return d.cfg.Window
}

// Admit decides whether diag may open a session. A diagnosis is dropped
// while its (signature, context) pair is cooling down, or when the storm
// limiter is exhausted. Admitted diagnoses are stamped at now.
func (d *Deduplicator) Admit(diag classifier.Diagnosis, tier signature.RiskTier, now time.Time) (CooldownEntry, bool) {
	entry, outcome := d.Decide(diag, tier, now)
	return entry, outcome == Admitted
}

// Decide is Admit reporting why a diagnosis was dropped.
func (d *Deduplicator) Decide(diag classifier.Diagnosis, tier signature.RiskTier, now time.Time) (CooldownEntry, Outcome) {
	entry, outcome := d.admit(diag, tier, now)
	if d.decisions != nil {
		d.decisions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
			attribute.String("signature.id", diag.SignatureID),
		))
	}
	return entry, outcome
}

func (d *Deduplicator) admit(diag classifier.Diagnosis, tier signature.RiskTier, now time.Time) (CooldownEntry, Outcome) {
	ctxKey := ContextKey(diag)
	key := diag.SignatureID + keySep + ctxKey
	window := d.Window(tier)

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.entries[key]; ok && now.Sub(prev.LastRaised) < window {
		return prev, Suppressed
	}
	if !d.limiter.AllowN(now, 1) {
		d.logger.Warn("alert storm, dropping diagnosis",
			zap.String("signature.id", diag.SignatureID),
			zap.String("context_key", ctxKey))
		return CooldownEntry{SignatureID: diag.SignatureID, ContextKey: ctxKey}, StormDrop
	}

	entry := CooldownEntry{SignatureID: diag.SignatureID, ContextKey: ctxKey, LastRaised: now}
	d.entries[key] = entry
	if d.store != nil && !d.closed {
		if err := d.store.PutCooldown(key, now, window); err != nil {
			d.logger.Warn("failed to persist cooldown", zap.String("key", key), zap.Error(err))
		}
	}
	d.prune(now)
	return entry, Admitted
}

// prune drops entries older than every configured window. Caller holds mu.
func (d *Deduplicator) prune(now time.Time) {
	longest := d.cfg.Window
	for _, w := range d.cfg.TierWindows {
		if w > longest {
			longest = w
		}
	}
	if now.Sub(d.lastPrune) < longest {
		return
	}
	d.lastPrune = now
	for k, e := range d.entries {
		if now.Sub(e.LastRaised) >= longest {
			delete(d.entries, k)
		}
	}
}

// Get returns the cooldown entry for a signature and context key.
func (d *Deduplicator) Get(signatureID, contextKey string) (CooldownEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[signatureID+keySep+contextKey]
	return e, ok
}

// Len returns the number of tracked entries.
func (d *Deduplicator) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

const keySep = "|"

var (
	defaultUnitFields   = []string{"_SYSTEMD_UNIT", "unit"}
	defaultDeviceFields = []string{"DEVICE", "_KERNEL_DEVICE", "device"}
)

// ContextKey identifies the affected resource of diag. Declared context
// fields are looked up in the diagnosis context (record fields, captures,
// unit); without declarations the unit and the first device field are
// used. The record unit is the fallback.
func ContextKey(diag classifier.Diagnosis) string {
	ctx := diag.Context()

	var parts []string
	if diag.Entry != nil && len(diag.Entry.ContextFields) > 0 {
		for _, f := range diag.Entry.ContextFields {
			if v, ok := ctx[f]; ok && v != "" {
				parts = append(parts, f+"="+v)
			}
		}
	} else {
		for _, group := range [][]string{defaultUnitFields, defaultDeviceFields} {
			for _, f := range group {
				if v, ok := ctx[f]; ok && v != "" {
					parts = append(parts, f+"="+v)
					break
				}
			}
		}
	}
	if len(parts) == 0 {
		return "unit=" + diag.Trigger().Unit
	}
	return strings.Join(parts, ",")
}
