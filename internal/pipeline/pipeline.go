// Package pipeline is the single consuming loop: records flow from the
// source through a capped queue into the classifier, the deduplicator and
// the session manager, and every record is offered to active confirmation
// watches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/dedup"
	"github.com/fyrsmithlabs/neighbor/internal/scrub"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// Opener opens a session for an admitted, unscrubbed diagnosis.
type Opener interface {
	Open(ctx context.Context, diag classifier.Diagnosis, contextKey string) (session.Session, error)
}

// Observer receives every consumed record.
type Observer interface {
	Observe(rec source.LogRecord)
}

// Config configures a Pipeline.
type Config struct {
	QueueSize   int
	HistorySize int
	// Scrubber sanitises the records reported through OnResult. Nil uses
	// the default rules.
	Scrubber *scrub.Scrubber
	// OnResult, if set, is called for every processed record.
	OnResult func(Result)
	Logger   *zap.Logger
}

// Result describes what happened to one record.
type Result struct {
	Record     source.LogRecord
	Diagnosis  *classifier.Diagnosis
	ContextKey string
	Outcome    dedup.Outcome
	Session    *session.Session
}

// Pipeline owns the record queue and the classification history.
type Pipeline struct {
	classifier *classifier.Classifier
	dedup      *dedup.Deduplicator
	sessions   Opener
	observers  []Observer

	cfg      Config
	queue    *Queue
	history  *classifier.History
	scrubber *scrub.Scrubber
	metrics  *Metrics
	logger   *zap.Logger
}

// New creates a pipeline. sessions may be nil, in which case admitted
// diagnoses are only reported through OnResult.
func New(cls *classifier.Classifier, dd *dedup.Deduplicator, sessions Opener, cfg Config, observers ...Observer) (*Pipeline, error) {
	if cls == nil {
		return nil, errors.New("classifier is required")
	}
	if dd == nil {
		return nil, errors.New("deduplicator is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scrubber := cfg.Scrubber
	if scrubber == nil {
		scrubber = scrub.New(scrub.DefaultRules())
	}
	p := &Pipeline{
		classifier: cls,
		dedup:      dd,
		sessions:   sessions,
		observers:  observers,
		cfg:        cfg,
		history:    classifier.NewHistory(cfg.HistorySize),
		scrubber:   scrubber,
		metrics:    NewMetrics(),
		logger:     logger,
	}
	p.queue = NewQueue(cfg.QueueSize, p.metrics.DroppedRecordsTotal.Inc)
	return p, nil
}

// Push enqueues a record without blocking.
func (p *Pipeline) Push(rec source.LogRecord) {
	p.queue.Push(rec)
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))
}

// Close stops accepting records; Consume returns once the queue drains.
func (p *Pipeline) Close() {
	p.queue.Close()
}

// Run follows the source into the queue and consumes it until ctx is
// cancelled or the source ends.
func (p *Pipeline) Run(ctx context.Context, f *source.Follower) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	followErr := make(chan error, 1)
	go func() {
		err := f.Run(ctx, func(rec source.LogRecord) {
			p.Push(rec)
			p.metrics.SourceReconnects.Set(float64(f.Reconnects()))
		})
		p.Close()
		followErr <- err
	}()

	err := p.Consume(ctx)
	cancel()
	if ferr := <-followErr; ferr != nil {
		return errors.Join(err, fmt.Errorf("following source: %w", ferr))
	}
	return err
}

// Consume processes queued records until the queue is closed and drained
// or ctx is cancelled. Cancellation is not an error.
func (p *Pipeline) Consume(ctx context.Context) error {
	for {
		rec, err := p.queue.Pop(ctx)
		switch {
		case errors.Is(err, ErrQueueClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		p.Process(ctx, rec)
	}
}

// Process runs one record through the pipeline. A panic in any stage is
// recovered and logged so the loop keeps going.
func (p *Pipeline) Process(ctx context.Context, rec source.LogRecord) (res Result) {
	res.Record = rec
	defer func() {
		if r := recover(); r != nil {
			p.metrics.PanicsTotal.Inc()
			p.logger.Error("record processing panicked",
				zap.Any("panic", r),
				zap.String("unit", rec.Unit),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	p.metrics.RecordsTotal.Inc()

	for _, o := range p.observers {
		o.Observe(rec)
	}

	diags := p.classifier.Classify(ctx, rec, p.history)
	p.history.Push(rec)
	if len(diags) == 0 {
		p.report(res)
		return res
	}

	diag := diags[0]
	p.metrics.DiagnosesTotal.WithLabelValues(string(diag.Method)).Inc()
	res.Diagnosis = &diag
	res.ContextKey = dedup.ContextKey(diag)

	now := rec.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	_, res.Outcome = p.dedup.Decide(diag, diag.Entry.Risk, now)
	if res.Outcome != dedup.Admitted {
		p.metrics.SuppressedTotal.WithLabelValues(string(res.Outcome)).Inc()
		p.logger.Debug("diagnosis suppressed",
			zap.String("signature.id", diag.SignatureID),
			zap.String("context_key", res.ContextKey),
			zap.String("outcome", string(res.Outcome)),
			zap.String("message", rec.Message),
		)
		p.report(res)
		return res
	}

	// Only the reported copy is scrubbed. The session gets the raw
	// records because fix commands are resolved from them.
	surfaced := diag
	surfaced.Records = make([]source.LogRecord, len(diag.Records))
	for i, r := range diag.Records {
		surfaced.Records[i] = p.scrubber.Record(r)
	}
	res.Diagnosis = &surfaced

	if p.sessions != nil {
		s, err := p.sessions.Open(ctx, diag, res.ContextKey)
		switch {
		case errors.Is(err, session.ErrActive):
			p.logger.Debug("session already active", zap.String("signature.id", diag.SignatureID))
		case err != nil:
			p.logger.Warn("failed to open session", zap.String("signature.id", diag.SignatureID), zap.Error(err))
		default:
			p.metrics.SessionsOpenedTotal.Inc()
			res.Session = &s
		}
	}
	p.report(res)
	return res
}

func (p *Pipeline) report(res Result) {
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(res)
	}
}
