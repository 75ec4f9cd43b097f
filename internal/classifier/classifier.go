package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/neighbor/internal/classifier"

// Inferer is the semantic collaborator. It picks the template that best
// explains message and returns its index with a confidence in [0,1].
type Inferer interface {
	Infer(ctx context.Context, message string, templates []string) (index int, confidence float64, err error)
}

// Config configures a Classifier.
type Config struct {
	// Threshold is the minimum semantic confidence accepted.
	Threshold float64
	// InferenceTimeout bounds one call to the Inferer.
	InferenceTimeout time.Duration
	// MinSeverity gates semantic delegation.
	MinSeverity source.Severity
	// SemanticAll offers every non-windowed signature to the Inferer, not
	// only those marked semantic.
	SemanticAll bool

	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
}

// DefaultConfig returns threshold 0.7, a 200ms inference budget and
// warning as the semantic floor.
func DefaultConfig() Config {
	return Config{
		Threshold:        0.7,
		InferenceTimeout: 200 * time.Millisecond,
		MinSeverity:      source.SeverityWarning,
	}
}

// Classifier maps records to diagnoses. Apart from the Inferer call it is
// a pure function of the record, the history and the store snapshot.
type Classifier struct {
	store   *signature.Store
	inferer Inferer
	cfg     Config
	logger  *zap.Logger

	tracer              trace.Tracer
	meter               metric.Meter
	diagnosisCounter    metric.Int64Counter
	inferenceFailures   metric.Int64Counter
	ambiguousCounter    metric.Int64Counter
	inferenceDurationMs metric.Float64Histogram
}

// New creates a classifier. inferer may be nil to disable semantic
// matching.
func New(store *signature.Store, inferer Inferer, cfg Config) (*Classifier, error) {
	if store == nil {
		return nil, errors.New("signature store is required")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0,1], got %f", cfg.Threshold)
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		store:   store,
		inferer: inferer,
		cfg:     cfg,
		logger:  logger,
		tracer:  cfg.Telemetry.Tracer(instrumentationName),
		meter:   cfg.Telemetry.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Classifier) initMetrics() {
	var err error

	c.diagnosisCounter, err = c.meter.Int64Counter(
		"neighbor.classifier.diagnoses_total",
		metric.WithDescription("Diagnoses produced, by method"),
		metric.WithUnit("{diagnosis}"),
	)
	if err != nil {
		c.logger.Warn("failed to create diagnosis counter", zap.Error(err))
	}

	c.inferenceFailures, err = c.meter.Int64Counter(
		"neighbor.classifier.inference_failures_total",
		metric.WithDescription("Semantic inference calls that failed or timed out"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn("failed to create inference failure counter", zap.Error(err))
	}

	c.ambiguousCounter, err = c.meter.Int64Counter(
		"neighbor.classifier.ambiguous_total",
		metric.WithDescription("Records whose top diagnoses tied before the id tie-break"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		c.logger.Warn("failed to create ambiguity counter", zap.Error(err))
	}

	c.inferenceDurationMs, err = c.meter.Float64Histogram(
		"neighbor.classifier.inference_duration_ms",
		metric.WithDescription("Semantic inference latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		c.logger.Warn("failed to create inference histogram", zap.Error(err))
	}
}

// Classify returns the diagnoses for rec, best first. hist holds earlier
// records for windowed signatures and is not modified; the caller pushes
// rec afterwards. A nil result means no known issue.
func (c *Classifier) Classify(ctx context.Context, rec source.LogRecord, hist *History) []Diagnosis {
	ctx, span := c.tracer.Start(ctx, "classifier.classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("record.unit", rec.Unit),
		attribute.String("record.severity", rec.Severity.String()),
	)

	var out []Diagnosis
	for _, e := range c.store.Lookup(rec) {
		if d, ok := c.matchDeterministic(e, rec, hist); ok {
			out = append(out, d)
		}
	}

	if len(out) == 0 && c.inferer != nil && rec.Severity.AtLeast(c.cfg.MinSeverity) {
		if d, ok := c.matchSemantic(ctx, rec); ok {
			out = append(out, d)
		}
	}

	if err := rank(out); err != nil {
		c.logger.Debug("diagnoses tied, resolved by signature id",
			zap.String("winner", out[0].SignatureID),
			zap.String("runner_up", out[1].SignatureID),
			zap.Error(err))
		c.add(ctx, c.ambiguousCounter)
	}
	for _, d := range out {
		c.add(ctx, c.diagnosisCounter, attribute.String("method", string(d.Method)))
	}

	span.SetAttributes(attribute.Int("diagnoses", len(out)))
	if len(out) > 0 {
		span.SetAttributes(attribute.String("signature.id", out[0].SignatureID))
	}
	return out
}

func (c *Classifier) matchDeterministic(e *signature.Entry, rec source.LogRecord, hist *History) (Diagnosis, bool) {
	caps, ok := e.Match(rec)
	if !ok {
		return Diagnosis{}, false
	}
	records := []source.LogRecord{rec}

	if w := e.Window; w != nil {
		if hist == nil {
			return Diagnosis{}, false
		}
		var earlier []source.LogRecord
		for _, h := range hist.Since(rec.Timestamp.Add(-w.Within.Std())) {
			if h.Timestamp.After(rec.Timestamp) {
				continue
			}
			if _, ok := e.Match(h); ok {
				earlier = append(earlier, h)
			}
		}
		if len(earlier)+1 < w.Count {
			return Diagnosis{}, false
		}
		// Keep the most recent Count records.
		earlier = earlier[len(earlier)-(w.Count-1):]
		records = append(earlier, rec)
	}

	return Diagnosis{
		SignatureID:      e.ID,
		SignatureVersion: e.Version,
		Records:          records,
		Confidence:       1.0,
		Method:           MethodDeterministic,
		Wildcards:        e.Wildcards(),
		Captures:         caps,
		Timestamp:        rec.Timestamp,
		Entry:            e,
	}, true
}

func (c *Classifier) semanticPool() []*signature.Entry {
	var pool []*signature.Entry
	for _, e := range c.store.All() {
		if e.Window != nil {
			continue
		}
		if e.Semantic || c.cfg.SemanticAll {
			pool = append(pool, e)
		}
	}
	return pool
}

type inferResult struct {
	index      int
	confidence float64
	err        error
}

func (c *Classifier) matchSemantic(ctx context.Context, rec source.LogRecord) (Diagnosis, bool) {
	pool := c.semanticPool()
	if len(pool) == 0 {
		return Diagnosis{}, false
	}
	templates := make([]string, len(pool))
	for i, e := range pool {
		templates[i] = e.Title + ": " + e.Explanation
	}

	ctx, span := c.tracer.Start(ctx, "classifier.infer")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InferenceTimeout)
	defer cancel()

	// The collaborator may ignore ctx; the deadline is enforced here.
	results := make(chan inferResult, 1)
	start := time.Now()
	go func() {
		idx, conf, err := c.inferer.Infer(ctx, rec.Message, templates)
		results <- inferResult{idx, conf, err}
	}()

	var res inferResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if c.inferenceDurationMs != nil {
		c.inferenceDurationMs.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}

	if res.err != nil {
		c.add(ctx, c.inferenceFailures)
		span.RecordError(res.err)
		c.logger.Info("semantic inference unavailable, using deterministic matches only",
			zap.String("unit", rec.Unit),
			zap.Error(res.err))
		return Diagnosis{}, false
	}
	if res.index < 0 || res.index >= len(pool) {
		c.logger.Debug("inference picked no candidate", zap.Int("index", res.index))
		return Diagnosis{}, false
	}
	if math.IsNaN(res.confidence) {
		c.logger.Debug("inference returned no usable confidence", zap.Int("index", res.index))
		return Diagnosis{}, false
	}
	res.confidence = min(max(res.confidence, 0), 1)
	span.SetAttributes(attribute.Float64("confidence", res.confidence))
	if res.confidence < c.cfg.Threshold {
		return Diagnosis{}, false
	}

	e := pool[res.index]
	return Diagnosis{
		SignatureID:      e.ID,
		SignatureVersion: e.Version,
		Records:          []source.LogRecord{rec},
		Confidence:       res.confidence,
		Method:           MethodSemantic,
		Wildcards:        e.Wildcards(),
		Timestamp:        rec.Timestamp,
		Entry:            e,
	}, true
}

func (c *Classifier) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
