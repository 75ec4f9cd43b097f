package classifier

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const microcode = "iwlwifi 0000:00:14.3: Microcode SW error detected. Restarting 0x0."

type fakeInferer struct {
	index      int
	confidence float64
	err        error
	delay      time.Duration
	calls      int
	templates  []string
}

func (f *fakeInferer) Infer(_ context.Context, _ string, templates []string) (int, float64, error) {
	f.calls++
	f.templates = templates
	// Deliberately ignores ctx to prove the classifier enforces the budget.
	time.Sleep(f.delay)
	return f.index, f.confidence, f.err
}

func kernelAt(ts time.Time, msg string) source.LogRecord {
	return source.NewRecord(ts, "kernel", source.SeverityError, msg, nil)
}

func defaultStore(t *testing.T) *signature.Store {
	t.Helper()
	s := signature.NewStore(nil)
	require.Empty(t, s.Replace(signature.DefaultPack()))
	return s
}

func newClassifier(t *testing.T, store *signature.Store, inf Inferer, mutate ...func(*Config)) *Classifier {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(store, inf, cfg)
	require.NoError(t, err)
	return c
}

func TestClassify_NoMatch(t *testing.T) {
	c := newClassifier(t, defaultStore(t), nil)
	got := c.Classify(context.Background(), kernelAt(time.Now(), "wlan0: associated"), NewHistory(8))
	assert.Empty(t, got)
}

func TestClassify_DeterministicIgnoresTimestamp(t *testing.T) {
	c := newClassifier(t, defaultStore(t), nil)

	a := c.Classify(context.Background(), kernelAt(time.Now(), microcode), NewHistory(8))
	b := c.Classify(context.Background(), kernelAt(time.Now().Add(-time.Hour), microcode), NewHistory(8))
	require.Len(t, a, 1)
	require.Len(t, b, 1)

	for _, d := range []Diagnosis{a[0], b[0]} {
		assert.Equal(t, "iwlwifi-microcode-error", d.SignatureID)
		assert.Equal(t, 1.0, d.Confidence)
		assert.Equal(t, MethodDeterministic, d.Method)
		assert.Equal(t, "0000:00:14.3", d.Captures["device"])
	}
}

func TestClassify_TieBreak(t *testing.T) {
	store := signature.NewStore(nil)
	mk := func(id string, spec signature.MatcherSpec) signature.Signature {
		return signature.Signature{ID: id, Title: id, Matcher: spec, Explanation: id, Risk: signature.RiskSafe}
	}
	require.Empty(t, store.Replace([]signature.Signature{
		mk("a-loose", signature.MatcherSpec{Kind: signature.KindRegex, Pattern: `iwlwifi .*: Microcode .* error`}),
		mk("z-exact", signature.MatcherSpec{Kind: signature.KindLiteral, Text: "Microcode SW error"}),
		mk("m-exact", signature.MatcherSpec{Kind: signature.KindLiteral, Text: "SW error detected"}),
	}))

	tel := telemetry.NewTestTelemetry()
	c := newClassifier(t, store, nil, func(cfg *Config) { cfg.Telemetry = tel.Telemetry })

	got := c.Classify(context.Background(), kernelAt(time.Now(), microcode), NewHistory(8))
	require.Len(t, got, 3)
	assert.Equal(t, "m-exact", got[0].SignatureID)
	assert.Equal(t, "z-exact", got[1].SignatureID)
	assert.Equal(t, "a-loose", got[2].SignatureID)

	assert.Equal(t, int64(1), tel.CounterValue(t, "neighbor.classifier.ambiguous_total"))
	assert.Equal(t, int64(3), tel.CounterValue(t, "neighbor.classifier.diagnoses_total",
		attribute.String("method", "deterministic")))
	tel.AssertSpanAttribute(t, "classifier.classify", "signature.id", "m-exact")
}

func TestRank_DeterministicBeatsSemantic(t *testing.T) {
	ds := []Diagnosis{
		{SignatureID: "a", Method: MethodSemantic, Wildcards: 0},
		{SignatureID: "b", Method: MethodDeterministic, Wildcards: 5},
	}
	assert.NoError(t, rank(ds))
	assert.Equal(t, "b", ds[0].SignatureID)
}

func TestClassify_Window(t *testing.T) {
	c := newClassifier(t, defaultStore(t), nil)
	hist := NewHistory(16)
	t0 := time.Now()

	fire := func(offset time.Duration) []Diagnosis {
		rec := kernelAt(t0.Add(offset), "usb 1-2: USB disconnect, device number 7")
		out := c.Classify(context.Background(), rec, hist)
		hist.Push(rec)
		return out
	}

	assert.Empty(t, fire(0))
	assert.Empty(t, fire(10*time.Second))
	got := fire(20 * time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "usb-disconnect-storm", got[0].SignatureID)
	assert.Len(t, got[0].Records, 3)

	// Two minutes later the earlier records fall outside the window.
	assert.Empty(t, fire(3*time.Minute))
}

func TestClassify_SemanticAccepted(t *testing.T) {
	inf := &fakeInferer{confidence: 0.9}
	c := newClassifier(t, defaultStore(t), inf)

	got := c.Classify(context.Background(), kernelAt(time.Now(), "hci0: could not bring up the radio"), NewHistory(8))
	require.Len(t, got, 1)
	assert.Equal(t, MethodSemantic, got[0].Method)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, 1, inf.calls)

	// Only signatures marked semantic are offered, in id order.
	require.Len(t, inf.templates, 2)
	assert.Contains(t, inf.templates[0], "Bluetooth firmware failed to load")
	assert.Equal(t, "bluetooth-firmware-load", got[0].SignatureID)
}

func TestClassify_SemanticBelowThreshold(t *testing.T) {
	inf := &fakeInferer{confidence: 0.69}
	c := newClassifier(t, defaultStore(t), inf)
	assert.Empty(t, c.Classify(context.Background(), kernelAt(time.Now(), "hci0: odd"), NewHistory(8)))
}

func TestClassify_SemanticConfidenceOutOfRange(t *testing.T) {
	rec := kernelAt(time.Now(), "hci0: could not bring up the radio")

	nan := &fakeInferer{confidence: math.NaN()}
	assert.Empty(t, newClassifier(t, defaultStore(t), nan).Classify(context.Background(), rec, NewHistory(8)))
	assert.Equal(t, 1, nan.calls)

	high := &fakeInferer{confidence: 7.5}
	got := newClassifier(t, defaultStore(t), high).Classify(context.Background(), rec, NewHistory(8))
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Confidence)

	negative := &fakeInferer{confidence: -0.2}
	assert.Empty(t, newClassifier(t, defaultStore(t), negative).Classify(context.Background(), rec, NewHistory(8)))
}

func TestClassify_SemanticSkippedBelowMinSeverity(t *testing.T) {
	inf := &fakeInferer{confidence: 1}
	c := newClassifier(t, defaultStore(t), inf)
	rec := source.NewRecord(time.Now(), "kernel", source.SeverityInfo, "hci0: odd", nil)
	assert.Empty(t, c.Classify(context.Background(), rec, NewHistory(8)))
	assert.Equal(t, 0, inf.calls)
}

func TestClassify_SemanticNotCalledWhenDeterministicMatches(t *testing.T) {
	inf := &fakeInferer{confidence: 1}
	c := newClassifier(t, defaultStore(t), inf)
	got := c.Classify(context.Background(), kernelAt(time.Now(), microcode), NewHistory(8))
	require.Len(t, got, 1)
	assert.Equal(t, 0, inf.calls)
}

func TestClassify_InferenceTimeoutYieldsNothing(t *testing.T) {
	inf := &fakeInferer{confidence: 1, delay: time.Second}
	tel := telemetry.NewTestTelemetry()
	c := newClassifier(t, defaultStore(t), inf, func(cfg *Config) { cfg.Telemetry = tel.Telemetry })

	start := time.Now()
	got := c.Classify(context.Background(), kernelAt(time.Now(), "hci0: odd"), NewHistory(8))
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 800*time.Millisecond)
	assert.Equal(t, int64(1), tel.CounterValue(t, "neighbor.classifier.inference_failures_total"))
}

func TestClassify_InferenceErrorDegrades(t *testing.T) {
	inf := &fakeInferer{err: errors.New("connection refused")}
	c := newClassifier(t, defaultStore(t), inf)
	assert.Empty(t, c.Classify(context.Background(), kernelAt(time.Now(), "hci0: odd"), NewHistory(8)))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Threshold = 1.5
	_, err = New(signature.NewStore(nil), nil, cfg)
	assert.Error(t, err)
}

func TestDiagnosis_Context(t *testing.T) {
	rec := source.NewRecord(time.Now(), "kernel", source.SeverityError, microcode, map[string]string{"_HOSTNAME": "box"})
	d := Diagnosis{SignatureID: "x", Records: []source.LogRecord{rec}, Confidence: 1, Captures: map[string]string{"device": "0000:00:14.3"}}
	ctx := d.Context()
	assert.Equal(t, "kernel", ctx["unit"])
	assert.Equal(t, "box", ctx["_HOSTNAME"])
	assert.Equal(t, "0000:00:14.3", ctx["device"])
	assert.Equal(t, "error", ctx["severity"])
}

func TestHistory_Ring(t *testing.T) {
	h := NewHistory(3)
	t0 := time.Now()
	for i := 0; i < 5; i++ {
		h.Push(kernelAt(t0.Add(time.Duration(i)*time.Second), string(rune('a'+i))))
	}
	assert.Equal(t, 3, h.Len())
	got := h.Since(t0)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)
	assert.Len(t, h.Since(t0.Add(4*time.Second)), 1)
}
