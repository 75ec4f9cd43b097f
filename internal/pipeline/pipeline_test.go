package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/confirm"
	"github.com/fyrsmithlabs/neighbor/internal/dedup"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
)

const microcode = "iwlwifi 0000:00:14.3: Microcode SW error detected. Restarting 0x0."

type recordingOpener struct {
	mu     sync.Mutex
	opened []classifier.Diagnosis
	keys   []string
	panic  bool
}

func (r *recordingOpener) Open(_ context.Context, d classifier.Diagnosis, key string) (session.Session, error) {
	if r.panic {
		panic("opener exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, d)
	r.keys = append(r.keys, key)
	return session.Session{ID: "s" + key, Key: session.Key{SignatureID: d.SignatureID, ContextKey: key}}, nil
}

func (r *recordingOpener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *recordingObserver) Observe(rec source.LogRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, rec.Message)
}

type slowInferer struct{ delay time.Duration }

func (s slowInferer) Infer(context.Context, string, []string) (int, float64, error) {
	time.Sleep(s.delay)
	return 0, 0.99, nil
}

func newClassifier(t *testing.T, inf classifier.Inferer) *classifier.Classifier {
	t.Helper()
	store := signature.NewStore(nil)
	require.Empty(t, store.Replace(signature.DefaultPack()))
	c, err := classifier.New(store, inf, classifier.DefaultConfig())
	require.NoError(t, err)
	return c
}

func newPipeline(t *testing.T, inf classifier.Inferer, opener Opener, observers ...Observer) *Pipeline {
	t.Helper()
	p, err := New(newClassifier(t, inf), dedup.New(dedup.DefaultConfig(), nil), opener, Config{}, observers...)
	require.NoError(t, err)
	return p
}

func kernel(ts time.Time, msg string) source.LogRecord {
	return source.NewRecord(ts, "kernel", source.SeverityError, msg, nil)
}

func TestProcess_NoMatch(t *testing.T) {
	opener := &recordingOpener{}
	p := newPipeline(t, nil, opener)

	res := p.Process(context.Background(), kernel(time.Now(), "wlan0: associated"))
	assert.Nil(t, res.Diagnosis)
	assert.Nil(t, res.Session)
	assert.Zero(t, opener.count())
}

func TestProcess_DuplicateWithinCooldownOpensOneSession(t *testing.T) {
	opener := &recordingOpener{}
	p := newPipeline(t, nil, opener)
	t0 := time.Now()

	first := p.Process(context.Background(), kernel(t0, microcode))
	require.NotNil(t, first.Diagnosis)
	assert.Equal(t, dedup.Admitted, first.Outcome)
	assert.Equal(t, "device=0000:00:14.3", first.ContextKey)
	require.NotNil(t, first.Session)

	second := p.Process(context.Background(), kernel(t0.Add(40*time.Second), microcode))
	require.NotNil(t, second.Diagnosis)
	assert.Equal(t, dedup.Suppressed, second.Outcome)
	assert.Nil(t, second.Session)

	assert.Equal(t, 1, opener.count())
}

func TestProcess_InferenceTimeoutOpensNothing(t *testing.T) {
	opener := &recordingOpener{}
	p := newPipeline(t, slowInferer{delay: time.Second}, opener)

	start := time.Now()
	res := p.Process(context.Background(), kernel(time.Now(), "something odd happened to the frobnicator"))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Nil(t, res.Diagnosis)
	assert.Zero(t, opener.count())
}

func TestProcess_ScrubsSurfacedRecords(t *testing.T) {
	opener := &recordingOpener{}
	p := newPipeline(t, nil, opener)

	r := source.NewRecord(time.Now(), "NetworkManager", source.SeverityWarning,
		"dhcp4 (wlp2s0): request timed out (server 192.168.1.1)", nil)
	res := p.Process(context.Background(), r)
	require.NotNil(t, res.Diagnosis)
	require.Equal(t, 1, opener.count())

	assert.NotContains(t, res.Diagnosis.Records[0].Message, "192.168.1.1")
	assert.Equal(t, "wlp2s0", res.Diagnosis.Captures["iface"])
	assert.Equal(t, "iface=wlp2s0", opener.keys[0])

	raw := opener.opened[0]
	assert.Contains(t, raw.Records[0].Message, "192.168.1.1", "sessions resolve fixes from the raw record")
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	opener := &recordingOpener{panic: true}
	p := newPipeline(t, nil, opener)

	assert.NotPanics(t, func() {
		p.Process(context.Background(), kernel(time.Now(), microcode))
	})

	opener.panic = false
	res := p.Process(context.Background(), source.NewRecord(time.Now(), "systemd", source.SeverityError,
		"backup.service: Failed with result 'exit-code'.", nil))
	require.NotNil(t, res.Session)
}

func TestProcess_ObserversSeeEveryRecord(t *testing.T) {
	obs := &recordingObserver{}
	p := newPipeline(t, nil, nil, obs)

	p.Process(context.Background(), kernel(time.Now(), "one"))
	p.Process(context.Background(), kernel(time.Now(), microcode))
	assert.Equal(t, []string{"one", microcode}, obs.seen)
}

func TestRun_FollowsSourceUntilEOF(t *testing.T) {
	var mu sync.Mutex
	var results []Result
	p, err := New(newClassifier(t, nil), dedup.New(dedup.DefaultConfig(), nil), nil, Config{
		OnResult: func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		},
	})
	require.NoError(t, err)

	src := source.NewMemorySource(8)
	t0 := time.Now()
	src.Push(kernel(t0, "boot"))
	src.Push(kernel(t0.Add(time.Second), microcode))
	src.Push(kernel(t0.Add(2*time.Second), microcode))
	src.Close()

	f := source.NewFollower(src, nil, source.FollowerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, f))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)
	assert.Nil(t, results[0].Diagnosis)
	assert.Equal(t, dedup.Admitted, results[1].Outcome)
	assert.Equal(t, dedup.Suppressed, results[2].Outcome)
	assert.Equal(t, "3", f.Cursor())
}

type stagingExecutor struct {
	mu     sync.Mutex
	staged []string
}

func (e *stagingExecutor) Stage(_ context.Context, a *remediation.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staged = append(e.staged, a.Command)
	return nil
}

func (e *stagingExecutor) Run(context.Context, *remediation.Action) (remediation.ExecResult, error) {
	now := time.Now()
	return remediation.ExecResult{StartedAt: now, FinishedAt: now}, nil
}

// The staged command is built from the record as logged, while the session
// only shows the scrubbed copy.
func TestProcess_FixUsesUnscrubbedFields(t *testing.T) {
	store := signature.NewStore(nil)
	require.Empty(t, store.Replace(signature.DefaultPack()))
	_, err := store.Upsert(signature.Signature{
		ID:            "arp-gateway-stale",
		Title:         "Gateway address is stale",
		Matcher:       signature.MatcherSpec{Kind: signature.KindLiteral, Text: "gateway stopped answering"},
		Explanation:   "The gateway stopped answering ARP requests.",
		Remediation:   "ip neigh flush to {{.GATEWAY}}",
		Risk:          signature.RiskSafe,
		ContextFields: []string{"GATEWAY"},
	})
	require.NoError(t, err)
	cls, err := classifier.New(store, nil, classifier.DefaultConfig())
	require.NoError(t, err)

	exec := &stagingExecutor{}
	orch, err := remediation.NewOrchestrator(exec, remediation.Config{})
	require.NoError(t, err)
	mgr, err := session.NewManager(orch, confirm.NewMonitor(confirm.Config{}), session.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	p, err := New(cls, dedup.New(dedup.DefaultConfig(), nil), mgr, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	rec := source.NewRecord(time.Now(), "arpwatch", source.SeverityWarning,
		"gateway stopped answering at 192.168.1.1", map[string]string{"GATEWAY": "192.168.1.1"})
	res := p.Process(ctx, rec)
	require.NotNil(t, res.Session)
	assert.NotContains(t, res.Session.Diagnosis.Records[0].Message, "192.168.1.1")
	gw, _ := res.Session.Diagnosis.Records[0].Field("GATEWAY")
	assert.Equal(t, "[ip]", gw)

	s, err := mgr.Submit(ctx, session.Intent{SessionID: res.Session.ID, Kind: session.IntentRequestFix})
	require.NoError(t, err)
	require.NotNil(t, s.Action)
	assert.Equal(t, "ip neigh flush to 192.168.1.1", s.Action.Command)
	assert.Equal(t, []string{"ip neigh flush to 192.168.1.1"}, exec.staged)
}

type okExecutor struct{}

func (okExecutor) Stage(context.Context, *remediation.Action) error { return nil }

func (okExecutor) Run(context.Context, *remediation.Action) (remediation.ExecResult, error) {
	now := time.Now()
	return remediation.ExecResult{StartedAt: now, FinishedAt: now}, nil
}

// End to end: detection, one session for a duplicate, fix, and an
// unresolved verdict when the error recurs after the fix.
func TestEndToEnd_RecurrenceAfterFix(t *testing.T) {
	orch, err := remediation.NewOrchestrator(okExecutor{}, remediation.Config{})
	require.NoError(t, err)
	monitor := confirm.NewMonitor(confirm.Config{Window: time.Minute})
	mgr, err := session.NewManager(orch, monitor, session.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	p, err := New(newClassifier(t, nil), dedup.New(dedup.DefaultConfig(), nil), mgr, Config{}, monitor)
	require.NoError(t, err)
	ctx := context.Background()

	p.Process(ctx, kernel(time.Now(), microcode))
	p.Process(ctx, kernel(time.Now().Add(time.Second), microcode))
	sessions := mgr.List()
	require.Len(t, sessions, 1)
	id := sessions[0].ID
	assert.Equal(t, session.StatePresented, sessions[0].State)

	_, err = mgr.Submit(ctx, session.Intent{SessionID: id, Kind: session.IntentRequestFix})
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, session.Intent{SessionID: id, Kind: session.IntentExecute})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return monitor.Active() == 1 }, 5*time.Second, 5*time.Millisecond)
	p.Process(ctx, kernel(time.Now().Add(2*time.Second), microcode))

	require.Eventually(t, func() bool {
		s, err := mgr.Get(id)
		return err == nil && s.State == session.StateUnresolved
	}, 5*time.Second, 5*time.Millisecond)
}
