package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fyrsmithlabs/neighbor/internal/http"
	"github.com/fyrsmithlabs/neighbor/internal/monitor"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// fakeDaemon is a minimal neighbord API for one session.
type fakeDaemon struct {
	mu      sync.Mutex
	session session.Session
	intents []session.IntentKind
	// refuse maps an intent kind to the error it is refused with.
	refuse map[session.IntentKind]string
	events []session.Event
}

func (f *fakeDaemon) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpserver.HealthResponse{
			Status:           "ok",
			Version:          "1.0.0",
			Signatures:       6,
			SignatureVersion: 2,
			Sessions:         map[session.State]int{session.StatePresented: 1, session.StateResolved: 3},
		})
	})
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(httpserver.SessionListResponse{
			Sessions: []session.Session{f.session},
			Count:    1,
		})
	})
	mux.HandleFunc("/api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !strings.HasPrefix(r.URL.Path, "/api/v1/sessions/"+f.session.ID) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"session not found"}`)
			return
		}
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(f.session)
			return
		}
		var req httpserver.IntentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.intents = append(f.intents, req.Kind)
		if msg, ok := f.refuse[req.Kind]; ok {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(httpserver.IntentResponse{Session: &f.session, Error: msg})
			return
		}
		_ = json.NewEncoder(w).Encode(httpserver.IntentResponse{Session: &f.session})
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f.mu.Lock()
		events := f.events
		f.mu.Unlock()
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.State, data)
		}
	})
	mux.HandleFunc("/api/v1/signatures", func(w http.ResponseWriter, r *http.Request) {
		sigs := signature.DefaultPack()
		_ = json.NewEncoder(w).Encode(httpserver.SignatureListResponse{Version: 1, Signatures: sigs, Count: len(sigs)})
	})
	mux.HandleFunc("/api/v1/scrub", func(w http.ResponseWriter, r *http.Request) {
		var req httpserver.ScrubRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(httpserver.ScrubResponse{
			Content:       strings.ReplaceAll(req.Content, "hunter2", "[REDACTED]"),
			FindingsCount: strings.Count(req.Content, "hunter2"),
		})
	})
	return mux
}

func (f *fakeDaemon) sent() []session.IntentKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.IntentKind(nil), f.intents...)
}

func stagedSession(risk signature.RiskTier) session.Session {
	return session.Session{
		ID:          "s1",
		Key:         session.Key{SignatureID: "systemd-unit-failed", ContextKey: "service=backup.service"},
		State:       session.StateStaged,
		Title:       "A background service stopped",
		Explanation: "backup.service exited with an error.",
		Risk:        risk,
		Status:      "Ready to restart backup.service",
		Action: &remediation.Action{
			Label:   "Restart backup.service",
			Command: "systemctl restart backup.service",
			Risk:    risk,
		},
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}
}

// startDaemon points the package-level client flags at a fake server.
func startDaemon(t *testing.T, f *fakeDaemon) *monitor.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	prevURL, prevTimeout := serverURL, timeout
	serverURL, timeout = srv.URL, 2*time.Second
	t.Cleanup(func() { serverURL, timeout = prevURL, prevTimeout })
	return newClient()
}

func setFixFlags(t *testing.T, yes, dry bool) {
	t.Helper()
	prevYes, prevDry := assumeYes, dryRun
	assumeYes, dryRun = yes, dry
	t.Cleanup(func() { assumeYes, dryRun = prevYes, prevDry })
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	startDaemon(t, &fakeDaemon{session: stagedSession(signature.RiskSafe)})

	out, err := runWithServer(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Signatures: 6 (pack version 2)")
	// States print in sorted order.
	assert.Less(t, strings.Index(out, "Sessions presented: 1"), strings.Index(out, "Sessions resolved: 3"))
}

// runWithServer runs a command against the fake daemon configured by
// startDaemon.
func runWithServer(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, "", append(args, "--server", serverURL)...)
}

func TestSessionsListAndShow(t *testing.T) {
	startDaemon(t, &fakeDaemon{session: stagedSession(signature.RiskSafe)})

	out, err := runWithServer(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "staged")
	assert.Contains(t, out, "A background service stopped")

	out, err = runWithServer(t, "sessions", "show", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Signature: systemd-unit-failed")
	assert.Contains(t, out, "Context:   service=backup.service")
	assert.Contains(t, out, "$ systemctl restart backup.service")

	_, err = runWithServer(t, "sessions", "show", "nope")
	var apiErr *monitor.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestPrintSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil, time.Now())
	assert.Equal(t, "No sessions. All quiet.\n", buf.String())
}

func TestIntentRefused(t *testing.T) {
	f := &fakeDaemon{
		session: stagedSession(signature.RiskDestructive),
		refuse:  map[session.IntentKind]string{session.IntentExecute: "fix is not approved"},
	}
	startDaemon(t, f)

	_, err := runWithServer(t, "execute", "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute refused: fix is not approved (session is staged)")

	out, err := runWithServer(t, "abandon", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "s1: Ready to restart backup.service (staged)")
	assert.Equal(t, []session.IntentKind{session.IntentExecute, session.IntentAbandon}, f.sent())
}

func TestRunFix_DryRun(t *testing.T) {
	f := &fakeDaemon{session: stagedSession(signature.RiskSafe)}
	client := startDaemon(t, f)
	setFixFlags(t, false, true)

	var out bytes.Buffer
	require.NoError(t, runFix(t.Context(), client, "s1", strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "$ systemctl restart backup.service")
	assert.Contains(t, out.String(), "Dry run")
	assert.Equal(t, []session.IntentKind{session.IntentRequestFix}, f.sent())
}

func TestRunFix_Declined(t *testing.T) {
	f := &fakeDaemon{session: stagedSession(signature.RiskSafe)}
	client := startDaemon(t, f)
	setFixFlags(t, false, false)

	var out bytes.Buffer
	require.NoError(t, runFix(t.Context(), client, "s1", strings.NewReader("n\n"), &out))
	assert.Contains(t, out.String(), "[y/N]")
	assert.Contains(t, out.String(), "Not run")
	assert.Equal(t, []session.IntentKind{session.IntentRequestFix}, f.sent())
}

func TestRunFix_DestructiveNeedsYes(t *testing.T) {
	f := &fakeDaemon{session: stagedSession(signature.RiskDestructive)}
	client := startDaemon(t, f)
	// --yes does not skip the destructive prompt.
	setFixFlags(t, true, false)

	var out bytes.Buffer
	require.NoError(t, runFix(t.Context(), client, "s1", strings.NewReader("y\n"), &out))
	assert.Contains(t, out.String(), "Type \"yes\"")
	assert.Contains(t, out.String(), "Not approved")
	assert.Equal(t, []session.IntentKind{session.IntentRequestFix}, f.sent())
}

func TestRunFix_Resolved(t *testing.T) {
	f := &fakeDaemon{
		session: stagedSession(signature.RiskDestructive),
		events: []session.Event{
			{SessionID: "s1", State: session.StateExecuting, Status: "Restarting backup.service"},
			{SessionID: "s1", State: session.StateConfirming, Status: "Watching for the error"},
			{SessionID: "s1", State: session.StateResolved, Status: "Fixed", Result: &remediation.ExecResult{ExitCode: 0}},
		},
	}
	client := startDaemon(t, f)
	setFixFlags(t, false, false)

	var out bytes.Buffer
	require.NoError(t, runFix(t.Context(), client, "s1", strings.NewReader("yes\n"), &out))
	assert.Contains(t, out.String(), "executing: Restarting backup.service")
	assert.Contains(t, out.String(), "resolved: Fixed")
	assert.Equal(t, []session.IntentKind{
		session.IntentRequestFix, session.IntentConfirmDestructive, session.IntentExecute,
	}, f.sent())
}

func TestRunFix_Unresolved(t *testing.T) {
	f := &fakeDaemon{
		session: stagedSession(signature.RiskSafe),
		events: []session.Event{
			{SessionID: "s1", State: session.StateUnresolved, Status: "Still failing", Result: &remediation.ExecResult{ExitCode: 1}},
		},
	}
	client := startDaemon(t, f)
	setFixFlags(t, true, false)

	var out bytes.Buffer
	err := runFix(t.Context(), client, "s1", strings.NewReader(""), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended unresolved")
	assert.Contains(t, out.String(), "Command exited with code 1.")
}

func TestRunFix_StreamEndsEarly(t *testing.T) {
	f := &fakeDaemon{
		session: stagedSession(signature.RiskSafe),
		events:  []session.Event{{SessionID: "s1", State: session.StateExecuting}},
	}
	client := startDaemon(t, f)
	setFixFlags(t, true, false)

	err := runFix(t.Context(), client, "s1", strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before session s1 closed")
}

func TestScrub(t *testing.T) {
	startDaemon(t, &fakeDaemon{session: stagedSession(signature.RiskSafe)})

	out, err := execute(t, "password=hunter2\n", "scrub", "--server", serverURL)
	require.NoError(t, err)
	assert.Contains(t, out, "password=[REDACTED]")
	assert.Contains(t, out, "Scrubbed 1 value(s)")

	_, err = execute(t, "", "scrub", "--server", serverURL)
	assert.EqualError(t, err, "no content to scrub")
}

func TestSignaturesList(t *testing.T) {
	startDaemon(t, &fakeDaemon{session: stagedSession(signature.RiskSafe)})

	out, err := runWithServer(t, "signatures", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Pack version 1")
	assert.Contains(t, out, "systemd-unit-failed")
}

func TestValidatePack(t *testing.T) {
	dir := t.TempDir()

	good, err := signature.MarshalPack(signature.DefaultPack(), signature.FormatYAML)
	require.NoError(t, err)
	goodPath := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(goodPath, good, 0600))

	var out bytes.Buffer
	require.NoError(t, validatePack(&out, goodPath))
	assert.Contains(t, out.String(), fmt.Sprintf("%d valid signature(s)", len(signature.DefaultPack())))

	bad := `
[[signatures]]
id = "good"
title = "Good"
explanation = "it broke"
risk = "safe"
[signatures.matcher]
kind = "literal"
text = "something broke"

[[signatures]]
id = "bad-risk"
title = "Bad"
explanation = "x"
risk = "reckless"
[signatures.matcher]
kind = "literal"
text = "x"
`
	badPath := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badPath, []byte(bad), 0600))

	out.Reset()
	err = validatePack(&out, badPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 invalid signature(s)")
	assert.Contains(t, out.String(), "1 valid signature(s)")
	assert.Contains(t, out.String(), "skipped:")
}

func TestSignaturesExport(t *testing.T) {
	for _, format := range []signature.Format{signature.FormatYAML, signature.FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			prev := exportFormat
			t.Cleanup(func() { exportFormat = prev })

			out, err := execute(t, "", "signatures", "export", "--format", string(format))
			require.NoError(t, err)

			sigs, skipped, err := signature.ParsePack([]byte(out), format)
			require.NoError(t, err)
			assert.Empty(t, skipped)
			assert.Equal(t, signature.DefaultPack(), sigs)
		})
	}

	_, err := execute(t, "", "signatures", "export", "--format", "ini")
	assert.Error(t, err)
	exportFormat = "yaml"
}

func writeRecords(t *testing.T, recs ...source.LogRecord) string {
	t.Helper()
	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "records.ndjson")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func TestReplay(t *testing.T) {
	now := time.Now().Add(-time.Hour)
	failed := func(at time.Time, unit string) source.LogRecord {
		return source.NewRecord(at, "systemd", source.SeverityError,
			unit+": Failed with result 'exit-code'.", nil)
	}
	path := writeRecords(t,
		failed(now, "backup.service"),
		source.NewRecord(now.Add(time.Second), "kernel", source.SeverityInfo, "nothing to see", nil),
		failed(now.Add(2*time.Second), "backup.service"),
		failed(now.Add(3*time.Second), "cups.service"),
		failed(now.Add(time.Hour), "backup.service"),
	)

	var out bytes.Buffer
	summary, err := replay(t.Context(), path, replayOptions{Window: 10 * time.Minute}, &out)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Records)
	assert.Equal(t, 4, summary.Diagnoses)
	assert.Equal(t, 3, summary.Admitted)
	assert.Equal(t, 1, summary.Suppressed)
	assert.Equal(t, 3, summary.BySig["systemd-unit-failed"])
	assert.Contains(t, out.String(), "systemd-unit-failed")
	assert.Contains(t, out.String(), "5 record(s), 4 diagnosis(es): 3 new, 1 duplicate")
}

func TestReplay_Quiet(t *testing.T) {
	path := writeRecords(t, source.NewRecord(time.Now(), "systemd", source.SeverityError,
		"backup.service: Failed with result 'exit-code'.", nil))

	var out bytes.Buffer
	summary, err := replay(t.Context(), path, replayOptions{Quiet: true}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Admitted)
	assert.True(t, strings.HasPrefix(out.String(), "\n1 record(s)"))
}

func TestReplay_Errors(t *testing.T) {
	_, err := replay(t.Context(), filepath.Join(t.TempDir(), "missing.ndjson"), replayOptions{}, &bytes.Buffer{})
	assert.Error(t, err)

	path := writeRecords(t)
	_, err = replay(t.Context(), path, replayOptions{Pack: filepath.Join(t.TempDir(), "missing.yaml")}, &bytes.Buffer{})
	assert.Error(t, err)
}
