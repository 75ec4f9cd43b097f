package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCursorStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCursorStore() *mapCursorStore {
	return &mapCursorStore{m: map[string]string{}}
}

func (s *mapCursorStore) SaveCursor(source, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[source] = cursor
	return nil
}

func (s *mapCursorStore) LoadCursor(source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[source]
	if !ok {
		return "", fmt.Errorf("no cursor")
	}
	return c, nil
}

func rec(msg string) LogRecord {
	return NewRecord(time.Now(), "kernel", SeverityError, msg, nil)
}

func TestFollower_ReconnectsAfterUnavailable(t *testing.T) {
	src := NewMemorySource(10)
	src.Push(rec("one"))
	src.Fail(fmt.Errorf("%w: rotated", ErrSourceUnavailable))
	src.Push(rec("two"))
	src.Close()

	cursors := newMapCursorStore()
	f := NewFollower(src, cursors, FollowerConfig{BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond})

	var got []string
	err := f.Run(context.Background(), func(r LogRecord) { got = append(got, r.Message) })
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, int64(1), f.Reconnects())
	assert.Equal(t, "2", f.Cursor())

	c, err := cursors.LoadCursor("memory")
	require.NoError(t, err)
	assert.Equal(t, "2", c)
}

func TestFollower_ResumesFromStoredCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.json")
	lines := `{"MESSAGE":"a"}
{"MESSAGE":"b"}
{"MESSAGE":"c"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	cursors := newMapCursorStore()
	require.NoError(t, cursors.SaveCursor("file", "2"))

	f := NewFollower(NewFileSource(path), cursors, FollowerConfig{})
	var got []string
	require.NoError(t, f.Run(context.Background(), func(r LogRecord) { got = append(got, r.Message) }))
	assert.Equal(t, []string{"c"}, got)
}

func TestFollower_StopsOnContextCancel(t *testing.T) {
	src := NewMemorySource(1)
	f := NewFollower(src, nil, FollowerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, func(LogRecord) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not stop")
	}
}

func TestFollower_NonRetryableError(t *testing.T) {
	src := NewMemorySource(1)
	boom := fmt.Errorf("boom")
	src.Fail(boom)

	f := NewFollower(src, nil, FollowerConfig{})
	err := f.Run(context.Background(), func(LogRecord) {})
	assert.ErrorIs(t, err, boom)
}

func TestFileSource_EOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"MESSAGE":"x"}`+"\n"), 0600))

	stream, err := NewFileSource(path).Open(context.Background(), "")
	require.NoError(t, err)
	defer stream.Close()

	r, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", r.Cursor)
	assert.Equal(t, "file", r.Origin)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileSource_RecordLines(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord(ts, "systemd", SeverityError, "backup.service: Failed with result 'exit-code'.",
		map[string]string{"_PID": "1"})
	line, err := json.Marshal(rec)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "records.ndjson")
	data := append(line, '\n')
	data = append(data, []byte(`{"MESSAGE":"journal shaped","SYSLOG_IDENTIFIER":"kernel"}`+"\n")...)
	require.NoError(t, os.WriteFile(path, data, 0600))

	stream, err := NewFileSource(path).Open(context.Background(), "")
	require.NoError(t, err)
	defer stream.Close()

	got, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "systemd", got.Unit)
	assert.Equal(t, SeverityError, got.Severity)
	assert.True(t, ts.Equal(got.Timestamp))
	pid, _ := got.Field("_PID")
	assert.Equal(t, "1", pid)
	assert.Equal(t, "1", got.Cursor)

	got, err = stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kernel", got.Unit)
	assert.Equal(t, "2", got.Cursor)
}
