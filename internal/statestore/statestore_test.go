package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestCooldowns_RoundTrip(t *testing.T) {
	s := openMemory(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutCooldown("iwlwifi|phy0", ts, time.Hour))
	require.NoError(t, s.PutCooldown("disk-full|/var", ts.Add(time.Minute), 0))

	got, err := s.Cooldowns()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, ts.Equal(got["iwlwifi|phy0"]))

	require.NoError(t, s.DeleteCooldown("iwlwifi|phy0"))
	got, err = s.Cooldowns()
	require.NoError(t, err)
	assert.NotContains(t, got, "iwlwifi|phy0")
}

func TestCursor(t *testing.T) {
	s := openMemory(t)

	_, err := s.LoadCursor("journal")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCursor("journal", "s=abc;i=1"))
	require.NoError(t, s.SaveCursor("journal", "s=abc;i=2"))

	c, err := s.LoadCursor("journal")
	require.NoError(t, err)
	assert.Equal(t, "s=abc;i=2", c)
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SaveCursor("journal", "cursor-1"))
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.LoadCursor("journal")
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", c)
}
