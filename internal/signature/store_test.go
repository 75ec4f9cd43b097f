package signature

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

func literalSig(id, text string) Signature {
	return Signature{
		ID:          id,
		Title:       id,
		Matcher:     MatcherSpec{Kind: KindLiteral, Text: text},
		Explanation: "explains " + id,
		Remediation: "true",
		Risk:        RiskSafe,
	}
}

func TestStore_UpsertGetRemove(t *testing.T) {
	s := NewStore(nil)
	assert.Equal(t, uint64(0), s.Version())

	e, err := s.Upsert(literalSig("a", "thing failed"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)

	e, err = s.Upsert(literalSig("a", "thing broke"))
	require.NoError(t, err)
	assert.Equal(t, 2, e.Version)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(2), s.Version())

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "thing broke", got.Matcher.Text)

	require.NoError(t, s.Remove("a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove("a"), ErrNotFound)
}

func TestStore_UpsertRejectsInvalid(t *testing.T) {
	s := NewStore(nil)
	bad := literalSig("bad", "x")
	bad.Risk = "yolo"
	_, err := s.Upsert(bad)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ReplaceSkipsInvalidAndDuplicates(t *testing.T) {
	s := NewStore(nil)
	bad := literalSig("bad", "x")
	bad.Matcher = MatcherSpec{Kind: KindRegex, Pattern: "("}

	skipped := s.Replace([]Signature{
		literalSig("a", "one thing"),
		bad,
		literalSig("a", "another thing"),
		literalSig("b", "two things"),
	})
	assert.Len(t, skipped, 2)
	assert.Equal(t, 2, s.Len())

	ids := []string{}
	for _, e := range s.All() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStore_Lookup(t *testing.T) {
	s := NewStore(nil)
	require.Empty(t, s.Replace(DefaultPack()))

	ids := func(es []*Entry) []string {
		out := make([]string, 0, len(es))
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}

	cands := s.Lookup(kernelRecord("iwlwifi 0000:00:14.3: Microcode SW error detected. Restarting 0x0."))
	assert.Contains(t, ids(cands), "iwlwifi-microcode-error")
	assert.NotContains(t, ids(cands), "disk-full")

	systemd := source.NewRecord(time.Now(), "systemd", source.SeverityWarning,
		"cups.service: Failed with result 'exit-code'.", nil)
	assert.Contains(t, ids(s.Lookup(systemd)), "systemd-unit-failed")

	// Catch-all signatures are always candidates.
	assert.Equal(t, []string{"bluetooth-firmware-load"}, ids(s.Lookup(kernelRecord("all quiet"))))
}

func TestStore_LookupDoesNotMissMatches(t *testing.T) {
	s := NewStore(nil)
	require.Empty(t, s.Replace(DefaultPack()))

	corpus := []source.LogRecord{
		kernelRecord("iwlwifi 0000:00:14.3: Microcode SW error detected. Restarting 0x0."),
		kernelRecord("usb 1-2: USB disconnect, device number 7"),
		kernelRecord("EXT4-fs warning: No Space Left On Device"),
		kernelRecord("Bluetooth: hci0: Loading firmware failed"),
		source.NewRecord(time.Now(), "NetworkManager", source.SeverityWarning,
			"<warn> dhcp4 (wlp2s0): request timed out", nil),
	}
	for _, rec := range corpus {
		cands := map[string]bool{}
		for _, e := range s.Lookup(rec) {
			cands[e.ID] = true
		}
		for _, e := range s.All() {
			if _, ok := e.Match(rec); ok {
				assert.True(t, cands[e.ID], "%s matches %q but was not a candidate", e.ID, rec.Message)
			}
		}
	}
}

func TestStore_ConcurrentReadsDuringReplace(t *testing.T) {
	s := NewStore(nil)
	pack := DefaultPack()
	rec := kernelRecord("iwlwifi 0000:00:14.3: Microcode SW error detected.")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, e := range s.Lookup(rec) {
					e.Match(rec)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		s.Replace(pack)
	}
	wg.Wait()
	assert.Equal(t, len(pack), s.Len())
}

func TestEntry_MatchSuccess(t *testing.T) {
	s := NewStore(nil)
	require.Empty(t, s.Replace(DefaultPack()))

	e, err := s.Get("nm-dhcp-timeout")
	require.NoError(t, err)
	matched, ok := e.MatchSuccess(source.NewRecord(time.Now(), "NetworkManager", source.SeverityInfo,
		"<info> device (wlp2s0): state change: ip-check -> activated", nil))
	assert.True(t, ok)
	assert.True(t, matched)

	e, err = s.Get("iwlwifi-microcode-error")
	require.NoError(t, err)
	_, ok = e.MatchSuccess(kernelRecord("anything"))
	assert.False(t, ok)
}
