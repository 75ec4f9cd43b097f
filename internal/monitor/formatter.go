package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

// FormatAge formats an elapsed duration as "Xs", "Xm" or "Xh Ym".
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return FormatDuration(int64(d / time.Second))
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// StateLabel is the short upper-case label shown for a state.
func StateLabel(s session.State) string {
	switch s {
	case session.StateTimedOut:
		return "TIMED OUT"
	default:
		return strings.ToUpper(string(s))
	}
}

// StateBadge renders a state label coloured by how it went.
func StateBadge(s session.State) string {
	label := fmt.Sprintf("%-11s", StateLabel(s))
	switch s {
	case session.StateResolved:
		return healthyStyle.Render(label)
	case session.StateUnresolved, session.StateTimedOut:
		return errorStyle.Render(label)
	case session.StateAbandoned:
		return dimStyle.Render(label)
	case session.StateExecuting, session.StateConfirming:
		return warningStyle.Render(label)
	default:
		return valueStyle.Render(label)
	}
}

// RiskBadge renders a risk tier.
func RiskBadge(r signature.RiskTier) string {
	switch r {
	case signature.RiskDestructive:
		return errorStyle.Render("[destructive]")
	case signature.RiskNeedsConfirmation:
		return warningStyle.Render("[confirm]")
	default:
		return dimStyle.Render("[safe]")
	}
}

// ResolutionRate is the share of finished fixes that resolved the
// problem. Abandoned sessions never ran a fix and are not counted. ok is
// false when nothing has finished yet.
func ResolutionRate(sessions []session.Session) (rate float64, ok bool) {
	var resolved, finished int
	for _, s := range sessions {
		switch s.State {
		case session.StateResolved:
			resolved++
			finished++
		case session.StateUnresolved, session.StateTimedOut:
			finished++
		}
	}
	if finished == 0 {
		return 0, false
	}
	return float64(resolved) / float64(finished), true
}

// ActiveCount counts sessions that are not yet closed.
func ActiveCount(sessions []session.Session) int {
	n := 0
	for _, s := range sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}
