package scrub

import "regexp"

// Rule redacts one kind of personal or secret data.
type Rule struct {
	ID string
	// Label is written in place of the match, as "[label]".
	Label   string
	Pattern *regexp.Regexp
	// Group selects the submatch to redact; 0 redacts the whole match.
	Group int
}

// DefaultRules covers addresses, identities and credentials that show up
// in system logs.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "email",
			Label:   "email",
			Pattern: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		},
		{
			ID:      "ipv4",
			Label:   "ip",
			Pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		},
		{
			ID:      "ipv6",
			Label:   "ip",
			Pattern: regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b|\b(?:[0-9A-Fa-f]{1,4}:){1,7}:(?:[0-9A-Fa-f]{1,4}(?::[0-9A-Fa-f]{1,4}){0,6})?`),
		},
		{
			ID:      "mac",
			Label:   "mac",
			Pattern: regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`),
		},
		{
			ID:      "home-dir",
			Label:   "user",
			Pattern: regexp.MustCompile(`/home/([^/\s]+)`),
			Group:   1,
		},
		{
			ID:      "user-field",
			Label:   "user",
			Pattern: regexp.MustCompile(`(?i)\b(?:user|username|uid|ruser|for user)[= ]([A-Za-z_][A-Za-z0-9_.-]*)`),
			Group:   1,
		},
		// Short or low-entropy values in key=value form; gitleaks covers
		// provider tokens.
		{
			ID:      "credential",
			Label:   "secret",
			Pattern: regexp.MustCompile(`(?i)(?:password|passwd|token|secret|api[_-]?key)[=:]\s*(\S+)`),
			Group:   1,
		},
		{
			ID:      "bearer",
			Label:   "secret",
			Pattern: regexp.MustCompile(`(?i)bearer\s+(\S+)`),
			Group:   1,
		},
	}
}
