// Package scrub removes personal data (IP and MAC addresses, email
// addresses, user names) and credentials from log text before it leaves
// the matcher path. Personal data is found with the regexp rules in this
// package; credentials with the gitleaks rule set, backed by a few
// key=value rules for short secrets gitleaks' entropy checks let through.
package scrub

import (
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// secretLabel replaces every gitleaks finding.
const secretLabel = "secret"

// secretDetector wraps the gitleaks detector. Building it parses the full
// default rule set, so one is shared by every Scrubber.
type secretDetector struct {
	mu sync.Mutex
	d  *detect.Detector
}

var sharedDetector = sync.OnceValue(func() *secretDetector {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil
	}
	return &secretDetector{d: d}
})

// find returns the distinct secrets gitleaks reports in content, keyed by
// rule id.
func (sd *secretDetector) find(content string) map[string][]string {
	sd.mu.Lock()
	findings := sd.d.DetectString(content)
	sd.mu.Unlock()

	out := make(map[string][]string, len(findings))
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if _, dup := seen[secret]; dup || secret == "" {
			continue
		}
		seen[secret] = struct{}{}
		out[f.RuleID] = append(out[f.RuleID], secret)
	}
	return out
}

// Result describes one scrubbing pass.
type Result struct {
	Scrubbed string
	// ByRule counts redactions per rule id.
	ByRule map[string]int
}

// Total returns the number of redactions.
func (r Result) Total() int {
	n := 0
	for _, c := range r.ByRule {
		n += c
	}
	return n
}

// Scrubber applies a fixed rule set plus gitleaks secret detection. It is
// safe for concurrent use.
type Scrubber struct {
	rules   []Rule
	allow   []string
	secrets *secretDetector
}

// New creates a scrubber. With no rules, DefaultRules is used. Matches
// equal to an allow-listed value are left in place.
func New(rules []Rule, allow ...string) *Scrubber {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Scrubber{rules: rules, allow: allow, secrets: sharedDetector()}
}

type span struct {
	start, end int
	label      string
}

// Scrub redacts content.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	if content == "" {
		return res
	}

	var spans []span
	for _, rule := range s.rules {
		for _, m := range rule.Pattern.FindAllStringSubmatchIndex(content, -1) {
			lo, hi := m[0], m[1]
			if rule.Group > 0 && 2*rule.Group+1 < len(m) {
				lo, hi = m[2*rule.Group], m[2*rule.Group+1]
			}
			if lo < 0 || lo >= hi || s.allowed(content[lo:hi]) {
				continue
			}
			spans = append(spans, span{start: lo, end: hi, label: rule.Label})
			res.ByRule[rule.ID]++
		}
	}
	spans = append(spans, s.secretSpans(content, res.ByRule)...)
	if len(spans) == 0 {
		return res
	}

	merged := merge(spans)
	var b strings.Builder
	last := 0
	for _, sp := range merged {
		b.WriteString(content[last:sp.start])
		b.WriteString("[" + sp.label + "]")
		last = sp.end
	}
	b.WriteString(content[last:])
	res.Scrubbed = b.String()
	return res
}

// String is Scrub returning only the redacted text.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Scrubbed
}

// Record returns a copy of rec with its message and field values scrubbed.
// The cursor and timing are preserved.
func (s *Scrubber) Record(rec source.LogRecord) source.LogRecord {
	fields := rec.Fields()
	for k, v := range fields {
		fields[k] = s.String(v)
	}
	out := source.NewRecord(rec.Timestamp, rec.Unit, rec.Severity, s.String(rec.Message), fields)
	out.Cursor = rec.Cursor
	out.Origin = rec.Origin
	return out
}

// secretSpans locates every gitleaks finding in content and counts them
// under the gitleaks rule id.
func (s *Scrubber) secretSpans(content string, counts map[string]int) []span {
	if s.secrets == nil {
		return nil
	}
	var spans []span
	for ruleID, secrets := range s.secrets.find(content) {
		for _, secret := range secrets {
			if s.allowed(secret) {
				continue
			}
			for from := 0; from < len(content); {
				i := strings.Index(content[from:], secret)
				if i < 0 {
					break
				}
				lo := from + i
				spans = append(spans, span{start: lo, end: lo + len(secret), label: secretLabel})
				counts[ruleID]++
				from = lo + len(secret)
			}
		}
	}
	return spans
}

func (s *Scrubber) allowed(match string) bool {
	for _, a := range s.allow {
		if a == match {
			return true
		}
	}
	return false
}

// merge sorts spans and folds overlapping ones; the earliest span's label
// wins.
func merge(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start == spans[j].start {
			return spans[i].end > spans[j].end
		}
		return spans[i].start < spans[j].start
	})
	out := []span{spans[0]}
	for _, sp := range spans[1:] {
		cur := &out[len(out)-1]
		if sp.start < cur.end {
			if sp.end > cur.end {
				cur.end = sp.end
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}
