package signature

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// Matcher kinds.
const (
	KindLiteral  = "literal"
	KindRegex    = "regex"
	KindField    = "field"
	KindSeverity = "severity"
	KindAll      = "all"
	KindAny      = "any"
	KindNot      = "not"
)

// Field predicate operators.
const (
	OpEq       = "eq"
	OpPrefix   = "prefix"
	OpContains = "contains"
	OpRegex    = "regex"
	OpExists   = "exists"
)

// MatcherSpec is the serialisable form of a matcher: a tagged variant
// selected by Kind.
//
//	literal:  Text appears in the message (IgnoreCase optional)
//	regex:    Pattern matches the message; named groups become captures
//	field:    Field (a structured field, or "unit"/"message") satisfies Op/Value
//	severity: the record is at least as severe as Value
//	all/any:  every/some child matches
//	not:      the single child does not match
type MatcherSpec struct {
	Kind       string        `yaml:"kind" toml:"kind" json:"kind"`
	Text       string        `yaml:"text,omitempty" toml:"text,omitempty" json:"text,omitempty"`
	IgnoreCase bool          `yaml:"ignore_case,omitempty" toml:"ignore_case,omitempty" json:"ignore_case,omitempty"`
	Pattern    string        `yaml:"pattern,omitempty" toml:"pattern,omitempty" json:"pattern,omitempty"`
	Field      string        `yaml:"field,omitempty" toml:"field,omitempty" json:"field,omitempty"`
	Op         string        `yaml:"op,omitempty" toml:"op,omitempty" json:"op,omitempty"`
	Value      string        `yaml:"value,omitempty" toml:"value,omitempty" json:"value,omitempty"`
	Children   []MatcherSpec `yaml:"children,omitempty" toml:"children,omitempty" json:"children,omitempty"`
}

// Matcher is a compiled, pure predicate over a single record.
type Matcher interface {
	// Match reports whether rec matches and returns any named captures.
	Match(rec source.LogRecord) (map[string]string, bool)
	// Wildcards measures how loose the matcher is; fewer is narrower.
	Wildcards() int
	// indexKey returns tokens or units of which every matching record has
	// at least one. ok is false when no such key exists.
	indexKey() (key indexKey, ok bool)
}

type indexKey struct {
	words []string
	units []string
}

// Compile builds a Matcher from spec.
func Compile(spec MatcherSpec) (Matcher, error) {
	switch spec.Kind {
	case KindLiteral:
		if spec.Text == "" {
			return nil, fmt.Errorf("literal matcher needs text")
		}
		m := &literalMatcher{text: spec.Text, fold: spec.IgnoreCase}
		if m.fold {
			m.text = strings.ToLower(m.text)
		}
		return m, nil

	case KindRegex:
		re, wild, lit, err := compileRegex(spec.Pattern)
		if err != nil {
			return nil, err
		}
		return &regexMatcher{re: re, wildcards: wild, literal: lit}, nil

	case KindField:
		return compileField(spec)

	case KindSeverity:
		sev, err := source.ParseSeverity(spec.Value)
		if err != nil {
			return nil, err
		}
		return &severityMatcher{min: sev}, nil

	case KindAll, KindAny:
		if len(spec.Children) == 0 {
			return nil, fmt.Errorf("%s matcher needs children", spec.Kind)
		}
		children := make([]Matcher, 0, len(spec.Children))
		for i, c := range spec.Children {
			m, err := Compile(c)
			if err != nil {
				return nil, fmt.Errorf("child %d: %w", i, err)
			}
			children = append(children, m)
		}
		if spec.Kind == KindAll {
			return allMatcher(children), nil
		}
		return anyMatcher(children), nil

	case KindNot:
		if len(spec.Children) != 1 {
			return nil, fmt.Errorf("not matcher needs exactly one child")
		}
		m, err := Compile(spec.Children[0])
		if err != nil {
			return nil, err
		}
		return notMatcher{m}, nil

	case "":
		return nil, fmt.Errorf("matcher kind is required")
	default:
		return nil, fmt.Errorf("unknown matcher kind %q", spec.Kind)
	}
}

func compileRegex(pattern string) (*regexp.Regexp, int, string, error) {
	if pattern == "" {
		return nil, 0, "", fmt.Errorf("regex matcher needs a pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, 0, "", err
	}
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, 0, "", err
	}
	parsed = parsed.Simplify()
	return re, countWildcards(parsed), requiredLiteral(parsed), nil
}

func compileField(spec MatcherSpec) (Matcher, error) {
	if spec.Field == "" {
		return nil, fmt.Errorf("field matcher needs a field name")
	}
	m := &fieldMatcher{field: spec.Field, op: spec.Op, value: spec.Value}
	switch spec.Op {
	case OpEq, OpPrefix, OpContains:
	case OpExists:
		m.wildcards = 1
	case OpRegex:
		re, wild, _, err := compileRegex(spec.Value)
		if err != nil {
			return nil, err
		}
		m.re = re
		m.wildcards = wild
	default:
		return nil, fmt.Errorf("unknown field operator %q", spec.Op)
	}
	return m, nil
}

type literalMatcher struct {
	text string
	fold bool
}

func (m *literalMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	msg := rec.Message
	if m.fold {
		msg = strings.ToLower(msg)
	}
	return nil, strings.Contains(msg, m.text)
}

func (m *literalMatcher) Wildcards() int { return 0 }

func (m *literalMatcher) indexKey() (indexKey, bool) {
	if w := interiorWord(m.text); w != "" {
		return indexKey{words: []string{w}}, true
	}
	return indexKey{}, false
}

type regexMatcher struct {
	re        *regexp.Regexp
	wildcards int
	literal   string
}

func (m *regexMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	sub := m.re.FindStringSubmatch(rec.Message)
	if sub == nil {
		return nil, false
	}
	return captures(m.re, sub), true
}

func (m *regexMatcher) Wildcards() int { return m.wildcards }

func (m *regexMatcher) indexKey() (indexKey, bool) {
	if w := interiorWord(m.literal); w != "" {
		return indexKey{words: []string{w}}, true
	}
	return indexKey{}, false
}

type fieldMatcher struct {
	field     string
	op        string
	value     string
	re        *regexp.Regexp
	wildcards int
}

func (m *fieldMatcher) lookup(rec source.LogRecord) (string, bool) {
	switch m.field {
	case "unit":
		return rec.Unit, true
	case "message":
		return rec.Message, true
	}
	return rec.Field(m.field)
}

func (m *fieldMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	v, ok := m.lookup(rec)
	if !ok {
		return nil, false
	}
	switch m.op {
	case OpExists:
		return nil, true
	case OpEq:
		return nil, v == m.value
	case OpPrefix:
		return nil, strings.HasPrefix(v, m.value)
	case OpContains:
		return nil, strings.Contains(v, m.value)
	case OpRegex:
		sub := m.re.FindStringSubmatch(v)
		if sub == nil {
			return nil, false
		}
		return captures(m.re, sub), true
	}
	return nil, false
}

func (m *fieldMatcher) Wildcards() int { return m.wildcards }

func (m *fieldMatcher) indexKey() (indexKey, bool) {
	if m.field == "unit" && m.op == OpEq {
		return indexKey{units: []string{m.value}}, true
	}
	return indexKey{}, false
}

type severityMatcher struct {
	min source.Severity
}

func (m *severityMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	return nil, rec.Severity.AtLeast(m.min)
}

func (m *severityMatcher) Wildcards() int { return 1 }

func (m *severityMatcher) indexKey() (indexKey, bool) { return indexKey{}, false }

type allMatcher []Matcher

func (m allMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	var out map[string]string
	for _, c := range m {
		caps, ok := c.Match(rec)
		if !ok {
			return nil, false
		}
		out = mergeCaptures(out, caps)
	}
	return out, true
}

func (m allMatcher) Wildcards() int {
	n := 0
	for _, c := range m {
		n += c.Wildcards()
	}
	return n
}

// indexKey uses the child key with the longest token; any child key is
// sufficient since every child must match.
func (m allMatcher) indexKey() (indexKey, bool) {
	var best indexKey
	found := false
	for _, c := range m {
		k, ok := c.indexKey()
		if !ok {
			continue
		}
		if !found || longest(k.words) > longest(best.words) {
			best, found = k, true
		}
	}
	return best, found
}

type anyMatcher []Matcher

func (m anyMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	for _, c := range m {
		if caps, ok := c.Match(rec); ok {
			return caps, true
		}
	}
	return nil, false
}

func (m anyMatcher) Wildcards() int {
	n := len(m) - 1
	for _, c := range m {
		n += c.Wildcards()
	}
	return n
}

func (m anyMatcher) indexKey() (indexKey, bool) {
	var out indexKey
	for _, c := range m {
		k, ok := c.indexKey()
		if !ok {
			return indexKey{}, false
		}
		out.words = append(out.words, k.words...)
		out.units = append(out.units, k.units...)
	}
	return out, true
}

type notMatcher struct {
	inner Matcher
}

func (m notMatcher) Match(rec source.LogRecord) (map[string]string, bool) {
	_, ok := m.inner.Match(rec)
	return nil, !ok
}

func (m notMatcher) Wildcards() int { return m.inner.Wildcards() + 1 }

func (m notMatcher) indexKey() (indexKey, bool) { return indexKey{}, false }

func captures(re *regexp.Regexp, sub []string) map[string]string {
	var out map[string]string
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || i >= len(sub) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = sub[i]
	}
	return out
}

func mergeCaptures(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// countWildcards counts repetition and any-character nodes.
func countWildcards(re *syntax.Regexp) int {
	n := 0
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest, syntax.OpRepeat,
		syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		n = 1
	case syntax.OpCharClass:
		// Classes wider than a handful of runes behave like wildcards.
		width := 0
		for i := 0; i+1 < len(re.Rune); i += 2 {
			width += int(re.Rune[i+1]-re.Rune[i]) + 1
		}
		if width > 16 {
			n = 1
		}
	}
	for _, sub := range re.Sub {
		n += countWildcards(sub)
	}
	return n
}

// requiredLiteral returns the longest literal run every match must contain.
func requiredLiteral(re *syntax.Regexp) string {
	switch re.Op {
	case syntax.OpLiteral:
		return strings.ToLower(string(re.Rune))
	case syntax.OpCapture, syntax.OpPlus:
		return requiredLiteral(re.Sub[0])
	case syntax.OpConcat:
		best := ""
		for _, sub := range re.Sub {
			if lit := requiredLiteral(sub); len(lit) > len(best) {
				best = lit
			}
		}
		return best
	}
	return ""
}

// interiorWord returns the longest word in text that is delimited on both
// sides within text itself, so it must appear as a whole token in any
// message containing text.
func interiorWord(text string) string {
	text = strings.ToLower(text)
	best := ""
	start := -1
	for i, r := range text {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			if start > 0 && len(text[start:i]) > len(best) {
				best = text[start:i]
			}
			start = -1
		}
	}
	return best
}

// tokenize splits a message into lowercase word tokens.
func tokenize(msg string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func longest(words []string) int {
	n := 0
	for _, w := range words {
		if len(w) > n {
			n = len(w)
		}
	}
	return n
}
