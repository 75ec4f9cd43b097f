// Package signature holds the catalogue of known issues: how to recognise
// each one in the log stream, how to explain it, and which command fixes
// it.
package signature

import (
	"errors"
	"fmt"
	"text/template"
	"time"
)

var (
	// ErrNotFound is returned when no signature has the requested id.
	ErrNotFound = errors.New("signature not found")

	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid signature")
)

// RiskTier grades how dangerous a remediation command is.
type RiskTier string

const (
	RiskSafe              RiskTier = "safe"
	RiskNeedsConfirmation RiskTier = "needs_confirmation"
	RiskDestructive       RiskTier = "destructive"
)

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskSafe, RiskNeedsConfirmation, RiskDestructive:
		return true
	}
	return false
}

// Duration is a time.Duration written as "30s" in pack files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// Window makes a signature fire only after Count matching records within
// Within of each other.
type Window struct {
	Count  int      `yaml:"count" toml:"count" json:"count"`
	Within Duration `yaml:"within" toml:"within" json:"within"`
}

// Signature describes one known issue.
type Signature struct {
	ID      string `yaml:"id" toml:"id" json:"id"`
	Version int    `yaml:"version,omitempty" toml:"version,omitempty" json:"version"`
	Title   string `yaml:"title" toml:"title" json:"title"`

	Matcher MatcherSpec `yaml:"matcher" toml:"matcher" json:"matcher"`
	Window  *Window     `yaml:"window,omitempty" toml:"window,omitempty" json:"window,omitempty"`

	// Explanation and Remediation are text/template strings resolved
	// against the diagnosis context ({{.unit}}, {{.device}}, ...).
	Explanation string   `yaml:"explanation" toml:"explanation" json:"explanation"`
	Remediation string   `yaml:"remediation,omitempty" toml:"remediation,omitempty" json:"remediation,omitempty"`
	Risk        RiskTier `yaml:"risk" toml:"risk" json:"risk"`

	// Success, when set, must be seen during the confirmation window for
	// the fix to count as resolved.
	Success       *MatcherSpec `yaml:"success,omitempty" toml:"success,omitempty" json:"success,omitempty"`
	ConfirmWindow Duration     `yaml:"confirm_window,omitempty" toml:"confirm_window,omitempty" json:"confirm_window,omitempty"`

	// ContextFields name the record fields or captures that identify the
	// affected resource; they make up the dedup context key.
	ContextFields []string `yaml:"context_fields,omitempty" toml:"context_fields,omitempty" json:"context_fields,omitempty"`

	// Priority breaks supersession: a higher-priority diagnosis for the same
	// context replaces a lower one still awaiting the user.
	Priority int `yaml:"priority,omitempty" toml:"priority,omitempty" json:"priority,omitempty"`

	// Semantic allows fuzzy matching through the inference collaborator
	// when the structural matcher does not fire.
	Semantic bool `yaml:"semantic,omitempty" toml:"semantic,omitempty" json:"semantic,omitempty"`
}

// Validate checks the signature can be compiled and its templates parse.
func (s *Signature) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.Title == "" {
		return fmt.Errorf("%w: %s: title is required", ErrInvalid, s.ID)
	}
	if !s.Risk.Valid() {
		return fmt.Errorf("%w: %s: unknown risk tier %q", ErrInvalid, s.ID, s.Risk)
	}
	if _, err := Compile(s.Matcher); err != nil {
		return fmt.Errorf("%w: %s: matcher: %v", ErrInvalid, s.ID, err)
	}
	if s.Success != nil {
		if _, err := Compile(*s.Success); err != nil {
			return fmt.Errorf("%w: %s: success: %v", ErrInvalid, s.ID, err)
		}
	}
	if s.Window != nil && (s.Window.Count < 2 || s.Window.Within <= 0) {
		return fmt.Errorf("%w: %s: window needs count >= 2 and a positive duration", ErrInvalid, s.ID)
	}
	for name, text := range map[string]string{"explanation": s.Explanation, "remediation": s.Remediation} {
		if _, err := template.New(name).Option("missingkey=error").Parse(text); err != nil {
			return fmt.Errorf("%w: %s: %s template: %v", ErrInvalid, s.ID, name, err)
		}
	}
	return nil
}
