package source

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity is a syslog priority. Lower values are more severe.
type Severity int

const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

var severityNames = [...]string{"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug"}

func (s Severity) String() string {
	if s < SeverityEmergency || s > SeverityDebug {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// AtLeast reports whether s is as severe as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s <= min
}

// ParseSeverity accepts a level name ("warning", "warn", "err", ...) or a
// syslog priority digit.
func ParseSeverity(v string) (Severity, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "warn":
		return SeverityWarning, nil
	case "err":
		return SeverityError, nil
	case "crit":
		return SeverityCritical, nil
	case "emerg":
		return SeverityEmergency, nil
	}
	for i, name := range severityNames {
		if v == name {
			return Severity(i), nil
		}
	}
	if len(v) == 1 && v[0] >= '0' && v[0] <= '7' {
		return Severity(v[0] - '0'), nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// LogRecord is one entry from a log stream. It is immutable once built:
// the structured fields are copied in and only copies are handed out.
type LogRecord struct {
	Timestamp time.Time
	Unit      string
	Severity  Severity
	Message   string
	// Cursor is the opaque position to resume after this record.
	Cursor string
	// Origin names the source that produced the record.
	Origin string

	fields map[string]string
}

// NewRecord builds a record, copying fields.
func NewRecord(ts time.Time, unit string, sev Severity, msg string, fields map[string]string) LogRecord {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return LogRecord{Timestamp: ts, Unit: unit, Severity: sev, Message: msg, fields: cp}
}

// Field returns one structured field.
func (r LogRecord) Field(key string) (string, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// Fields returns a copy of the structured fields.
func (r LogRecord) Fields() map[string]string {
	cp := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		cp[k] = v
	}
	return cp
}

// WithMessage returns a copy of r with a different message; used to hand
// a sanitised record to consumers outside the matcher path.
func (r LogRecord) WithMessage(msg string) LogRecord {
	r.Message = msg
	return r
}

type recordJSON struct {
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Cursor    string            `json:"cursor,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (r LogRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Timestamp: r.Timestamp,
		Unit:      r.Unit,
		Severity:  r.Severity,
		Message:   r.Message,
		Cursor:    r.Cursor,
		Origin:    r.Origin,
		Fields:    r.fields,
	})
}

func (r *LogRecord) UnmarshalJSON(data []byte) error {
	var j recordJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*r = NewRecord(j.Timestamp, j.Unit, j.Severity, j.Message, j.Fields)
	r.Cursor = j.Cursor
	r.Origin = j.Origin
	return nil
}
