package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Journal start modes used when no cursor is stored.
const (
	StartNow   = "now"
	StartBoot  = "boot"
	StartAll   = "all"
	StartSince = "since"
)

const maxJournalLine = 1 << 20

// JournalConfig configures the journald source.
type JournalConfig struct {
	Binary    string
	StartMode string
	Since     string
	Units     []string
	Logger    *zap.Logger
}

// JournalSource streams journald entries by following `journalctl --output
// json`. Resuming uses --after-cursor so no entry is replayed.
type JournalSource struct {
	cfg    JournalConfig
	logger *zap.Logger
}

// NewJournalSource creates a journald source.
func NewJournalSource(cfg JournalConfig) *JournalSource {
	if cfg.Binary == "" {
		cfg.Binary = "journalctl"
	}
	if cfg.StartMode == "" {
		cfg.StartMode = StartNow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalSource{cfg: cfg, logger: logger}
}

func (j *JournalSource) Name() string { return "journal" }

func (j *JournalSource) args(cursor string) []string {
	args := []string{"--output", "json", "--follow", "--no-pager"}
	switch {
	case cursor != "":
		args = append(args, "--after-cursor", cursor)
	case j.cfg.StartMode == StartBoot:
		args = append(args, "--boot", "--no-tail")
	case j.cfg.StartMode == StartAll:
		args = append(args, "--no-tail")
	case j.cfg.StartMode == StartSince:
		args = append(args, "--since", j.cfg.Since, "--no-tail")
	default:
		args = append(args, "--lines", "0")
	}
	for _, u := range j.cfg.Units {
		args = append(args, "--unit", u)
	}
	return args
}

// Open starts journalctl. Failing to start it is ErrSourceUnavailable.
func (j *JournalSource) Open(ctx context.Context, cursor string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, j.cfg.Binary, j.args(cursor)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSourceUnavailable, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrSourceUnavailable, j.cfg.Binary, err)
	}

	j.logger.Debug("journal stream opened", zap.Bool("resumed", cursor != ""))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	return &journalStream{cmd: cmd, cancel: cancel, scanner: scanner, stderr: &stderr, logger: j.logger}, nil
}

type journalStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	logger  *zap.Logger
	closed  bool
}

func (s *journalStream) Next(ctx context.Context) (LogRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return LogRecord{}, err
		}
		if !s.scanner.Scan() {
			return LogRecord{}, s.fail()
		}
		rec, ok, err := ParseJournalEntry(s.scanner.Bytes())
		if err != nil {
			s.logger.Debug("skipping malformed journal entry", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		return rec, nil
	}
}

// fail reaps the process and reports why the stream ended.
func (s *journalStream) fail() error {
	scanErr := s.scanner.Err()
	waitErr := s.wait()
	msg := strings.TrimSpace(s.stderr.String())
	switch {
	case scanErr != nil:
		return fmt.Errorf("%w: read journal: %v", ErrSourceUnavailable, scanErr)
	case waitErr != nil && msg != "":
		return fmt.Errorf("%w: journalctl: %v: %s", ErrSourceUnavailable, waitErr, msg)
	case waitErr != nil:
		return fmt.Errorf("%w: journalctl: %v", ErrSourceUnavailable, waitErr)
	default:
		return fmt.Errorf("%w: journalctl exited", ErrSourceUnavailable)
	}
}

func (s *journalStream) wait() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cmd.Wait()
}

func (s *journalStream) Close() error {
	s.cancel()
	err := s.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ParseJournalEntry converts one line of `journalctl --output json` into a
// LogRecord. ok is false for entries without a message, which carry
// nothing to classify.
//
// Scalar fields are kept as structured fields. MESSAGE may be a string or,
// for non-UTF-8 payloads, an array of bytes.
func ParseJournalEntry(line []byte) (LogRecord, bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogRecord{}, false, fmt.Errorf("decode journal entry: %w", err)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := scalarString(v); ok {
			fields[k] = s
		}
	}

	msg := fields["MESSAGE"]
	if msg == "" {
		if b, ok := byteArrayString(raw["MESSAGE"]); ok {
			msg = b
		}
	}
	if msg == "" {
		return LogRecord{}, false, nil
	}

	ts := time.Now()
	if us, err := strconv.ParseInt(fields["__REALTIME_TIMESTAMP"], 10, 64); err == nil {
		ts = time.UnixMicro(us)
	}

	sev := SeverityInfo
	if p, ok := fields["PRIORITY"]; ok {
		if parsed, err := ParseSeverity(p); err == nil {
			sev = parsed
		}
	}

	unit := fields["SYSLOG_IDENTIFIER"]
	if unit == "" {
		unit = fields["_SYSTEMD_UNIT"]
	}
	if unit == "" {
		unit = "unknown"
	}

	rec := NewRecord(ts, unit, sev, msg, fields)
	rec.Cursor = fields["__CURSOR"]
	rec.Origin = "journal"
	return rec, true, nil
}

func scalarString(v json.RawMessage) (string, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "", false
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		return s, true
	case '[', '{', 'n':
		return "", false
	default:
		return string(v), true
	}
}

func byteArrayString(v json.RawMessage) (string, bool) {
	var ints []int
	if err := json.Unmarshal(v, &ints); err != nil || len(ints) == 0 {
		return "", false
	}
	b := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 255 {
			return "", false
		}
		b[i] = byte(n)
	}
	return strings.ToValidUTF8(string(b), "�"), true
}
