package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// FileSource replays a file of JSON entries, one per line. Lines are either
// journal entries as written by `journalctl --output json` or LogRecords in
// their own JSON form. The cursor is the line number of the last delivered
// record. The stream ends with io.EOF.
type FileSource struct {
	path string
}

// NewFileSource creates a replay source over path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Open(_ context.Context, cursor string) (Stream, error) {
	skip := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid file cursor %q: %w", cursor, err)
		}
		skip = n
	}

	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)
	return &fileStream{file: fh, scanner: scanner, skip: skip}, nil
}

type fileStream struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
	skip    int
}

func (s *fileStream) Next(ctx context.Context) (LogRecord, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return LogRecord{}, err
		}
		s.line++
		if s.line <= s.skip {
			continue
		}
		rec, ok, err := parseFileLine(s.scanner.Bytes())
		if err != nil || !ok {
			continue
		}
		rec.Cursor = strconv.Itoa(s.line)
		rec.Origin = "file"
		return rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return LogRecord{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return LogRecord{}, io.EOF
}

func (s *fileStream) Close() error {
	return s.file.Close()
}

func parseFileLine(line []byte) (LogRecord, bool, error) {
	if !bytes.Contains(line, []byte(`"message"`)) || bytes.Contains(line, []byte(`"MESSAGE"`)) {
		return ParseJournalEntry(line)
	}
	var rec LogRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return LogRecord{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, rec.Message != "", nil
}
