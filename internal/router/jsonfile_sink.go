package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tripwire/sentinel/internal/alert"
)

// jsonFileRecord is the one-object-per-line shape spec.md §4.6 requires for
// the JSON log file sink.
type jsonFileRecord struct {
	Timestamp string         `json:"timestamp"`
	Severity  alert.Severity `json:"severity"`
	Type      alert.Kind     `json:"type"`
	PID       uint32         `json:"pid"`
	Syscall   uint32         `json:"syscall,omitempty"`
	Observed  uint64         `json:"observed,omitempty"`
	Expected  float64        `json:"expected,omitempty"`
	StdDev    float64        `json:"stddev,omitempty"`
	ZScore    float64        `json:"z_score,omitempty"`
	Message   string         `json:"message"`
}

// JSONFileSink appends one JSON object per line to a log file, rotating to
// "<path>.old" (replacing any prior rotation) before any write that would
// take the file's written size past maxSize.
type JSONFileSink struct {
	path    string
	maxSize int64

	mu      sync.Mutex
	file    *os.File
	written int64
}

// NewJSONFileSink opens (creating if necessary) the log file at path.
func NewJSONFileSink(path string, maxSize int64) (*JSONFileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonfile: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("jsonfile: stat %q: %w", path, err)
	}
	return &JSONFileSink{path: path, maxSize: maxSize, file: f, written: info.Size()}, nil
}

func (s *JSONFileSink) Name() string { return "json_file" }

func (s *JSONFileSink) Send(ctx context.Context, a alert.Alert) error {
	rec := jsonFileRecord{
		Timestamp: a.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Severity:  a.Severity,
		Type:      a.Kind,
		PID:       a.PID,
		Syscall:   a.SyscallNr,
		Observed:  a.Observed,
		Expected:  a.Expected,
		StdDev:    a.StdDev,
		ZScore:    a.ZScore,
		Message:   a.Message,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jsonfile: marshal: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && s.written+int64(len(line)) > s.maxSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("jsonfile: write: %w", err)
	}
	s.written += int64(n)
	return nil
}

// rotateLocked renames the current file to "<path>.old" (clobbering any
// prior rotation) and opens a fresh empty file at path. Caller holds s.mu.
func (s *JSONFileSink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("jsonfile: close before rotate: %w", err)
	}
	oldPath := s.path + ".old"
	if err := os.Rename(s.path, oldPath); err != nil {
		return fmt.Errorf("jsonfile: rotate rename: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonfile: reopen after rotate: %w", err)
	}
	s.file = f
	s.written = 0
	return nil
}

func (s *JSONFileSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

func (s *JSONFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
