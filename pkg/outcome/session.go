package outcome

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// File extensions of the two session logs.
const (
	SuccessExt = ".success"
	ErrorExt   = ".error"
)

// ErrSessionClosed is returned when recording into a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session owns the success and error logs of one run. It is the single
// writer of both files.
type Session struct {
	id        string
	operation string
	dir       string

	mu           sync.Mutex
	success      *os.File
	failure      *os.File
	successCount int
	errorCount   int
	closed       bool

	logger zerolog.Logger
}

// Report names the log an operator should look at after a run.
type Report struct {
	Path    string
	Status  Status
	Success int
	Errors  int
}

// NewSession creates dir if needed and opens
// <dir>/<operation>_<id>.success and .error for appending.
func NewSession(dir, operation string) (*Session, error) {
	if operation == "" {
		return nil, fmt.Errorf("operation is required")
	}
	if strings.ContainsAny(operation, `_/\`) {
		return nil, fmt.Errorf("invalid operation name %q", operation)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}

	id := NewSessionID(time.Now())
	base := filepath.Join(dir, operation+"_"+id)

	success, err := openLog(base + SuccessExt)
	if err != nil {
		return nil, err
	}
	failure, err := openLog(base + ErrorExt)
	if err != nil {
		success.Close()
		return nil, err
	}

	logger := logging.NewLogger("outcome").With().
		Str("session", id).
		Str("operation", operation).
		Logger()
	logger.Debug().Str("dir", dir).Msg("Session opened")

	return &Session{
		id:        id,
		operation: operation,
		dir:       dir,
		success:   success,
		failure:   failure,
		logger:    logger,
	}, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

// NewSessionID returns a sortable, collision-resistant session identifier.
func NewSessionID(t time.Time) string {
	suffix, _, _ := strings.Cut(uuid.NewString(), "-")
	return t.UTC().Format("20060102T150405Z") + "-" + suffix
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Operation returns the operation name the session logs for.
func (s *Session) Operation() string { return s.operation }

// Record appends rec to the log matching its status. Time is stamped when unset.
func (s *Session) Record(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	line, err := encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	var f *os.File
	switch rec.Status {
	case StatusSuccess:
		f = s.success
	case StatusError:
		f = s.failure
	default:
		return fmt.Errorf("record %s: unknown status %q", rec.UID, rec.Status)
	}

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}

	if rec.Status == StatusSuccess {
		s.successCount++
	} else {
		s.errorCount++
	}
	return nil
}

// Counts returns the number of success and error records written.
func (s *Session) Counts() (success, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successCount, s.errorCount
}

// Paths returns the success and error log paths.
func (s *Session) Paths() (success, errs string) {
	return s.success.Name(), s.failure.Name()
}

// Report returns the log to surface at exit: the error log when it has
// records, otherwise the success log. ok is false when both are empty.
func (s *Session) Report() (Report, bool) {
	success, errs := s.Counts()
	successPath, errorPath := s.Paths()

	r := Report{Success: success, Errors: errs}
	switch {
	case errs > 0:
		r.Path, r.Status = errorPath, StatusError
	case success > 0:
		r.Path, r.Status = successPath, StatusSuccess
	default:
		return r, false
	}
	return r, true
}

// Close syncs and closes both logs. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, f := range []*os.File{s.success, s.failure} {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", f.Name(), err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
		}
	}

	s.logger.Debug().
		Int("success", s.successCount).
		Int("errors", s.errorCount).
		Msg("Session closed")

	return errors.Join(errs...)
}

// ParseLogName splits a log path into the operation token and the status
// implied by its extension. status is empty for unknown extensions.
//
// Example:
//
//	bulk-publish-entries_20260101T000000Z-1a2b3c4d.error -> ("bulk-publish-entries", StatusError)
func ParseLogName(path string) (operation string, status Status) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	switch ext {
	case SuccessExt:
		status = StatusSuccess
	case ErrorExt:
		status = StatusError
	}

	name := strings.TrimSuffix(base, ext)
	operation, _, _ = strings.Cut(name, "_")
	return operation, status
}
