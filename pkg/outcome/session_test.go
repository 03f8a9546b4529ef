package outcome

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rec, err := Decode(scanner.Bytes())
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	return records
}

func TestNewSession_Names(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSession(filepath.Join(dir, "logs"), "bulk-publish-assets")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer s.Close()

	success, errs := s.Paths()
	for _, p := range []string{success, errs} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("log %s not created: %v", p, err)
		}
		if !strings.HasPrefix(filepath.Base(p), "bulk-publish-assets_"+s.ID()) {
			t.Errorf("log %s should start with the operation and session id", p)
		}
	}
	if filepath.Ext(success) != SuccessExt || filepath.Ext(errs) != ErrorExt {
		t.Errorf("extensions = %s, %s", filepath.Ext(success), filepath.Ext(errs))
	}
}

func TestNewSession_InvalidOperation(t *testing.T) {
	for _, op := range []string{"", "publish_entries", "a/b", `a\b`} {
		if _, err := NewSession(t.TempDir(), op); err == nil {
			t.Errorf("NewSession(%q) should fail", op)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	a, b := NewSessionID(at), NewSessionID(at)

	if !strings.HasPrefix(a, "20261018T093000Z-") {
		t.Errorf("NewSessionID() = %s, want timestamp prefix", a)
	}
	if a == b {
		t.Error("session ids of the same second must differ")
	}
	if strings.Contains(a, "_") {
		t.Error("session id must not contain the operation separator")
	}
}

func TestSession_RecordRoutesByStatus(t *testing.T) {
	s, err := NewSession(t.TempDir(), "publish-entries")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	records := []Record{
		{UID: "blt1", Kind: "entry", ContentType: "blog", Locale: "en-us", Environments: []string{"production"}, Status: StatusSuccess, Batch: 1},
		{UID: "blt2", Kind: "entry", ContentType: "blog", Locale: "en-us", Environments: []string{"production"}, Status: StatusError, Detail: "stack client error (status 422): locked", Batch: 2},
		{UID: "blt3", Kind: "entry", ContentType: "blog", Locale: "en-us", Environments: []string{"production"}, Status: StatusSuccess, Batch: 3},
	}
	for _, rec := range records {
		if err := s.Record(rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := s.Record(Record{UID: "blt4", Status: "pending"}); err == nil {
		t.Error("Record() with unknown status should fail")
	}

	success, errs := s.Counts()
	if success != 2 || errs != 1 {
		t.Errorf("Counts() = %d, %d, want 2, 1", success, errs)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	successPath, errorPath := s.Paths()
	ok := readRecords(t, successPath)
	failed := readRecords(t, errorPath)

	if len(ok) != 2 || ok[0].UID != "blt1" || ok[1].UID != "blt3" {
		t.Errorf("success log = %+v", ok)
	}
	if len(failed) != 1 || failed[0].UID != "blt2" || failed[0].Detail != records[1].Detail || failed[0].Batch != 2 {
		t.Errorf("error log = %+v", failed)
	}
	if ok[0].Time.IsZero() {
		t.Error("Record() should stamp the time")
	}
}

func TestSession_ConcurrentRecords(t *testing.T) {
	s, err := NewSession(t.TempDir(), "bulk-publish-entries")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Record(Record{UID: "blt", Locale: "en-us", Status: StatusSuccess, Batch: uint64(i)})
			}
		}()
	}
	wg.Wait()
	s.Close()

	successPath, _ := s.Paths()
	if got := len(readRecords(t, successPath)); got != 1000 {
		t.Errorf("success log has %d records, want 1000", got)
	}
}

func TestSession_Close(t *testing.T) {
	s, err := NewSession(t.TempDir(), "unpublish")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := s.Record(Record{UID: "blt1", Status: StatusSuccess}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Record() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Report(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []Status
		wantOK     bool
		wantStatus Status
	}{
		{"nothing recorded", nil, false, ""},
		{"only successes", []Status{StatusSuccess, StatusSuccess}, true, StatusSuccess},
		{"any error wins", []Status{StatusSuccess, StatusError}, true, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(t.TempDir(), "publish-assets")
			if err != nil {
				t.Fatalf("NewSession() error = %v", err)
			}
			defer s.Close()

			for _, st := range tt.statuses {
				s.Record(Record{UID: "blt1", Status: st})
			}

			report, ok := s.Report()
			if ok != tt.wantOK {
				t.Fatalf("Report() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if report.Status != tt.wantStatus {
				t.Errorf("Report().Status = %s, want %s", report.Status, tt.wantStatus)
			}
			successPath, errorPath := s.Paths()
			want := successPath
			if tt.wantStatus == StatusError {
				want = errorPath
			}
			if report.Path != want {
				t.Errorf("Report().Path = %s, want %s", report.Path, want)
			}
		})
	}
}

func TestParseLogName(t *testing.T) {
	tests := []struct {
		path       string
		wantOp     string
		wantStatus Status
	}{
		{"/logs/bulk-publish-entries_20260101T000000Z-1a2b3c4d.error", "bulk-publish-entries", StatusError},
		{"publish-assets_20260101T000000Z-1a2b3c4d.success", "publish-assets", StatusSuccess},
		{"unpublish.error", "unpublish", StatusError},
		{"notes.txt", "notes", ""},
		{"cross-publish_x.error", "cross-publish", StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			op, status := ParseLogName(tt.path)
			if op != tt.wantOp || status != tt.wantStatus {
				t.Errorf("ParseLogName() = %q, %q, want %q, %q", op, status, tt.wantOp, tt.wantStatus)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	rec, err := Decode([]byte(`{"uid":"blt1","kind":"asset","locale":"en-us","environments":["production"],"status":"error","batch":4,"time":"2026-10-18T09:30:00Z"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rec.UID != "blt1" || rec.Kind != "asset" || rec.Batch != 4 || rec.Status != StatusError {
		t.Errorf("Decode() = %+v", rec)
	}

	for _, line := range []string{`{"locale":"en-us"}`, `not json`, `{"uid":`} {
		if _, err := Decode([]byte(line)); err == nil {
			t.Errorf("Decode(%q) should fail", line)
		}
	}
}

func TestNewSession_ComponentLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logging.Setup(logging.Config{Level: logging.LevelDebug, Output: buf})
	t.Cleanup(func() { logging.Setup(logging.DefaultConfig()) })

	s, err := NewSession(t.TempDir(), "publish-entries")
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer s.Close()

	output := buf.String()
	for _, want := range []string{`"component":"outcome"`, `"session":"` + s.ID() + `"`, "Session opened"} {
		if !strings.Contains(output, want) {
			t.Errorf("log output missing %s: %q", want, output)
		}
	}
}
