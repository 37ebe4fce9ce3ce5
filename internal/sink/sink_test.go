package sink

import (
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arjunv/unifiedlog/internal/model"
)

func sampleRecord() *model.LogRecord {
	return &model.LogRecord{
		SourceFile:     "test.tracev3",
		Offset:         128,
		ContinuousTime: 9001,
		Timestamp:      time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		ThreadID:       42,
		Level:          model.LevelError,
		PID:            100,
		EUID:           0,
		ProcessName:    "testd",
		Subsystem:      "com.example.test",
		Category:       "net",
		Message:        "connection reset",
	}
}

func TestNewUnknownFormat(t *testing.T) {
	if _, err := New(Format("bogus"), "/tmp/x", false); err == nil {
		t.Fatal("expected error for unknown sink format")
	}
}

func TestTSVSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	s, err := New(FormatTSV, path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord()
	if err := s.WriteOne(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBatch([]*model.LogRecord{rec}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = '\t'
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 { // header + 2 rows
		t.Fatalf("rows: got %d, want 3", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Fatalf("header: got %q", rows[0][0])
	}
	if rows[1][8] != "testd" {
		t.Fatalf("process column: got %q", rows[1][8])
	}
	if rows[1][14] != "connection reset" {
		t.Fatalf("message column: got %q", rows[1][14])
	}
}

func TestLogDefaultSinkRendersLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	s, err := New(FormatDefault, path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord()
	if err := s.WriteOne(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "testd[100:0]") {
		t.Fatalf("line missing process[pid:euid]: %q", line)
	}
	if !strings.Contains(line, "com.example.test:net") {
		t.Fatalf("line missing subsystem:category: %q", line)
	}
	if !strings.Contains(line, "connection reset") {
		t.Fatalf("line missing message: %q", line)
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.db")
	s, err := New(FormatSQLite, path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord()
	rec.ImageUUID = uuid.New()
	if err := s.WriteOne(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBatch([]*model.LogRecord{rec, rec}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM log").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("row count: got %d, want 3", count)
	}

	var process, message string
	if err := db.QueryRow("SELECT process_name, message FROM log LIMIT 1").Scan(&process, &message); err != nil {
		t.Fatal(err)
	}
	if process != "testd" || message != "connection reset" {
		t.Fatalf("row contents: process=%q message=%q", process, message)
	}
}
