package sink

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/arjunv/unifiedlog/internal/model"
)

var tsvHeader = []string{
	"timestamp", "thread_id", "level", "activity_id", "parent_activity_id",
	"pid", "euid", "ttl", "process", "sender_library", "subsystem", "category",
	"signpost_name", "signpost_info", "message",
}

type tsvSink struct {
	path      string
	localTime bool
	f         *os.File
	w         *csv.Writer
}

func newTSVSink(path string, localTime bool) (*tsvSink, error) {
	return &tsvSink{path: path, localTime: localTime}, nil
}

func (s *tsvSink) Open() error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("sink: open tsv %s: %w", s.path, err)
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write(tsvHeader); err != nil {
		f.Close()
		return fmt.Errorf("sink: write tsv header: %w", err)
	}
	s.f = f
	s.w = w
	return nil
}

func (s *tsvSink) row(r *model.LogRecord) []string {
	ts := r.Timestamp.UTC()
	if s.localTime {
		ts = r.Timestamp.Local()
	}
	return []string{
		ts.Format(timestampLayout),
		fmt.Sprint(r.ThreadID),
		r.Level.String(),
		fmt.Sprintf("0x%x", r.ActivityID),
		fmt.Sprintf("0x%x", r.ParentActivityID),
		fmt.Sprint(r.PID),
		fmt.Sprint(r.EUID),
		fmt.Sprint(r.TTL),
		r.ProcessName,
		r.SenderLibraryName,
		r.Subsystem,
		r.Category,
		r.SignpostName,
		r.SignpostInfo,
		r.Message,
	}
}

func (s *tsvSink) WriteOne(r *model.LogRecord) error {
	if err := s.w.Write(s.row(r)); err != nil {
		return fmt.Errorf("sink: write tsv row: %w", err)
	}
	return nil
}

func (s *tsvSink) WriteBatch(records []*model.LogRecord) error {
	for _, r := range records {
		if err := s.w.Write(s.row(r)); err != nil {
			return fmt.Errorf("sink: write tsv row: %w", err)
		}
	}
	return nil
}

func (s *tsvSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: flush tsv: %w", err)
	}
	return s.f.Close()
}
