package sink

import (
	"bufio"
	"fmt"
	"os"

	"github.com/arjunv/unifiedlog/internal/model"
)

// logDefaultSink renders each record as one line in the style of Apple's
// `log show` default text format: timestamp, thread, level,
// process[pid:euid], subsystem:category, then message.
type logDefaultSink struct {
	path      string
	localTime bool
	f         *os.File
	w         *bufio.Writer
}

func newLogDefaultSink(path string, localTime bool) (*logDefaultSink, error) {
	return &logDefaultSink{path: path, localTime: localTime}, nil
}

func (s *logDefaultSink) Open() error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("sink: open log %s: %w", s.path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	return nil
}

func (s *logDefaultSink) line(r *model.LogRecord) string {
	ts := r.Timestamp.UTC()
	if s.localTime {
		ts = r.Timestamp.Local()
	}
	subsysCat := r.Subsystem
	if r.Category != "" {
		subsysCat = fmt.Sprintf("%s:%s", r.Subsystem, r.Category)
	}
	sig := r.Message
	if r.SignpostInfo != "" {
		sig = fmt.Sprintf("[%s] %s", r.SignpostInfo, sig)
	}
	return fmt.Sprintf("%s 0x%x %-8s %s[%d:%d] %s: %s\n",
		ts.Format(timestampLayout), r.ThreadID, r.Level.String(),
		r.ProcessName, r.PID, r.EUID, subsysCat, sig)
}

func (s *logDefaultSink) WriteOne(r *model.LogRecord) error {
	if _, err := s.w.WriteString(s.line(r)); err != nil {
		return fmt.Errorf("sink: write log line: %w", err)
	}
	return nil
}

func (s *logDefaultSink) WriteBatch(records []*model.LogRecord) error {
	for _, r := range records {
		if err := s.WriteOne(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *logDefaultSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: flush log: %w", err)
	}
	return s.f.Close()
}
