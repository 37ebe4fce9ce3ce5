package sink

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/arjunv/unifiedlog/internal/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS log (
	source_file         TEXT,
	offset              INTEGER,
	continuous_time     INTEGER,
	timestamp           TEXT,
	thread_id           INTEGER,
	level               TEXT,
	activity_id         INTEGER,
	parent_activity_id  INTEGER,
	pid                 INTEGER,
	euid                INTEGER,
	ttl                 INTEGER,
	process_name        TEXT,
	sender_library_name TEXT,
	subsystem           TEXT,
	category            TEXT,
	signpost_name       TEXT,
	signpost_info       TEXT,
	image_offset        INTEGER,
	image_uuid          TEXT,
	process_image_uuid  TEXT,
	sender_image_path   TEXT,
	process_image_path  TEXT,
	message             TEXT
)`

const insertSQL = `INSERT INTO log (
	source_file, offset, continuous_time, timestamp, thread_id, level,
	activity_id, parent_activity_id, pid, euid, ttl, process_name,
	sender_library_name, subsystem, category, signpost_name, signpost_info,
	image_offset, image_uuid, process_image_uuid, sender_image_path,
	process_image_path, message
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

type sqliteSink struct {
	path string
	db   *sql.DB
	stmt *sql.Stmt
}

func newSQLiteSink(path string) (*sqliteSink, error) {
	return &sqliteSink{path: path}, nil
}

func (s *sqliteSink) Open() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("sink: open sqlite %s: %w", s.path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return fmt.Errorf("sink: create table: %w", err)
	}
	stmt, err := db.Prepare(insertSQL)
	if err != nil {
		db.Close()
		return fmt.Errorf("sink: prepare insert: %w", err)
	}
	s.db = db
	s.stmt = stmt
	return nil
}

func (s *sqliteSink) WriteOne(r *model.LogRecord) error {
	_, err := s.stmt.Exec(
		r.SourceFile, r.Offset, r.ContinuousTime, r.Timestamp.Format(timestampLayout),
		r.ThreadID, r.Level.String(), r.ActivityID, r.ParentActivityID, r.PID, r.EUID,
		r.TTL, r.ProcessName, r.SenderLibraryName, r.Subsystem, r.Category,
		r.SignpostName, r.SignpostInfo, r.ImageOffset, r.ImageUUID.String(),
		r.ProcessImageUUID.String(), r.SenderImagePath, r.ProcessImagePath, r.Message,
	)
	if err != nil {
		return fmt.Errorf("sink: insert record: %w", err)
	}
	return nil
}

func (s *sqliteSink) WriteBatch(records []*model.LogRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sink: begin batch tx: %w", err)
	}
	stmt := tx.Stmt(s.stmt)
	for _, r := range records {
		if _, err := stmt.Exec(
			r.SourceFile, r.Offset, r.ContinuousTime, r.Timestamp.Format(timestampLayout),
			r.ThreadID, r.Level.String(), r.ActivityID, r.ParentActivityID, r.PID, r.EUID,
			r.TTL, r.ProcessName, r.SenderLibraryName, r.Subsystem, r.Category,
			r.SignpostName, r.SignpostInfo, r.ImageOffset, r.ImageUUID.String(),
			r.ProcessImageUUID.String(), r.SenderImagePath, r.ProcessImagePath, r.Message,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("sink: insert batch record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit batch: %w", err)
	}
	return nil
}

func (s *sqliteSink) Close() error {
	if s.stmt != nil {
		s.stmt.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const timestampLayout = "2006-01-02 15:04:05.000000000 -0700"
