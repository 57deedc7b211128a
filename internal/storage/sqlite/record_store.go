// Package sqlite persists task records in a local SQLite database file using
// the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/taskstream/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_records (
	task_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	progress   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

// RecordStore implements task.StateStore with a single SQLite table.
type RecordStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent producers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Put upserts the record.
func (s *RecordStore) Put(ctx context.Context, rec task.Record) error {
	if err := task.ValidateID(rec.TaskID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_records (task_id, status, progress, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	status = excluded.status,
	progress = excluded.progress,
	updated_at = excluded.updated_at`,
		rec.TaskID, string(rec.Status), rec.Progress, rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert task record: %w", errors.Join(task.ErrUnavailable, err))
	}
	return nil
}

// Get returns the record for taskID or task.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, taskID string) (task.Record, error) {
	var (
		status string
		nanos  int64
		rec    = task.Record{TaskID: taskID}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, progress, updated_at FROM task_records WHERE task_id = ?`, taskID,
	).Scan(&status, &rec.Progress, &nanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Record{}, task.ErrNotFound
		}
		return task.Record{}, fmt.Errorf("get task record: %w", errors.Join(task.ErrUnavailable, err))
	}
	rec.Status = task.Status(status)
	rec.Timestamp = time.Unix(0, nanos).UTC()
	return rec, nil
}

// Ping checks that the database handle is usable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Join(task.ErrUnavailable, err)
	}
	return nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}
