// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/taskstream/internal/task"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for task records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// EnsureSchema creates the table on startup when true.
	EnsureSchema bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore upserts task records into a single Postgres table keyed by task id.
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &RecordStore{pool: p, table: table}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "task_records"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	progress   INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, unavailable(err))
	}
	return nil
}

// Put upserts the record.
func (s *RecordStore) Put(ctx context.Context, rec task.Record) error {
	if err := task.ValidateID(rec.TaskID); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, status, progress, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (task_id) DO UPDATE
SET status = EXCLUDED.status,
	progress = EXCLUDED.progress,
	updated_at = EXCLUDED.updated_at`, s.table)
	_, err := s.pool.Exec(ctx, query, rec.TaskID, string(rec.Status), rec.Progress, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("upsert task record: %w", unavailable(err))
	}
	return nil
}

// Get returns the record for taskID or task.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, taskID string) (task.Record, error) {
	query := fmt.Sprintf(`SELECT task_id, status, progress, updated_at FROM %s WHERE task_id = $1`, s.table)
	var (
		rec    task.Record
		status string
	)
	err := s.pool.QueryRow(ctx, query, taskID).Scan(&rec.TaskID, &status, &rec.Progress, &rec.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Record{}, task.ErrNotFound
		}
		return task.Record{}, fmt.Errorf("get task record: %w", unavailable(err))
	}
	rec.Status = task.Status(status)
	return rec, nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func unavailable(err error) error {
	return errors.Join(task.ErrUnavailable, err)
}
