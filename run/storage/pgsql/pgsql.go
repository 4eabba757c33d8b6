// Package pgsql implements a run storage backend using PostgreSQL
// through the pgx database/sql driver.
package pgsql

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanopatch/run"
	"github.com/micromdm/nanopatch/run/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Schema contains the PostgreSQL schema for the run storage.
//
//go:embed schema.sql
var Schema string

// PgSQLStorage implements a storage.Storage using PostgreSQL.
type PgSQLStorage struct {
	db *sql.DB
}

type config struct {
	dsn          string
	db           *sql.DB
	createSchema bool
}

// Option allows configuring a PgSQLStorage.
type Option func(*config)

// WithDSN sets the storage PostgreSQL connection string.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDB sets a custom *sql.DB to the storage.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithCreateSchema applies Schema when the storage is created.
// The schema is idempotent.
func WithCreateSchema() Option {
	return func(c *config) {
		c.createSchema = true
	}
}

// New creates and returns a new PgSQLStorage.
func New(opts ...Option) (*PgSQLStorage, error) {
	cfg := new(config)
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open("pgx", cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	if cfg.createSchema {
		if _, err = cfg.db.Exec(Schema); err != nil {
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &PgSQLStorage{db: cfg.db}, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: !t.IsZero(), Time: t}
}

// StoreRun stores r in PostgreSQL, replacing any previous record.
func (s *PgSQLStorage) StoreRun(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return storage.ErrNoRunID
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO patch_runs (run_id, state, dry_run, start_time, end_time, run_json)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id) DO UPDATE SET
	state = EXCLUDED.state,
	dry_run = EXCLUDED.dry_run,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	run_json = EXCLUDED.run_json,
	updated_at = NOW()`,
		r.ID,
		r.State.String(),
		r.DryRun,
		nullTime(r.StartTime),
		nullTime(r.EndTime),
		string(raw),
	)
	return err
}

// RetrieveRun returns the run with the given id from PostgreSQL.
func (s *PgSQLStorage) RetrieveRun(ctx context.Context, id string) (*run.Run, error) {
	if id == "" {
		return nil, storage.ErrNoRunID
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT run_json FROM patch_runs WHERE run_id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select run %s: %w", id, err)
	}
	r := new(run.Run)
	if err = json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return r, nil
}

// DeleteRun deletes the run with the given id from PostgreSQL.
func (s *PgSQLStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patch_runs WHERE run_id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	return nil
}

// ListRunIDs returns the sorted ids of all runs in PostgreSQL.
func (s *PgSQLStorage) ListRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM patch_runs ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
