// Package mysql implements a run storage backend using MySQL.
package mysql

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
)

// Schema contains the MySQL schema for the run storage.
//
//go:embed schema.sql
var Schema string

// MySQLStorage implements a storage.Storage using MySQL.
type MySQLStorage struct {
	db *sql.DB
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
//
// Default driver is "mysql".
// Value is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
//
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// New creates and returns a new MySQLStorage.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &MySQLStorage{db: cfg.db}, nil
}

// sqlNullTime sets Valid to true of the return value of t is not zero.
func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: !t.IsZero(), Time: t}
}

// StoreRun stores r in MySQL, replacing any previous record.
func (s *MySQLStorage) StoreRun(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return storage.ErrNoRunID
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(
		ctx, `
INSERT INTO patch_runs
	(run_id, state, dry_run, start_time, end_time, run_json)
VALUES
	(?, ?, ?, ?, ?, ?) as new
ON DUPLICATE KEY UPDATE
	state = new.state,
	dry_run = new.dry_run,
	start_time = new.start_time,
	end_time = new.end_time,
	run_json = new.run_json;`,
		r.ID,
		r.State.String(),
		r.DryRun,
		sqlNullTime(r.StartTime),
		sqlNullTime(r.EndTime),
		raw,
	)
	return err
}

// RetrieveRun returns the run with the given id from MySQL.
func (s *MySQLStorage) RetrieveRun(ctx context.Context, id string) (*run.Run, error) {
	if id == "" {
		return nil, storage.ErrNoRunID
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT run_json FROM patch_runs WHERE run_id = ?;`, id).Scan(&raw)
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

// DeleteRun deletes the run with the given id from MySQL.
func (s *MySQLStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patch_runs WHERE run_id = ?;`, id)
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

// ListRunIDs returns the sorted ids of all runs in MySQL.
func (s *MySQLStorage) ListRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM patch_runs ORDER BY run_id;`)
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
