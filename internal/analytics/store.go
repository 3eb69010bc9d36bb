package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Store is the embedded columnar database holding bronze fact tables, the
// progress ledger and the gold aggregates. One process owns one database file
// for writing; parallel dates run as separate processes with their own files.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens (creating if needed) the database file for read-write use and
// runs the idempotent schema bootstrap.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}
	// The file carries a process-wide write lock; a second writer handle in
	// the same process would deadlock against ourselves.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing database file for concurrent reads. Used by
// the dashboard so it never contends with a running loader.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("open duckdb read-only %s: %w", path, err)
	}
	return &Store{db: db, path: path, readOnly: true}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// bootstrap creates schemas, ledger and stats tables. Every statement is
// CREATE IF NOT EXISTS so repeated startups are harmless.
func (s *Store) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS bronze`,
		`CREATE SCHEMA IF NOT EXISTS gold`,
		`CREATE SEQUENCE IF NOT EXISTS bronze.load_progress_id_seq`,
		`CREATE TABLE IF NOT EXISTS bronze.load_progress (
			id INTEGER PRIMARY KEY DEFAULT nextval('bronze.load_progress_id_seq'),
			exchange VARCHAR NOT NULL,
			data_date DATE NOT NULL,
			file_path VARCHAR NOT NULL,
			file_size_bytes BIGINT,
			start_time TIMESTAMP DEFAULT now(),
			end_time TIMESTAMP,
			status VARCHAR DEFAULT 'started',
			records_loaded BIGINT,
			error_message TEXT,
			created_at TIMESTAMP DEFAULT now(),
			UNIQUE (exchange, data_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_load_progress_date_exchange
			ON bronze.load_progress (data_date, exchange)`,
		`CREATE SEQUENCE IF NOT EXISTS gold.daily_load_stats_id_seq`,
		`CREATE TABLE IF NOT EXISTS gold.daily_load_stats (
			id INTEGER PRIMARY KEY DEFAULT nextval('gold.daily_load_stats_id_seq'),
			stats_date DATE NOT NULL,
			exchange VARCHAR NOT NULL,
			total_files INTEGER DEFAULT 0,
			successful_files INTEGER DEFAULT 0,
			failed_files INTEGER DEFAULT 0,
			total_records BIGINT DEFAULT 0,
			avg_records_per_file DECIMAL(20,2),
			total_processing_time_seconds DECIMAL(10,2),
			total_file_size_bytes BIGINT DEFAULT 0,
			avg_file_size_bytes DECIMAL(20,2),
			created_at TIMESTAMP DEFAULT now(),
			UNIQUE (stats_date, exchange)
		)`,
		`CREATE SEQUENCE IF NOT EXISTS gold.weekly_load_stats_id_seq`,
		`CREATE TABLE IF NOT EXISTS gold.weekly_load_stats (
			id INTEGER PRIMARY KEY DEFAULT nextval('gold.weekly_load_stats_id_seq'),
			week_ending DATE NOT NULL,
			exchange VARCHAR NOT NULL,
			avg_daily_files DECIMAL(10,2),
			avg_daily_records DECIMAL(20,2),
			total_files INTEGER DEFAULT 0,
			total_records BIGINT DEFAULT 0,
			avg_processing_time_seconds DECIMAL(10,2),
			created_at TIMESTAMP DEFAULT now(),
			UNIQUE (week_ending, exchange)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// Exec runs a statement outside any explicit transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Query runs a query outside any explicit transaction.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query outside any explicit transaction.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Begin opens a transaction. The returned Tx is a first-class value; callers
// must finish it with Commit or Rollback on every exit path.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps a database transaction. Rollback after Commit (or a second
// Rollback) is a no-op, so `defer tx.Rollback()` is safe everywhere.
type Tx struct {
	tx   *sql.Tx
	done bool
}

func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}
