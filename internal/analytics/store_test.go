package analytics

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.duckdb"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrapIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "boot.duckdb")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, table := range []string{"bronze.load_progress", "gold.daily_load_stats", "gold.weekly_load_stats"} {
		var n int64
		if err := s.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("query %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("%s has %d rows in a fresh database", table, n)
		}
	}
}

func TestTxCommitRollbackIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Exec(ctx, `
		INSERT INTO bronze.load_progress (exchange, data_date, file_path, status)
		VALUES ('LSE', '2025-01-15', 's3://x', 'started')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Rollback after Commit is a no-op, the defer pattern relies on it.
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback after Commit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	var n int64
	if err := s.QueryRow(ctx, `SELECT count(*) FROM bronze.load_progress`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count=%d want 1", n)
	}
}

func TestTxRollbackDiscards(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Exec(ctx, `
		INSERT INTO bronze.load_progress (exchange, data_date, file_path, status)
		VALUES ('CME', '2025-01-15', 's3://x', 'started')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	var n int64
	if err := s.QueryRow(ctx, `SELECT count(*) FROM bronze.load_progress`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count=%d want 0 after rollback", n)
	}
}
