package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/analytics"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/remote"
)

// Progress statuses. A record is created 'started' and transitions exactly
// once to a terminal status; idempotent mode may reclaim a terminal
// non-completed record back to 'started' for a retry.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ClaimResult is the outcome of an ownership claim on (exchange, date).
type ClaimResult int

const (
	// Proceed: the caller owns the load and must finish it.
	Proceed ClaimResult = iota
	// AlreadyDone: a completed record exists; idempotent resume skips the file.
	AlreadyDone
	// Conflict: another actor owns or already attempted this load.
	Conflict
)

// ProgressRecord is one row of bronze.load_progress.
type ProgressRecord struct {
	ID            int64      `json:"id"`
	Exchange      string     `json:"exchange"`
	DataDate      time.Time  `json:"data_date"`
	FilePath      string     `json:"file_path"`
	FileSizeBytes *int64     `json:"file_size_bytes"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Status        string     `json:"status"`
	RecordsLoaded *int64     `json:"records_loaded"`
	ErrorMessage  *string    `json:"error_message"`
}

// errorMessage column budget; worker errors are abbreviated to fit.
const maxErrorLen = 500

// Ledger is the sole writer of progress records and gold aggregates. The
// DuckDB write is authoritative; every committed transition is mirrored
// best-effort to the remote store and followed by a daily + weekly aggregate
// refresh for the touched (date, exchange).
type Ledger struct {
	store      *analytics.Store
	mirror     *remote.Mirror
	idempotent bool
	staleAfter time.Duration
	now        func() time.Time
}

func New(store *analytics.Store, mirror *remote.Mirror, idempotent bool, staleAfter time.Duration) *Ledger {
	return &Ledger{
		store:      store,
		mirror:     mirror,
		idempotent: idempotent,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Claim asserts ownership of the (exchange, date) load. The decision table:
//
//	absent                         -> insert started, Proceed
//	completed                      -> AlreadyDone
//	started, younger than stale    -> Conflict (held elsewhere)
//	started, stale + idempotent    -> reclaim, Proceed
//	failed/skipped + idempotent    -> reclaim, Proceed
//	anything else, non-idempotent  -> Conflict
func (l *Ledger) Claim(ctx context.Context, exchange string, date time.Time, filePath string, sizeBytes int64) (ClaimResult, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return Conflict, err
	}
	defer tx.Rollback()

	rec, err := getProgressTx(ctx, tx, exchange, date)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := l.now().UTC()
		if err := tx.Exec(ctx, `
			INSERT INTO bronze.load_progress
				(exchange, data_date, file_path, file_size_bytes, start_time, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			exchange, date.Format("2006-01-02"), filePath, sizeBytes, now, StatusStarted,
		); err != nil {
			return Conflict, fmt.Errorf("insert progress record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Conflict, err
		}
		l.mirrorProgress(ctx, exchange, date)
		return Proceed, nil

	case err != nil:
		return Conflict, err
	}

	switch rec.Status {
	case StatusCompleted:
		return AlreadyDone, nil

	case StatusStarted:
		// Cross-process ownership is only detectable by staleness of the
		// start_time; a fresh 'started' row belongs to a live worker.
		if l.now().UTC().Sub(rec.StartTime) < l.staleAfter {
			return Conflict, nil
		}
		if !l.idempotent {
			return Conflict, nil
		}

	case StatusFailed, StatusSkipped:
		if !l.idempotent {
			return Conflict, nil
		}
	}

	// Reclaim for retry: back to 'started' with a fresh start_time.
	now := l.now().UTC()
	if err := tx.Exec(ctx, `
		UPDATE bronze.load_progress
		SET file_path = ?, file_size_bytes = ?, start_time = ?, end_time = NULL,
			status = ?, records_loaded = NULL, error_message = NULL
		WHERE exchange = ? AND data_date = ?`,
		filePath, sizeBytes, now, StatusStarted, exchange, date.Format("2006-01-02"),
	); err != nil {
		return Conflict, fmt.Errorf("reclaim progress record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conflict, err
	}
	l.mirrorProgress(ctx, exchange, date)
	return Proceed, nil
}

// Complete transitions the record to 'completed' and refreshes aggregates.
func (l *Ledger) Complete(ctx context.Context, exchange string, date time.Time, recordsLoaded int64) error {
	now := l.now().UTC()
	if err := l.store.Exec(ctx, `
		UPDATE bronze.load_progress
		SET end_time = ?, status = ?, records_loaded = ?
		WHERE exchange = ? AND data_date = ?`,
		now, StatusCompleted, recordsLoaded, exchange, date.Format("2006-01-02"),
	); err != nil {
		return fmt.Errorf("mark progress completed: %w", err)
	}
	l.mirrorProgress(ctx, exchange, date)
	return l.refreshStats(ctx, exchange, date)
}

// Fail transitions the record to 'failed' with an abbreviated error message.
func (l *Ledger) Fail(ctx context.Context, exchange string, date time.Time, cause error) error {
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	now := l.now().UTC()
	if err := l.store.Exec(ctx, `
		UPDATE bronze.load_progress
		SET end_time = ?, status = ?, error_message = ?
		WHERE exchange = ? AND data_date = ?`,
		now, StatusFailed, msg, exchange, date.Format("2006-01-02"),
	); err != nil {
		return fmt.Errorf("mark progress failed: %w", err)
	}
	l.mirrorProgress(ctx, exchange, date)
	return l.refreshStats(ctx, exchange, date)
}

// Skip records a terminal 'skipped' outcome. Unlike Complete/Fail it may run
// before any claim (missing source file, shutdown before the transaction), so
// it inserts the record when absent. A completed record is never downgraded.
func (l *Ledger) Skip(ctx context.Context, exchange string, date time.Time, filePath string) error {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := l.now().UTC()
	rec, err := getProgressTx(ctx, tx, exchange, date)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.Exec(ctx, `
			INSERT INTO bronze.load_progress
				(exchange, data_date, file_path, start_time, end_time, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			exchange, date.Format("2006-01-02"), filePath, now, now, StatusSkipped,
		); err != nil {
			return fmt.Errorf("insert skipped record: %w", err)
		}
	case err != nil:
		return err
	case rec.Status == StatusCompleted:
		return tx.Rollback()
	default:
		if err := tx.Exec(ctx, `
			UPDATE bronze.load_progress
			SET end_time = ?, status = ?, records_loaded = NULL, error_message = NULL
			WHERE exchange = ? AND data_date = ?`,
			now, StatusSkipped, exchange, date.Format("2006-01-02"),
		); err != nil {
			return fmt.Errorf("mark progress skipped: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.mirrorProgress(ctx, exchange, date)
	return l.refreshStats(ctx, exchange, date)
}

// Get returns the progress record for (exchange, date), sql.ErrNoRows when
// absent.
func (l *Ledger) Get(ctx context.Context, exchange string, date time.Time) (ProgressRecord, error) {
	return scanProgress(l.store.QueryRow(ctx, progressSelect+` WHERE exchange = ? AND data_date = ?`,
		exchange, date.Format("2006-01-02")))
}

const progressSelect = `
	SELECT id, exchange, data_date, file_path, file_size_bytes,
	       start_time, end_time, status, records_loaded, error_message
	FROM bronze.load_progress`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (ProgressRecord, error) {
	var rec ProgressRecord
	err := row.Scan(&rec.ID, &rec.Exchange, &rec.DataDate, &rec.FilePath, &rec.FileSizeBytes,
		&rec.StartTime, &rec.EndTime, &rec.Status, &rec.RecordsLoaded, &rec.ErrorMessage)
	return rec, err
}

func getProgressTx(ctx context.Context, tx *analytics.Tx, exchange string, date time.Time) (ProgressRecord, error) {
	return scanProgress(tx.QueryRow(ctx, progressSelect+` WHERE exchange = ? AND data_date = ?`,
		exchange, date.Format("2006-01-02")))
}

// mirrorProgress pushes the current local row to the remote store. Failures
// degrade the mirror and are otherwise invisible to the caller.
func (l *Ledger) mirrorProgress(ctx context.Context, exchange string, date time.Time) {
	if !l.mirror.Enabled() {
		return
	}
	rec, err := l.Get(ctx, exchange, date)
	if err != nil {
		log.Printf("[ledger] read-back for mirror failed: %v", err)
		return
	}
	l.mirror.UpsertProgress(ctx, remote.ProgressRow{
		Exchange:      rec.Exchange,
		DataDate:      rec.DataDate,
		FilePath:      rec.FilePath,
		FileSizeBytes: rec.FileSizeBytes,
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
		Status:        rec.Status,
		RecordsLoaded: rec.RecordsLoaded,
		ErrorMessage:  rec.ErrorMessage,
	})
}
