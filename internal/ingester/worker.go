package ingester

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/analytics"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/ledger"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/objectstore"
)

// Worker statuses. Mirrors the terminal ledger statuses; 'skipped' carries a
// human-readable reason in the result.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// WorkerResult is the outcome of one (exchange, date) ingestion.
type WorkerResult struct {
	Exchange      string
	Date          time.Time
	Status        string
	RecordsLoaded int64
	Duration      time.Duration
	Reason        string
	Err           error
}

// Source is a closeable record stream, satisfied by objectstore.RecordStream
// and by in-memory fakes.
type Source interface {
	analytics.RecordSource
	Close() error
}

// ObjectStore is the slice of the object-store client the worker needs.
type ObjectStore interface {
	Head(ctx context.Context, exchange string, date time.Time) (objectstore.FileInfo, error)
	Open(ctx context.Context, exchange string, date time.Time) (Source, error)
}

// NewObjectStore adapts the concrete client to the worker's interface.
func NewObjectStore(c *objectstore.Client) ObjectStore {
	return clientAdapter{c}
}

type clientAdapter struct {
	c *objectstore.Client
}

func (a clientAdapter) Head(ctx context.Context, exchange string, date time.Time) (objectstore.FileInfo, error) {
	return a.c.Head(ctx, exchange, date)
}

func (a clientAdapter) Open(ctx context.Context, exchange string, date time.Time) (Source, error) {
	return a.c.Open(ctx, exchange, date)
}

// Analytics is the slice of the analytical store the worker needs. Satisfied
// by *analytics.Store.
type Analytics interface {
	Begin(ctx context.Context) (*analytics.Tx, error)
	BulkLoad(ctx context.Context, tx *analytics.Tx, src analytics.RecordSource, meta analytics.LoadMeta) (int64, error)
	CountRows(ctx context.Context, exchange string, date time.Time, sourceFile string) (int64, error)
}

// Worker ingests one daily trade file per call: head, claim, stream into a
// single bronze transaction, commit, complete.
type Worker struct {
	store   Analytics
	ledger  *ledger.Ledger
	objects ObjectStore
	verbose bool
}

func NewWorker(store Analytics, led *ledger.Ledger, objects ObjectStore, verbose bool) *Worker {
	return &Worker{store: store, ledger: led, objects: objects, verbose: verbose}
}

// Run executes the load for (exchange, date). The cancellation context is
// honored only at transaction boundaries: once the bronze transaction is open
// the load runs to commit or rollback, never to a torn state. Ledger writes
// after a cancellation use a detached context so the terminal status is always
// recorded.
func (w *Worker) Run(ctx context.Context, exchange string, date time.Time) WorkerResult {
	started := time.Now()
	res := WorkerResult{Exchange: exchange, Date: date}
	detached := context.WithoutCancel(ctx)

	finish := func() WorkerResult {
		res.Duration = time.Since(started)
		return res
	}

	if ctx.Err() != nil {
		return w.recordSkip(detached, finish(), exchange, date, "", "shutdown requested")
	}

	info, err := w.objects.Head(ctx, exchange, date)
	if errors.Is(err, objectstore.ErrNotFound) {
		return w.recordSkip(detached, finish(), exchange, date, info.Path, "no source file")
	}
	if err != nil {
		return w.recordFailure(detached, finish(), exchange, date, info.Path, err)
	}
	if w.verbose {
		log.Printf("[worker] %s %s: source %s (%d bytes)",
			exchange, date.Format("2006-01-02"), info.Path, info.SizeBytes)
	}

	// Last cancellation check before taking ownership.
	if ctx.Err() != nil {
		return w.recordSkip(detached, finish(), exchange, date, info.Path, "shutdown requested")
	}

	claim, err := w.ledger.Claim(detached, exchange, date, info.Path, info.SizeBytes)
	if err != nil {
		res.Status = ResultFailed
		res.Err = fmt.Errorf("claim: %w", err)
		return finish()
	}
	switch claim {
	case ledger.AlreadyDone:
		res.Status = ResultSkipped
		res.Reason = "idempotent: already completed"
		return finish()
	case ledger.Conflict:
		res.Status = ResultFailed
		res.Err = errors.New("already in progress elsewhere")
		return finish()
	}

	src, err := w.objects.Open(detached, exchange, date)
	if err != nil {
		if lerr := w.ledger.Fail(detached, exchange, date, err); lerr != nil {
			log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
		}
		res.Status = ResultFailed
		res.Err = err
		return finish()
	}
	defer src.Close()

	tx, err := w.store.Begin(detached)
	if err != nil {
		if lerr := w.ledger.Fail(detached, exchange, date, err); lerr != nil {
			log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
		}
		res.Status = ResultFailed
		res.Err = err
		return finish()
	}
	defer tx.Rollback()

	meta := analytics.LoadMeta{
		DataDate:      date,
		Exchange:      exchange,
		SourceFile:    info.Path,
		IngestionTime: time.Now().UTC(),
	}
	if _, err := w.store.BulkLoad(detached, tx, src, meta); err != nil {
		tx.Rollback()
		if lerr := w.ledger.Fail(detached, exchange, date, err); lerr != nil {
			log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
		}
		res.Status = ResultFailed
		res.Err = err
		return finish()
	}
	if err := tx.Commit(); err != nil {
		if lerr := w.ledger.Fail(detached, exchange, date, err); lerr != nil {
			log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
		}
		res.Status = ResultFailed
		res.Err = fmt.Errorf("commit bronze load: %w", err)
		return finish()
	}

	// Row conservation: the recorded count comes from the committed table, not
	// from the insert loop. A failure after the commit still gets a terminal
	// ledger state; the committed slice is replaced wholesale on the retry.
	count, err := w.store.CountRows(detached, exchange, date, info.Path)
	if err != nil {
		if lerr := w.ledger.Fail(detached, exchange, date, err); lerr != nil {
			log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
		}
		res.Status = ResultFailed
		res.Err = err
		return finish()
	}
	if err := w.ledger.Complete(detached, exchange, date, count); err != nil {
		if lerr := w.ledger.Fail(detached, exchange, date, err); lerr != nil {
			log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
		}
		res.Status = ResultFailed
		res.Err = err
		return finish()
	}

	res.Status = ResultCompleted
	res.RecordsLoaded = count
	return finish()
}

// recordFailure marks a pre-stream failure in the ledger when the record can
// be claimed, then returns the failed result either way.
func (w *Worker) recordFailure(ctx context.Context, res WorkerResult, exchange string, date time.Time, filePath string, cause error) WorkerResult {
	res.Status = ResultFailed
	res.Err = cause
	claim, err := w.ledger.Claim(ctx, exchange, date, filePath, 0)
	if err != nil || claim != ledger.Proceed {
		return res
	}
	if lerr := w.ledger.Fail(ctx, exchange, date, cause); lerr != nil {
		log.Printf("[worker] %s %s: recording failure: %v", exchange, date.Format("2006-01-02"), lerr)
	}
	return res
}

// recordSkip records the skip in the ledger and stamps the result.
func (w *Worker) recordSkip(ctx context.Context, res WorkerResult, exchange string, date time.Time, filePath, reason string) WorkerResult {
	if filePath == "" {
		filePath = "unknown"
	}
	if err := w.ledger.Skip(ctx, exchange, date, filePath); err != nil {
		log.Printf("[worker] %s %s: recording skip: %v", exchange, date.Format("2006-01-02"), err)
	}
	res.Status = ResultSkipped
	res.Reason = reason
	return res
}
