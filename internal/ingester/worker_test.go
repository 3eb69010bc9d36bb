package ingester

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/analytics"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/ledger"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/objectstore"
)

var day15 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

// fakeSource replays canned rows as a closeable stream.
type fakeSource struct {
	columns []string
	rows    [][]string
	pos     int
	failAt  int
	closed  bool
}

func (f *fakeSource) Columns() []string { return f.columns }

func (f *fakeSource) Next() ([]string, error) {
	if f.failAt > 0 && f.pos+1 == f.failAt {
		return nil, errors.New("unparseable row")
	}
	if f.pos >= len(f.rows) {
		return nil, io.EOF
	}
	row := f.rows[f.pos]
	f.pos++
	return row, nil
}

func (f *fakeSource) Line() int    { return f.pos + 1 }
func (f *fakeSource) Close() error { f.closed = true; return nil }

// fakeObjects serves one blob per (exchange, date) key.
type fakeObjects struct {
	blobs   map[string]*fakeSource
	headErr error
}

func blobKey(exchange string, date time.Time) string {
	return exchange + "/" + date.Format("2006-01-02")
}

func (f *fakeObjects) Head(ctx context.Context, exchange string, date time.Time) (objectstore.FileInfo, error) {
	if f.headErr != nil {
		return objectstore.FileInfo{}, f.headErr
	}
	if _, ok := f.blobs[blobKey(exchange, date)]; !ok {
		return objectstore.FileInfo{}, objectstore.ErrNotFound
	}
	return objectstore.FileInfo{
		Path:      "s3://vendor-data-s3/" + blobKey(exchange, date) + ".csv.gz",
		SizeBytes: 4096,
	}, nil
}

func (f *fakeObjects) Open(ctx context.Context, exchange string, date time.Time) (Source, error) {
	src, ok := f.blobs[blobKey(exchange, date)]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return src, nil
}

type testRig struct {
	store   *analytics.Store
	ledger  *ledger.Ledger
	objects *fakeObjects
	worker  *Worker
}

func newTestRig(t *testing.T, idempotent bool) *testRig {
	t.Helper()
	store, err := analytics.Open(filepath.Join(t.TempDir(), "rig.duckdb"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	led := ledger.New(store, nil, idempotent, 2*time.Hour)
	objects := &fakeObjects{blobs: map[string]*fakeSource{}}
	return &testRig{
		store:   store,
		ledger:  led,
		objects: objects,
		worker:  NewWorker(store, led, objects, false),
	}
}

func (r *testRig) addBlob(exchange string, date time.Time, src *fakeSource) {
	r.objects.blobs[blobKey(exchange, date)] = src
}

func bronzeCount(t *testing.T, store *analytics.Store, exchange string) int64 {
	t.Helper()
	var n int64
	err := store.QueryRow(context.Background(),
		`SELECT count(*) FROM `+analytics.BronzeTable(exchange)).Scan(&n)
	if err != nil {
		// The table only exists after a first committed load.
		return 0
	}
	return n
}

func TestWorkerCompletesCleanLoad(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	src := &fakeSource{
		columns: []string{"ric", "price"},
		rows:    [][]string{{"VOD.L", "1.23"}, {"BARC.L", "2.34"}},
	}
	rig.addBlob("LSE", day15, src)

	res := rig.worker.Run(context.Background(), "LSE", day15)
	if res.Status != ResultCompleted {
		t.Fatalf("status=%q err=%v", res.Status, res.Err)
	}
	if res.RecordsLoaded != 2 {
		t.Fatalf("records_loaded=%d want 2", res.RecordsLoaded)
	}
	if !src.closed {
		t.Fatal("source stream not closed")
	}

	// Row conservation: ledger count equals the bronze slice.
	rec, err := rig.ledger.Get(context.Background(), "LSE", day15)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusCompleted || *rec.RecordsLoaded != bronzeCount(t, rig.store, "LSE") {
		t.Fatalf("ledger record = %+v, bronze = %d", rec, bronzeCount(t, rig.store, "LSE"))
	}
}

func TestWorkerEmptyFileCompletesWithZero(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.addBlob("LSE", day15, &fakeSource{columns: []string{"ric", "price"}})

	res := rig.worker.Run(context.Background(), "LSE", day15)
	if res.Status != ResultCompleted || res.RecordsLoaded != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestWorkerMissingBlobSkips(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)

	res := rig.worker.Run(context.Background(), "CME", day15)
	if res.Status != ResultSkipped || res.Reason != "no source file" {
		t.Fatalf("result = %+v", res)
	}

	rec, err := rig.ledger.Get(context.Background(), "CME", day15)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusSkipped {
		t.Fatalf("ledger status = %q", rec.Status)
	}
	if n := bronzeCount(t, rig.store, "CME"); n != 0 {
		t.Fatalf("bronze rows = %d want 0", n)
	}
}

func TestWorkerMalformedDataFailsAndRollsBack(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.addBlob("CME", day15, &fakeSource{
		columns: []string{"ric", "price"},
		rows:    [][]string{{"A", "1"}, {"B", "2"}},
		failAt:  2,
	})

	res := rig.worker.Run(context.Background(), "CME", day15)
	if res.Status != ResultFailed {
		t.Fatalf("status=%q", res.Status)
	}
	if !errors.Is(res.Err, analytics.ErrMalformed) {
		t.Fatalf("err=%v want ErrMalformed", res.Err)
	}

	rec, err := rig.ledger.Get(context.Background(), "CME", day15)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusFailed || rec.ErrorMessage == nil {
		t.Fatalf("ledger record = %+v", rec)
	}
	if n := bronzeCount(t, rig.store, "CME"); n != 0 {
		t.Fatalf("bronze rows = %d after failed load, want 0", n)
	}
}

func TestWorkerCancelledBeforeStartSkips(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.addBlob("LSE", day15, &fakeSource{columns: []string{"ric"}, rows: [][]string{{"A"}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := rig.worker.Run(ctx, "LSE", day15)
	if res.Status != ResultSkipped || res.Reason != "shutdown requested" {
		t.Fatalf("result = %+v", res)
	}
	// The skip is durable even though the run context is dead.
	rec, err := rig.ledger.Get(context.Background(), "LSE", day15)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusSkipped {
		t.Fatalf("ledger status = %q", rec.Status)
	}
	if n := bronzeCount(t, rig.store, "LSE"); n != 0 {
		t.Fatalf("bronze rows = %d want 0", n)
	}
}

func TestWorkerIdempotentRerunSkips(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.addBlob("NYQ", day15, &fakeSource{
		columns: []string{"ric"},
		rows:    [][]string{{"A"}, {"B"}, {"C"}},
	})

	first := rig.worker.Run(context.Background(), "NYQ", day15)
	if first.Status != ResultCompleted || first.RecordsLoaded != 3 {
		t.Fatalf("first run = %+v", first)
	}

	second := rig.worker.Run(context.Background(), "NYQ", day15)
	if second.Status != ResultSkipped || second.Reason != "idempotent: already completed" {
		t.Fatalf("second run = %+v", second)
	}
	if n := bronzeCount(t, rig.store, "NYQ"); n != 3 {
		t.Fatalf("bronze rows = %d after rerun, want 3", n)
	}
}

func TestWorkerReclaimAfterCrashDoesNotDoubleLoad(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, true)
	rig.addBlob("LSE", day15, &fakeSource{
		columns: []string{"ric", "price"},
		rows:    [][]string{{"VOD.L", "1.23"}, {"BARC.L", "2.34"}},
	})
	ctx := context.Background()
	sourceFile := "s3://vendor-data-s3/" + blobKey("LSE", day15) + ".csv.gz"

	// Simulate a crash between the bronze commit and ledger.Complete: the
	// rows are committed but the progress record stays 'started'.
	if _, err := rig.ledger.Claim(ctx, "LSE", day15, sourceFile, 4096); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	crashed := &fakeSource{
		columns: []string{"ric", "price"},
		rows:    [][]string{{"VOD.L", "1.23"}, {"BARC.L", "2.34"}},
	}
	tx, err := rig.store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	meta := analytics.LoadMeta{DataDate: day15, Exchange: "LSE", SourceFile: sourceFile, IngestionTime: time.Now().UTC()}
	if _, err := rig.store.BulkLoad(ctx, tx, crashed, meta); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Age the claim past the staleness window so the retry reclaims it.
	if err := rig.store.Exec(ctx, `
		UPDATE bronze.load_progress
		SET start_time = start_time - INTERVAL 3 HOUR
		WHERE exchange = 'LSE'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	res := rig.worker.Run(ctx, "LSE", day15)
	if res.Status != ResultCompleted {
		t.Fatalf("status=%q err=%v", res.Status, res.Err)
	}
	if res.RecordsLoaded != 2 {
		t.Fatalf("records_loaded=%d want 2 (leftover rows must not double-count)", res.RecordsLoaded)
	}
	if n := bronzeCount(t, rig.store, "LSE"); n != 2 {
		t.Fatalf("bronze rows = %d after reclaimed retry, want 2", n)
	}
}

// countFailStore forces the post-commit verification query to fail.
type countFailStore struct {
	*analytics.Store
}

func (c countFailStore) CountRows(ctx context.Context, exchange string, date time.Time, sourceFile string) (int64, error) {
	return 0, errors.New("count unavailable")
}

func TestWorkerPostCommitFailureRecordsTerminalState(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.addBlob("LSE", day15, &fakeSource{
		columns: []string{"ric"},
		rows:    [][]string{{"A"}, {"B"}},
	})
	worker := NewWorker(countFailStore{rig.store}, rig.ledger, rig.objects, false)

	res := worker.Run(context.Background(), "LSE", day15)
	if res.Status != ResultFailed {
		t.Fatalf("status=%q", res.Status)
	}

	// The record must not be left 'started' until the staleness window
	// expires; it carries the terminal failure immediately.
	rec, err := rig.ledger.Get(context.Background(), "LSE", day15)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusFailed || rec.ErrorMessage == nil {
		t.Fatalf("ledger record = %+v, want failed with an error message", rec)
	}
}

func TestWorkerConflictFails(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.addBlob("LSE", day15, &fakeSource{columns: []string{"ric"}, rows: [][]string{{"A"}}})

	// Simulate a live claim by another worker on the same store.
	if _, err := rig.ledger.Claim(context.Background(), "LSE", day15, "s3://elsewhere", 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	res := rig.worker.Run(context.Background(), "LSE", day15)
	if res.Status != ResultFailed {
		t.Fatalf("status=%q", res.Status)
	}
	if res.Err == nil || res.Err.Error() != "already in progress elsewhere" {
		t.Fatalf("err=%v", res.Err)
	}
}

func TestWorkerTransientHeadErrorFails(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.objects.headErr = errors.New("connection reset")

	res := rig.worker.Run(context.Background(), "LSE", day15)
	if res.Status != ResultFailed {
		t.Fatalf("status=%q", res.Status)
	}
	rec, err := rig.ledger.Get(context.Background(), "LSE", day15)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusFailed {
		t.Fatalf("ledger status = %q", rec.Status)
	}
}

func TestRunnerSequentialAndExitAggregation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	rig.addBlob("LSE", day15, &fakeSource{columns: []string{"ric"}, rows: [][]string{{"A"}}})
	rig.addBlob("CME", day15, &fakeSource{
		columns: []string{"ric"},
		rows:    [][]string{{"A"}},
		failAt:  1,
	})
	// NYQ blob absent: skipped.

	runner := NewRunner(rig.worker, rig.ledger, []string{"LSE", "CME", "NYQ"})
	results, failed := runner.Run(context.Background(), day15, day15)
	if !failed {
		t.Fatal("failed=false with a failed exchange")
	}
	if len(results) != 3 {
		t.Fatalf("results = %d want 3", len(results))
	}
	want := map[string]string{"LSE": ResultCompleted, "CME": ResultFailed, "NYQ": ResultSkipped}
	for _, res := range results {
		if res.Status != want[res.Exchange] {
			t.Fatalf("%s status=%q want %q", res.Exchange, res.Status, want[res.Exchange])
		}
	}
}

func TestRunnerDateRange(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, false)
	day16 := day15.AddDate(0, 0, 1)
	rig.addBlob("LSE", day15, &fakeSource{columns: []string{"ric"}, rows: [][]string{{"A"}}})
	rig.addBlob("LSE", day16, &fakeSource{columns: []string{"ric"}, rows: [][]string{{"B"}, {"C"}}})

	runner := NewRunner(rig.worker, rig.ledger, []string{"LSE"})
	results, failed := runner.Run(context.Background(), day15, day16)
	if failed {
		t.Fatal("failed=true on clean range")
	}
	if len(results) != 2 {
		t.Fatalf("results = %d want 2", len(results))
	}
	if n := bronzeCount(t, rig.store, "LSE"); n != 3 {
		t.Fatalf("bronze rows = %d want 3", n)
	}
}
