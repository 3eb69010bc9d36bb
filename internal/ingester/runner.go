package ingester

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/ledger"
)

// heartbeatInterval is how often a long-running invocation reports liveness.
const heartbeatInterval = 30 * time.Second

// Runner drives one invocation: every requested exchange for every requested
// date, sequentially. The database handle is single-writer, so parallelism
// comes from running more processes, one per date, not from goroutines here.
type Runner struct {
	worker    *Worker
	ledger    *ledger.Ledger
	exchanges []string
}

func NewRunner(worker *Worker, led *ledger.Ledger, exchanges []string) *Runner {
	return &Runner{worker: worker, ledger: led, exchanges: exchanges}
}

// Run processes the date range [start, end] inclusive and returns every worker
// result. Failed reports whether any exchange ended failed, which drives the
// process exit code.
func (r *Runner) Run(ctx context.Context, start, end time.Time) (results []WorkerResult, failed bool) {
	var finishedJobs atomic.Int64
	stopHeartbeat := r.startHeartbeat(&finishedJobs)
	defer stopHeartbeat()

	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		log.Printf("[runner] ===== processing date %s =====", date.Format("2006-01-02"))
		for _, exchange := range r.exchanges {
			res := r.worker.Run(ctx, exchange, date)
			results = append(results, res)
			finishedJobs.Add(1)
			switch res.Status {
			case ResultCompleted:
				log.Printf("[runner] %s %s: completed, %d records in %s",
					exchange, date.Format("2006-01-02"), res.RecordsLoaded, res.Duration.Round(time.Second))
			case ResultSkipped:
				log.Printf("[runner] %s %s: skipped (%s)", exchange, date.Format("2006-01-02"), res.Reason)
			case ResultFailed:
				failed = true
				log.Printf("[runner] %s %s: FAILED: %v", exchange, date.Format("2006-01-02"), res.Err)
			}
		}
	}
	return results, failed
}

// startHeartbeat logs liveness every 30s until the returned stop function is
// called.
func (r *Runner) startHeartbeat(finishedJobs *atomic.Int64) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	startedAt := time.Now()

	go func() {
		defer close(finished)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Printf("[runner] still running, %d jobs finished, elapsed %s",
					finishedJobs.Load(), time.Since(startedAt).Round(time.Second))
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// PrintReport writes the operator-facing summary blocks, read back from the
// aggregate tables rather than from in-memory results so the report shows
// exactly what the ledger recorded.
func (r *Runner) PrintReport(ctx context.Context, results []WorkerResult) {
	log.Println("[runner] ============================================================")
	log.Println("[runner] DAILY STATISTICS SUMMARY")
	log.Println("[runner] ============================================================")
	daily, err := r.ledger.DailySummary(ctx)
	if err != nil {
		log.Printf("[runner] daily summary unavailable: %v", err)
	}
	for _, d := range daily {
		log.Printf("[runner] %s %-4s files=%d ok=%d failed=%d records=%d avg_records=%.2f time=%.1fs size=%d",
			d.StatsDate.Format("2006-01-02"), d.Exchange, d.TotalFiles, d.SuccessfulFiles,
			d.FailedFiles, d.TotalRecords, d.AvgRecordsPerFile, d.TotalProcessingTimeSeconds,
			d.TotalFileSizeBytes)
	}

	log.Println("[runner] ============================================================")
	log.Println("[runner] WEEKLY ROLLING STATISTICS")
	log.Println("[runner] ============================================================")
	weekly, err := r.ledger.WeeklySummary(ctx)
	if err != nil {
		log.Printf("[runner] weekly summary unavailable: %v", err)
	}
	for _, w := range weekly {
		log.Printf("[runner] week ending %s %-4s files=%d records=%d avg_daily_files=%.2f avg_daily_records=%.2f avg_time=%.1fs",
			w.WeekEnding.Format("2006-01-02"), w.Exchange, w.TotalFiles, w.TotalRecords,
			w.AvgDailyFiles, w.AvgDailyRecords, w.AvgProcessingTimeSeconds)
	}

	var completed, skipped, failedCount int
	var records int64
	var busy time.Duration
	for _, res := range results {
		switch res.Status {
		case ResultCompleted:
			completed++
			records += res.RecordsLoaded
			busy += res.Duration
		case ResultSkipped:
			skipped++
		case ResultFailed:
			failedCount++
		}
	}
	rate := 0.0
	if busy > 0 {
		rate = float64(records) / busy.Seconds()
	}
	log.Println("[runner] ============================================================")
	log.Printf("[runner] FINAL: %d completed, %d skipped, %d failed, %d records loaded (%.0f records/sec)",
		completed, skipped, failedCount, records, rate)
	log.Println("[runner] ============================================================")
}
