package api

import (
	"context"
	"fmt"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/analytics"
)

// LocalReader serves dashboard queries from a read-only handle on the database
// file. Reads never block a concurrent writer process.
type LocalReader struct {
	store *analytics.Store
}

func NewLocalReader(store *analytics.Store) *LocalReader {
	return &LocalReader{store: store}
}

func (r *LocalReader) Overview(ctx context.Context) (Overview, error) {
	var out Overview

	rows, err := r.store.Query(ctx, `
		SELECT exchange, status, count(*), coalesce(sum(records_loaded), 0)
		FROM bronze.load_progress
		GROUP BY exchange, status
		ORDER BY exchange`)
	if err != nil {
		return out, fmt.Errorf("overview query: %w", err)
	}
	defer rows.Close()

	byExchange := map[string]*ExchangeOverview{}
	var order []string
	for rows.Next() {
		var exchange, status string
		var count, records int64
		if err := rows.Scan(&exchange, &status, &count, &records); err != nil {
			return out, fmt.Errorf("overview scan: %w", err)
		}
		ex, ok := byExchange[exchange]
		if !ok {
			ex = &ExchangeOverview{Exchange: exchange}
			byExchange[exchange] = ex
			order = append(order, exchange)
		}
		switch status {
		case "completed":
			ex.Counts.Completed = count
			ex.TotalRecords += records
		case "failed":
			ex.Counts.Failed = count
		case "skipped":
			ex.Counts.Skipped = count
		case "started":
			ex.Counts.Started = count
		}
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("overview scan: %w", err)
	}
	for _, name := range order {
		out.Exchanges = append(out.Exchanges, *byExchange[name])
		out.TotalRecords += byExchange[name].TotalRecords
	}

	cutoff := time.Now().UTC().Add(-runningWindow)
	var live int64
	if err := r.store.QueryRow(ctx, `
		SELECT count(*) FROM bronze.load_progress
		WHERE status = 'started' AND start_time > ?`, cutoff,
	).Scan(&live); err != nil {
		return out, fmt.Errorf("overview liveness: %w", err)
	}
	out.IsRunning = live > 0
	return out, nil
}

func (r *LocalReader) ProgressDetail(ctx context.Context) ([]DailyRow, error) {
	return r.dailyRows(ctx, `
		SELECT stats_date, exchange, total_files, successful_files, failed_files,
		       total_records, avg_records_per_file, total_processing_time_seconds, total_file_size_bytes
		FROM gold.daily_load_stats
		ORDER BY stats_date, exchange`)
}

func (r *LocalReader) RecentErrors(ctx context.Context, limit int) ([]ErrorRow, error) {
	rows, err := r.store.Query(ctx, `
		SELECT exchange, data_date, file_path, end_time, coalesce(error_message, '')
		FROM bronze.load_progress
		WHERE status = 'failed'
		ORDER BY end_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("errors query: %w", err)
	}
	defer rows.Close()

	var out []ErrorRow
	for rows.Next() {
		var e ErrorRow
		var date time.Time
		if err := rows.Scan(&e.Exchange, &date, &e.FilePath, &e.EndTime, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("errors scan: %w", err)
		}
		e.DataDate = date.Format("2006-01-02")
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *LocalReader) Statistics(ctx context.Context) (Statistics, error) {
	var out Statistics
	daily, err := r.dailyRows(ctx, `
		SELECT stats_date, exchange, total_files, successful_files, failed_files,
		       total_records, avg_records_per_file, total_processing_time_seconds, total_file_size_bytes
		FROM gold.daily_load_stats
		ORDER BY stats_date DESC, exchange
		LIMIT 90`)
	if err != nil {
		return out, err
	}
	out.Daily = daily

	rows, err := r.store.Query(ctx, `
		SELECT week_ending, exchange, avg_daily_files, avg_daily_records, total_files,
		       total_records, avg_processing_time_seconds
		FROM gold.weekly_load_stats
		ORDER BY week_ending DESC, exchange
		LIMIT 30`)
	if err != nil {
		return out, fmt.Errorf("weekly stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var w WeeklyRow
		var week time.Time
		if err := rows.Scan(&week, &w.Exchange, &w.AvgDailyFiles, &w.AvgDailyRecords,
			&w.TotalFiles, &w.TotalRecords, &w.AvgProcessingTimeSeconds); err != nil {
			return out, fmt.Errorf("weekly stats scan: %w", err)
		}
		w.WeekEnding = week.Format("2006-01-02")
		out.Weekly = append(out.Weekly, w)
	}
	return out, rows.Err()
}

func (r *LocalReader) dailyRows(ctx context.Context, query string) ([]DailyRow, error) {
	rows, err := r.store.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("daily stats query: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var d DailyRow
		var date time.Time
		if err := rows.Scan(&date, &d.Exchange, &d.TotalFiles, &d.SuccessfulFiles, &d.FailedFiles,
			&d.TotalRecords, &d.AvgRecordsPerFile, &d.TotalProcessingTimeSeconds, &d.TotalFileSizeBytes); err != nil {
			return nil, fmt.Errorf("daily stats scan: %w", err)
		}
		d.StatsDate = date.Format("2006-01-02")
		out = append(out, d)
	}
	return out, rows.Err()
}
