package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/remote"
)

// DailyStats is the gold.daily_load_stats projection for one (date, exchange).
// It is a pure aggregation over the progress records of that day.
type DailyStats struct {
	StatsDate                  time.Time `json:"stats_date"`
	Exchange                   string    `json:"exchange"`
	TotalFiles                 int64     `json:"total_files"`
	SuccessfulFiles            int64     `json:"successful_files"`
	FailedFiles                int64     `json:"failed_files"`
	TotalRecords               int64     `json:"total_records"`
	AvgRecordsPerFile          float64   `json:"avg_records_per_file"`
	TotalProcessingTimeSeconds float64   `json:"total_processing_time_seconds"`
	TotalFileSizeBytes         int64     `json:"total_file_size_bytes"`
	AvgFileSizeBytes           float64   `json:"avg_file_size_bytes"`
}

// WeeklyStats is the gold.weekly_load_stats projection for one
// (week_ending, exchange); a rolling aggregate over the 7 daily rows ending on
// week_ending.
type WeeklyStats struct {
	WeekEnding               time.Time `json:"week_ending"`
	Exchange                 string    `json:"exchange"`
	AvgDailyFiles            float64   `json:"avg_daily_files"`
	AvgDailyRecords          float64   `json:"avg_daily_records"`
	TotalFiles               int64     `json:"total_files"`
	TotalRecords             int64     `json:"total_records"`
	AvgProcessingTimeSeconds float64   `json:"avg_processing_time_seconds"`
}

// WeekEnding returns the Sunday closing the rolling window that contains day:
// the next Sunday, or day itself when it already is one.
func WeekEnding(day time.Time) time.Time {
	offset := (7 - int(day.Weekday())) % 7
	return day.AddDate(0, 0, offset)
}

// refreshStats recomputes the daily aggregate for (date, exchange) and the
// weekly aggregate for the window containing date, writing both locally and
// to the mirror. Called after every terminal progress transition.
func (l *Ledger) refreshStats(ctx context.Context, exchange string, date time.Time) error {
	daily, err := l.computeDaily(ctx, exchange, date)
	if err != nil {
		return err
	}
	if err := l.upsertDaily(ctx, daily); err != nil {
		return err
	}
	if l.mirror.Enabled() {
		l.mirror.UpsertDailyStats(ctx, remote.DailyStatsRow{
			StatsDate:                  daily.StatsDate,
			Exchange:                   daily.Exchange,
			TotalFiles:                 daily.TotalFiles,
			SuccessfulFiles:            daily.SuccessfulFiles,
			FailedFiles:                daily.FailedFiles,
			TotalRecords:               daily.TotalRecords,
			AvgRecordsPerFile:          daily.AvgRecordsPerFile,
			TotalProcessingTimeSeconds: daily.TotalProcessingTimeSeconds,
			TotalFileSizeBytes:         daily.TotalFileSizeBytes,
			AvgFileSizeBytes:           daily.AvgFileSizeBytes,
		})
	}

	weekly, err := l.computeWeekly(ctx, exchange, WeekEnding(date))
	if err != nil {
		return err
	}
	if err := l.upsertWeekly(ctx, weekly); err != nil {
		return err
	}
	if l.mirror.Enabled() {
		l.mirror.UpsertWeeklyStats(ctx, remote.WeeklyStatsRow{
			WeekEnding:               weekly.WeekEnding,
			Exchange:                 weekly.Exchange,
			AvgDailyFiles:            weekly.AvgDailyFiles,
			AvgDailyRecords:          weekly.AvgDailyRecords,
			TotalFiles:               weekly.TotalFiles,
			TotalRecords:             weekly.TotalRecords,
			AvgProcessingTimeSeconds: weekly.AvgProcessingTimeSeconds,
		})
	}
	return nil
}

// computeDaily aggregates the progress records for (date, exchange). The scan
// is tiny: at most a handful of rows per day.
func (l *Ledger) computeDaily(ctx context.Context, exchange string, date time.Time) (DailyStats, error) {
	d := DailyStats{StatsDate: date, Exchange: exchange}
	err := l.store.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'completed'),
		       count(*) FILTER (WHERE status = 'failed'),
		       coalesce(sum(records_loaded) FILTER (WHERE status = 'completed'), 0),
		       coalesce(sum(epoch(end_time - start_time)) FILTER (WHERE status = 'completed'), 0),
		       coalesce(sum(file_size_bytes) FILTER (WHERE status = 'completed'), 0)
		FROM bronze.load_progress
		WHERE exchange = ? AND data_date = ?`,
		exchange, date.Format("2006-01-02"),
	).Scan(&d.TotalFiles, &d.SuccessfulFiles, &d.FailedFiles,
		&d.TotalRecords, &d.TotalProcessingTimeSeconds, &d.TotalFileSizeBytes)
	if err != nil {
		return d, fmt.Errorf("compute daily stats: %w", err)
	}

	div := d.SuccessfulFiles
	if div < 1 {
		div = 1
	}
	d.AvgRecordsPerFile = float64(d.TotalRecords) / float64(div)
	d.AvgFileSizeBytes = float64(d.TotalFileSizeBytes) / float64(div)
	return d, nil
}

func (l *Ledger) upsertDaily(ctx context.Context, d DailyStats) error {
	err := l.store.Exec(ctx, `
		INSERT INTO gold.daily_load_stats
			(stats_date, exchange, total_files, successful_files, failed_files, total_records,
			 avg_records_per_file, total_processing_time_seconds, total_file_size_bytes, avg_file_size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stats_date, exchange) DO UPDATE SET
			total_files = EXCLUDED.total_files,
			successful_files = EXCLUDED.successful_files,
			failed_files = EXCLUDED.failed_files,
			total_records = EXCLUDED.total_records,
			avg_records_per_file = EXCLUDED.avg_records_per_file,
			total_processing_time_seconds = EXCLUDED.total_processing_time_seconds,
			total_file_size_bytes = EXCLUDED.total_file_size_bytes,
			avg_file_size_bytes = EXCLUDED.avg_file_size_bytes,
			created_at = now()`,
		d.StatsDate.Format("2006-01-02"), d.Exchange, d.TotalFiles, d.SuccessfulFiles,
		d.FailedFiles, d.TotalRecords, d.AvgRecordsPerFile, d.TotalProcessingTimeSeconds,
		d.TotalFileSizeBytes, d.AvgFileSizeBytes,
	)
	if err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	return nil
}

// computeWeekly aggregates the daily rows in [weekEnding-6, weekEnding].
// Days without a single completed file contribute 0 to the sums and are
// excluded from the per-day means.
func (l *Ledger) computeWeekly(ctx context.Context, exchange string, weekEnding time.Time) (WeeklyStats, error) {
	w := WeeklyStats{WeekEnding: weekEnding, Exchange: exchange}
	windowStart := weekEnding.AddDate(0, 0, -6)

	rows, err := l.store.Query(ctx, `
		SELECT total_files, successful_files, total_records, total_processing_time_seconds
		FROM gold.daily_load_stats
		WHERE exchange = ? AND stats_date >= ? AND stats_date <= ?`,
		exchange, windowStart.Format("2006-01-02"), weekEnding.Format("2006-01-02"))
	if err != nil {
		return w, fmt.Errorf("compute weekly stats: %w", err)
	}
	defer rows.Close()

	var activeDays int64
	var sumSeconds float64
	for rows.Next() {
		var totalFiles, successfulFiles, totalRecords int64
		var seconds float64
		if err := rows.Scan(&totalFiles, &successfulFiles, &totalRecords, &seconds); err != nil {
			return w, fmt.Errorf("compute weekly stats: %w", err)
		}
		if successfulFiles == 0 {
			continue
		}
		activeDays++
		w.TotalFiles += totalFiles
		w.TotalRecords += totalRecords
		sumSeconds += seconds
	}
	if err := rows.Err(); err != nil {
		return w, fmt.Errorf("compute weekly stats: %w", err)
	}

	if activeDays > 0 {
		w.AvgDailyFiles = float64(w.TotalFiles) / float64(activeDays)
		w.AvgDailyRecords = float64(w.TotalRecords) / float64(activeDays)
		w.AvgProcessingTimeSeconds = sumSeconds / float64(activeDays)
	}
	return w, nil
}

func (l *Ledger) upsertWeekly(ctx context.Context, w WeeklyStats) error {
	err := l.store.Exec(ctx, `
		INSERT INTO gold.weekly_load_stats
			(week_ending, exchange, avg_daily_files, avg_daily_records, total_files, total_records,
			 avg_processing_time_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (week_ending, exchange) DO UPDATE SET
			avg_daily_files = EXCLUDED.avg_daily_files,
			avg_daily_records = EXCLUDED.avg_daily_records,
			total_files = EXCLUDED.total_files,
			total_records = EXCLUDED.total_records,
			avg_processing_time_seconds = EXCLUDED.avg_processing_time_seconds,
			created_at = now()`,
		w.WeekEnding.Format("2006-01-02"), w.Exchange, w.AvgDailyFiles, w.AvgDailyRecords,
		w.TotalFiles, w.TotalRecords, w.AvgProcessingTimeSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert weekly stats: %w", err)
	}
	return nil
}

// DailySummary returns all daily aggregate rows, ordered for the operator
// report.
func (l *Ledger) DailySummary(ctx context.Context) ([]DailyStats, error) {
	rows, err := l.store.Query(ctx, `
		SELECT stats_date, exchange, total_files, successful_files, failed_files, total_records,
		       avg_records_per_file, total_processing_time_seconds, total_file_size_bytes, avg_file_size_bytes
		FROM gold.daily_load_stats
		ORDER BY exchange, stats_date`)
	if err != nil {
		return nil, fmt.Errorf("daily summary: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.StatsDate, &d.Exchange, &d.TotalFiles, &d.SuccessfulFiles,
			&d.FailedFiles, &d.TotalRecords, &d.AvgRecordsPerFile,
			&d.TotalProcessingTimeSeconds, &d.TotalFileSizeBytes, &d.AvgFileSizeBytes); err != nil {
			return nil, fmt.Errorf("daily summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// WeeklySummary returns all weekly aggregate rows, newest week first.
func (l *Ledger) WeeklySummary(ctx context.Context) ([]WeeklyStats, error) {
	rows, err := l.store.Query(ctx, `
		SELECT week_ending, exchange, avg_daily_files, avg_daily_records, total_files,
		       total_records, avg_processing_time_seconds
		FROM gold.weekly_load_stats
		ORDER BY week_ending DESC, exchange`)
	if err != nil {
		return nil, fmt.Errorf("weekly summary: %w", err)
	}
	defer rows.Close()

	var out []WeeklyStats
	for rows.Next() {
		var w WeeklyStats
		if err := rows.Scan(&w.WeekEnding, &w.Exchange, &w.AvgDailyFiles, &w.AvgDailyRecords,
			&w.TotalFiles, &w.TotalRecords, &w.AvgProcessingTimeSeconds); err != nil {
			return nil, fmt.Errorf("weekly summary: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
