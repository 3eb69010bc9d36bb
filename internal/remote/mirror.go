package remote

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/config"
)

// Mirror duplicates ledger writes into the Supabase Postgres so dashboards can
// consolidate across loader processes. Every write is best-effort: the local
// DuckDB write is authoritative and a mirror failure must never fail a load.
//
// Degradation policy: an unreachable remote at startup disables the mirror
// with a single log line; a failure mid-run marks it degraded for the rest of
// the process lifetime. No reconciliation is attempted.
type Mirror struct {
	db       *pgxpool.Pool
	degraded atomic.Bool
}

// ProgressRow mirrors one bronze.load_progress record.
type ProgressRow struct {
	Exchange      string
	DataDate      time.Time
	FilePath      string
	FileSizeBytes *int64
	StartTime     time.Time
	EndTime       *time.Time
	Status        string
	RecordsLoaded *int64
	ErrorMessage  *string
}

// DailyStatsRow mirrors one gold.daily_load_stats record.
type DailyStatsRow struct {
	StatsDate                  time.Time
	Exchange                   string
	TotalFiles                 int64
	SuccessfulFiles            int64
	FailedFiles                int64
	TotalRecords               int64
	AvgRecordsPerFile          float64
	TotalProcessingTimeSeconds float64
	TotalFileSizeBytes         int64
	AvgFileSizeBytes           float64
}

// WeeklyStatsRow mirrors one gold.weekly_load_stats record.
type WeeklyStatsRow struct {
	WeekEnding                time.Time
	Exchange                  string
	AvgDailyFiles             float64
	AvgDailyRecords           float64
	TotalFiles                int64
	TotalRecords              int64
	AvgProcessingTimeSeconds  float64
}

// Connect builds the mirror. A nil Mirror is returned (with a single warning)
// when credentials are missing or the remote is unreachable; all methods on a
// nil Mirror are no-ops, so callers never branch on remote availability.
func Connect(ctx context.Context, cfg *config.Config) *Mirror {
	if !cfg.RemoteConfigured() {
		log.Println("[remote] Supabase credentials not set - statistics will only be tracked locally")
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.RemoteDSN())
	if err != nil {
		log.Printf("[remote] invalid Supabase DSN: %v - mirror disabled", err)
		return nil
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.RemoteTimeout
	poolCfg.MaxConns = 2

	ctx, cancel := context.WithTimeout(ctx, cfg.RemoteTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err == nil {
		err = pool.Ping(ctx)
	}
	if err != nil {
		log.Printf("[remote] failed to connect to Supabase: %v - statistics will only be tracked locally", err)
		if pool != nil {
			pool.Close()
		}
		return nil
	}

	m := &Mirror{db: pool}
	if err := m.ensureSchema(ctx); err != nil {
		log.Printf("[remote] failed to initialize Supabase schema: %v - mirror disabled", err)
		pool.Close()
		return nil
	}
	log.Println("[remote] Supabase connection established for statistics tracking")
	return m
}

func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.db.Close()
}

// Enabled reports whether mirror writes currently reach the remote.
func (m *Mirror) Enabled() bool {
	return m != nil && !m.degraded.Load()
}

// fail logs the first mirror failure and degrades the mirror for the rest of
// the process lifetime.
func (m *Mirror) fail(op string, err error) {
	if m.degraded.CompareAndSwap(false, true) {
		log.Printf("[remote] %s failed: %v - remote mirror degraded for this run", op, err)
	}
}

func (m *Mirror) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS bronze`,
		`CREATE SCHEMA IF NOT EXISTS gold`,
		`CREATE TABLE IF NOT EXISTS bronze.load_progress (
			id SERIAL PRIMARY KEY,
			exchange VARCHAR(50) NOT NULL,
			data_date DATE NOT NULL,
			file_path TEXT NOT NULL,
			file_size_bytes BIGINT,
			start_time TIMESTAMP DEFAULT NOW(),
			end_time TIMESTAMP,
			status VARCHAR(20) DEFAULT 'started',
			records_loaded BIGINT,
			error_message TEXT,
			created_at TIMESTAMP DEFAULT NOW(),
			UNIQUE (exchange, data_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_load_progress_date_exchange
			ON bronze.load_progress (data_date, exchange)`,
		`CREATE TABLE IF NOT EXISTS gold.daily_load_stats (
			id SERIAL PRIMARY KEY,
			stats_date DATE NOT NULL,
			exchange VARCHAR(50) NOT NULL,
			total_files INTEGER DEFAULT 0,
			successful_files INTEGER DEFAULT 0,
			failed_files INTEGER DEFAULT 0,
			total_records BIGINT DEFAULT 0,
			avg_records_per_file NUMERIC(20,2),
			total_processing_time_seconds NUMERIC(10,2),
			total_file_size_bytes BIGINT DEFAULT 0,
			avg_file_size_bytes NUMERIC(20,2),
			created_at TIMESTAMP DEFAULT NOW(),
			UNIQUE (stats_date, exchange)
		)`,
		`CREATE TABLE IF NOT EXISTS gold.weekly_load_stats (
			id SERIAL PRIMARY KEY,
			week_ending DATE NOT NULL,
			exchange VARCHAR(50) NOT NULL,
			avg_daily_files NUMERIC(10,2),
			avg_daily_records NUMERIC(20,2),
			total_files INTEGER DEFAULT 0,
			total_records BIGINT DEFAULT 0,
			avg_processing_time_seconds NUMERIC(10,2),
			created_at TIMESTAMP DEFAULT NOW(),
			UNIQUE (week_ending, exchange)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weekly_stats_week_exchange
			ON gold.weekly_load_stats (week_ending, exchange)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertProgress mirrors a progress record, keyed on (exchange, data_date).
func (m *Mirror) UpsertProgress(ctx context.Context, row ProgressRow) {
	if !m.Enabled() {
		return
	}
	_, err := m.db.Exec(ctx, `
		INSERT INTO bronze.load_progress
			(exchange, data_date, file_path, file_size_bytes, start_time, end_time, status, records_loaded, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exchange, data_date) DO UPDATE SET
			file_path = EXCLUDED.file_path,
			file_size_bytes = EXCLUDED.file_size_bytes,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			records_loaded = EXCLUDED.records_loaded,
			error_message = EXCLUDED.error_message,
			created_at = NOW()`,
		row.Exchange, row.DataDate, row.FilePath, row.FileSizeBytes,
		row.StartTime, row.EndTime, row.Status, row.RecordsLoaded, row.ErrorMessage,
	)
	if err != nil {
		m.fail("upsert progress", err)
	}
}

// UpsertDailyStats mirrors a daily aggregate, keyed on (stats_date, exchange).
func (m *Mirror) UpsertDailyStats(ctx context.Context, row DailyStatsRow) {
	if !m.Enabled() {
		return
	}
	_, err := m.db.Exec(ctx, `
		INSERT INTO gold.daily_load_stats
			(stats_date, exchange, total_files, successful_files, failed_files, total_records,
			 avg_records_per_file, total_processing_time_seconds, total_file_size_bytes, avg_file_size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stats_date, exchange) DO UPDATE SET
			total_files = EXCLUDED.total_files,
			successful_files = EXCLUDED.successful_files,
			failed_files = EXCLUDED.failed_files,
			total_records = EXCLUDED.total_records,
			avg_records_per_file = EXCLUDED.avg_records_per_file,
			total_processing_time_seconds = EXCLUDED.total_processing_time_seconds,
			total_file_size_bytes = EXCLUDED.total_file_size_bytes,
			avg_file_size_bytes = EXCLUDED.avg_file_size_bytes,
			created_at = NOW()`,
		row.StatsDate, row.Exchange, row.TotalFiles, row.SuccessfulFiles, row.FailedFiles,
		row.TotalRecords, row.AvgRecordsPerFile, row.TotalProcessingTimeSeconds,
		row.TotalFileSizeBytes, row.AvgFileSizeBytes,
	)
	if err != nil {
		m.fail("upsert daily stats", err)
	}
}

// UpsertWeeklyStats mirrors a weekly aggregate, keyed on (week_ending, exchange).
func (m *Mirror) UpsertWeeklyStats(ctx context.Context, row WeeklyStatsRow) {
	if !m.Enabled() {
		return
	}
	_, err := m.db.Exec(ctx, `
		INSERT INTO gold.weekly_load_stats
			(week_ending, exchange, avg_daily_files, avg_daily_records, total_files, total_records,
			 avg_processing_time_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (week_ending, exchange) DO UPDATE SET
			avg_daily_files = EXCLUDED.avg_daily_files,
			avg_daily_records = EXCLUDED.avg_daily_records,
			total_files = EXCLUDED.total_files,
			total_records = EXCLUDED.total_records,
			avg_processing_time_seconds = EXCLUDED.avg_processing_time_seconds,
			created_at = NOW()`,
		row.WeekEnding, row.Exchange, row.AvgDailyFiles, row.AvgDailyRecords,
		row.TotalFiles, row.TotalRecords, row.AvgProcessingTimeSeconds,
	)
	if err != nil {
		m.fail("upsert weekly stats", err)
	}
}
