package api

import (
	"context"
	"time"
)

// Reader is the query surface the dashboard serves from. Two implementations
// exist: LocalReader over a read-only database file handle, and ReplicaReader
// over the remote ledger store for when the local file is exclusively locked
// by a running loader.
type Reader interface {
	Overview(ctx context.Context) (Overview, error)
	ProgressDetail(ctx context.Context) ([]DailyRow, error)
	RecentErrors(ctx context.Context, limit int) ([]ErrorRow, error)
	Statistics(ctx context.Context) (Statistics, error)
}

// StatusCounts is the per-status breakdown of progress records.
type StatusCounts struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Started   int64 `json:"started"`
}

// ExchangeOverview summarizes one exchange's progress records.
type ExchangeOverview struct {
	Exchange     string       `json:"exchange"`
	Counts       StatusCounts `json:"counts"`
	TotalRecords int64        `json:"total_records"`
}

// Overview is the GET /api/overview payload. ShutdownRequested is stamped by
// the server from the rendezvous flag, not by the Reader.
type Overview struct {
	Exchanges         []ExchangeOverview `json:"exchanges"`
	TotalRecords      int64              `json:"total_records"`
	IsRunning         bool               `json:"is_running"`
	ShutdownRequested bool               `json:"shutdown_requested"`
}

// DailyRow is one daily aggregate row, shaped for plotting.
type DailyRow struct {
	StatsDate                  string  `json:"stats_date"`
	Exchange                   string  `json:"exchange"`
	TotalFiles                 int64   `json:"total_files"`
	SuccessfulFiles            int64   `json:"successful_files"`
	FailedFiles                int64   `json:"failed_files"`
	TotalRecords               int64   `json:"total_records"`
	AvgRecordsPerFile          float64 `json:"avg_records_per_file"`
	TotalProcessingTimeSeconds float64 `json:"total_processing_time_seconds"`
	TotalFileSizeBytes         int64   `json:"total_file_size_bytes"`
}

// WeeklyRow is one weekly aggregate row.
type WeeklyRow struct {
	WeekEnding               string  `json:"week_ending"`
	Exchange                 string  `json:"exchange"`
	AvgDailyFiles            float64 `json:"avg_daily_files"`
	AvgDailyRecords          float64 `json:"avg_daily_records"`
	TotalFiles               int64   `json:"total_files"`
	TotalRecords             int64   `json:"total_records"`
	AvgProcessingTimeSeconds float64 `json:"avg_processing_time_seconds"`
}

// ErrorRow is one failed progress record for GET /api/errors.
type ErrorRow struct {
	Exchange     string     `json:"exchange"`
	DataDate     string     `json:"data_date"`
	FilePath     string     `json:"file_path"`
	EndTime      *time.Time `json:"end_time"`
	ErrorMessage string     `json:"error_message"`
}

// Statistics is the GET /api/statistics payload.
type Statistics struct {
	Daily  []DailyRow  `json:"daily"`
	Weekly []WeeklyRow `json:"weekly"`
}

// runningWindow bounds how old a 'started' record may be and still count as a
// live run.
const runningWindow = 2 * time.Minute
