package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/analytics"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/config"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/ingester"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/ledger"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/objectstore"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/remote"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dateStr      = flag.String("date", "", "target trading date (YYYY-MM-DD)")
		startDateStr = flag.String("start-date", "", "first date of a range (YYYY-MM-DD)")
		endDateStr   = flag.String("end-date", "", "last date of a range (YYYY-MM-DD)")
		exchangesStr = flag.String("exchanges", "", "comma or space separated exchange codes (default: all)")
		idempotent   = flag.Bool("idempotent", false, "skip completed loads, retry failed/skipped ones")
		resume       = flag.Bool("resume", false, "alias for --idempotent")
		verbose      = flag.Bool("verbose", false, "more detailed log output")
		verboseShort = flag.Bool("v", false, "alias for --verbose")
		createFlag   = flag.Bool("create-shutdown-file", false, "create the shutdown flag file and exit")
		removeFlag   = flag.Bool("remove-shutdown-file", false, "remove the shutdown flag file and exit")
		checkFlag    = flag.Bool("check-shutdown-file", false, "exit 0 if the shutdown flag is absent, 1 if present")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	switch {
	case *createFlag:
		if err := shutdown.CreateFlag(cfg.ShutdownFlagPath); err != nil {
			log.Printf("%v", err)
			return 1
		}
		fmt.Printf("created %s\n", cfg.ShutdownFlagPath)
		return 0
	case *removeFlag:
		if err := shutdown.RemoveFlag(cfg.ShutdownFlagPath); err != nil {
			log.Printf("%v", err)
			return 1
		}
		fmt.Printf("removed %s\n", cfg.ShutdownFlagPath)
		return 0
	case *checkFlag:
		if shutdown.FlagExists(cfg.ShutdownFlagPath) {
			return 1
		}
		return 0
	}

	start, end, err := resolveDates(*dateStr, *startDateStr, *endDateStr)
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	exchanges, err := resolveExchanges(*exchangesStr, flag.Args())
	if err != nil {
		log.Printf("%v", err)
		return 1
	}

	closeLog, err := teeLog(cfg.LogsDir)
	if err != nil {
		log.Printf("log setup: %v", err)
		return 1
	}
	defer closeLog()

	log.Printf("starting load: dates %s..%s exchanges %s idempotent=%v",
		start.Format("2006-01-02"), end.Format("2006-01-02"),
		strings.Join(exchanges, ","), *idempotent || *resume)

	store, err := analytics.Open(cfg.DatabasePath)
	if err != nil {
		log.Printf("open database: %v", err)
		return 1
	}
	defer store.Close()

	mirror := remote.Connect(context.Background(), cfg)
	defer mirror.Close()

	objects, err := objectstore.NewClient(context.Background(), cfg)
	if err != nil {
		log.Printf("object store: %v", err)
		return 1
	}

	led := ledger.New(store, mirror, *idempotent || *resume, cfg.StaleClaimAfter)
	worker := ingester.NewWorker(store, led, ingester.NewObjectStore(objects), *verbose || *verboseShort)
	runner := ingester.NewRunner(worker, led, exchanges)

	ctx, coord := shutdown.Watch(context.Background(), cfg.ShutdownFlagPath)
	results, anyFailed := runner.Run(ctx, start, end)
	interrupted := ctx.Err() != nil
	coord.Stop()

	runner.PrintReport(context.Background(), results)

	if interrupted {
		log.Printf("run stopped early; resume with --idempotent after clearing the shutdown flag")
	}
	if interrupted && !coord.ByFlag() {
		// Conventional exit status for an interrupted process.
		return 130
	}
	if anyFailed {
		return 1
	}
	return 0
}

// resolveDates turns --date or --start-date/--end-date into an inclusive
// range.
func resolveDates(date, startDate, endDate string) (time.Time, time.Time, error) {
	const layout = "2006-01-02"
	if date != "" {
		if startDate != "" || endDate != "" {
			return time.Time{}, time.Time{}, fmt.Errorf("--date and --start-date/--end-date are mutually exclusive")
		}
		d, err := time.Parse(layout, date)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --date %q: %w", date, err)
		}
		return d, d, nil
	}
	if startDate == "" || endDate == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("either --date or both --start-date and --end-date are required")
	}
	s, err := time.Parse(layout, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start-date %q: %w", startDate, err)
	}
	e, err := time.Parse(layout, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end-date %q: %w", endDate, err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end-date %s is before --start-date %s", endDate, startDate)
	}
	return s, e, nil
}

// resolveExchanges accepts comma separated codes in --exchanges plus bare
// trailing arguments, preserving the canonical order.
func resolveExchanges(flagValue string, extra []string) ([]string, error) {
	requested := map[string]bool{}
	add := func(raw string) error {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			return nil
		}
		for _, known := range config.Exchanges {
			if code == known {
				requested[code] = true
				return nil
			}
		}
		return fmt.Errorf("unknown exchange %q (known: %s)", raw, strings.Join(config.Exchanges, ", "))
	}

	for _, part := range strings.FieldsFunc(flagValue, func(r rune) bool { return r == ',' || r == ' ' }) {
		if err := add(part); err != nil {
			return nil, err
		}
	}
	for _, part := range extra {
		if err := add(part); err != nil {
			return nil, err
		}
	}

	if len(requested) == 0 {
		return config.Exchanges, nil
	}
	var out []string
	for _, code := range config.Exchanges {
		if requested[code] {
			out = append(out, code)
		}
	}
	return out, nil
}

// teeLog duplicates all log output into a timestamped file so operator
// terminals and post-mortems see the same stream.
func teeLog(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	name := filepath.Join(dir, "january_load_simple_"+time.Now().Format("20060102_150405")+".log")
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("logging to %s", name)
	return func() {
		log.SetOutput(os.Stdout)
		f.Close()
	}, nil
}
