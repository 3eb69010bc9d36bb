// check_s3 verifies that the expected daily trade files exist in the object
// store for a date, without touching any database. Useful before kicking off a
// large backfill.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/config"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/objectstore"
)

func main() {
	dateStr := flag.String("date", "", "trading date to check (YYYY-MM-DD)")
	flag.Parse()

	if *dateStr == "" {
		log.Fatal("--date is required")
	}
	date, err := time.Parse("2006-01-02", *dateStr)
	if err != nil {
		log.Fatalf("invalid --date %q: %v", *dateStr, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	client, err := objectstore.NewClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	missing := 0
	for _, exchange := range config.Exchanges {
		info, err := client.Head(context.Background(), exchange, date)
		switch {
		case err == nil:
			fmt.Printf("%-4s OK      %s (%d bytes)\n", exchange, info.Path, info.SizeBytes)
		case errors.Is(err, objectstore.ErrNotFound):
			missing++
			fmt.Printf("%-4s MISSING %s\n", exchange, client.URI(exchange, date))
		default:
			log.Fatalf("%s: %v", exchange, err)
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
}
