package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/analytics"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/api"
	"github.com/Forestrat-Inc/duckdb-notebooks/internal/config"
)

// The dashboard prefers a read-only handle on the local database file; when
// that file is exclusively locked by a running loader it falls back to the
// remote ledger store so monitoring never blocks ingestion.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	reader, cleanup, err := buildReader(cfg)
	if err != nil {
		log.Fatalf("no readable ledger source: %v", err)
	}
	defer cleanup()

	server := api.NewServer(reader, cfg.DashboardPort, cfg.ShutdownFlagPath)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func buildReader(cfg *config.Config) (api.Reader, func(), error) {
	store, localErr := analytics.OpenReadOnly(cfg.DatabasePath)
	if localErr == nil {
		// An exclusive writer lock surfaces on the first query, not on open;
		// probe now.
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var one int
		localErr = store.QueryRow(probeCtx, `SELECT 1`).Scan(&one)
		if localErr == nil {
			log.Printf("[dashboard] serving from local database %s", cfg.DatabasePath)
			return api.NewLocalReader(store), func() { store.Close() }, nil
		}
		store.Close()
	}
	log.Printf("[dashboard] local database unavailable (%v), trying remote ledger", localErr)

	if !cfg.RemoteConfigured() {
		return nil, nil, localErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.RemoteDSN())
	if err == nil {
		err = pool.Ping(ctx)
	}
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, err
	}
	log.Printf("[dashboard] serving from remote ledger store")
	return api.NewReplicaReader(pool), func() { pool.Close() }, nil
}
