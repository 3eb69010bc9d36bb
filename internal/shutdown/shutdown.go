package shutdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// pollInterval bounds how long a flag created by another process can go
// unnoticed.
const pollInterval = 1 * time.Second

// Coordinator funnels the two stop channels, the rendezvous flag file and the
// process signals, into one context cancellation. Workers only ever watch the
// context; they never look at the file or the signals directly.
type Coordinator struct {
	flagPath string
	cancel   context.CancelFunc

	// ByFlag reports whether the cancellation came from the rendezvous file
	// rather than a signal. Valid after the returned context is done.
	byFlag bool
	done   chan struct{}
}

// Watch derives a cancellable context from parent and starts watching the flag
// file and SIGINT/SIGTERM. The first event to fire cancels the context; the
// flag file is never removed here, it persists until explicitly cleared.
func Watch(parent context.Context, flagPath string) (context.Context, *Coordinator) {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		flagPath: flagPath,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(c.done)
		defer signal.Stop(sigCh)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				log.Printf("[shutdown] received signal %v - stopping at next safe point", sig)
				cancel()
				return
			case <-ticker.C:
				if FlagExists(c.flagPath) {
					log.Printf("[shutdown] flag file %s detected - stopping at next safe point", c.flagPath)
					c.byFlag = true
					cancel()
					return
				}
			}
		}
	}()
	return ctx, c
}

// Stop ends the watcher without requesting shutdown.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
}

// ByFlag reports whether the stop request came from the rendezvous file.
func (c *Coordinator) ByFlag() bool {
	<-c.done
	return c.byFlag
}

// FlagExists reports whether the rendezvous file is present.
func FlagExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateFlag creates the rendezvous file. Idempotent.
func CreateFlag(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create shutdown flag: %w", err)
	}
	fmt.Fprintf(f, "shutdown requested at %s\n", time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// RemoveFlag removes the rendezvous file. Idempotent: a missing file is not an
// error.
func RemoveFlag(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove shutdown flag: %w", err)
	}
	return nil
}
