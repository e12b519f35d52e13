package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gammadia/cumulus/server/api"
	"github.com/gammadia/cumulus/server/flags"
	"github.com/gammadia/cumulus/server/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading. When cancel() is called (from signal handler),
// all goroutines watching ctx.Done() begin their shutdown sequence.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the two main goroutines: the engine and the HTTP server.
// main() blocks on wg.Wait() and only exits when both are done.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Cumulus controller starting up...", "version", version, "commit", commit)
	startedAt := time.Now()

	// Create data directory
	if err := os.MkdirAll(viper.GetString(flags.Data), 0755); err != nil {
		log.Fatal("Failed to create data directory", "error", err)
	}

	// Setup network listener
	lis, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		log.Fatal("Failed to listen", "error", err)
	}

	if err = createController(); err != nil {
		log.Fatal("Failed to create controller", "error", err)
	}

	// Setup signal handling for graceful shutdown
	setupInterrupts()
	setupDebugToggle()

	// Engine goroutines stop on ctx cancellation. In-flight provisioning is not tied to ctx: the
	// scheduler waits for it, then pending disposals are abandoned and the stores are closed.
	collector.WatchScheduler(ctx, scheduler)
	emitter.WatchScheduler(ctx, scheduler)
	retention.Start(ctx)
	reconnectNodes(ctx)
	go runBalancer(ctx)
	go reconciler.Run(ctx)
	go pruneRuns(ctx)

	wg.Add(1)
	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		scheduler.Wait()
		dispose.Shutdown()
		publisher.Close()
		if err := nodes.Close(); err != nil {
			log.Warn("Failed to close node store", "error", err)
		}
		if err := runStore.Close(); err != nil {
			log.Warn("Failed to close run store", "error", err)
		}
		wg.Done()
	}()

	s := &http.Server{
		Handler: api.New(api.Config{
			Logger:      log.For("api"),
			Accounts:    accounts,
			Registry:    nodes,
			Activities:  activities,
			Runs:        runTracker,
			Scheduler:   scheduler,
			Provisioner: provisioner,
			Disposer:    dispose,
			Agents:      agents,
			Reconciler:  reconciler,
			Metrics:     collector.Handler(),
			Version:     version,
			Commit:      commit,
			StartedAt:   startedAt,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// HTTP server goroutine. A nested goroutine watches for shutdown and calls Shutdown(),
	// which stops accepting new connections and waits for in-flight requests to complete.
	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP server did not shut down cleanly", "error", err)
			}
		}()

		log.Info("Server listening", "address", lis.Addr())
		if err := s.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve", "error", err)
		}
		wg.Done()
	}()

	// Block until both the engine and the HTTP server have finished.
	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles SIGINT and SIGTERM with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done() to all goroutines
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}

// setupDebugToggle switches between the configured log level and debug on every SIGUSR1.
func setupDebugToggle() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)

	configured := log.Level.Level()
	go func() {
		for range sig {
			if log.Level.Level() == slog.LevelDebug {
				log.Level.Set(configured)
			} else {
				log.Level.Set(slog.LevelDebug)
			}
			log.Info("Log level changed", "level", log.Level.Level())
		}
	}()
}
