/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Billing Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire duplicate guard, orchestrator, runner
  5. Create API handler and daily scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment, see config/config.go):
  -port        HTTP server port (default: PORT or 8080)
  -db          SQLite database path (default: DB_PATH or billing.db)
               Use ":memory:" for in-memory database
  -log-level   debug | info | warn | error
  -log-format  json | console
  -workers     Concurrent items per run
  -scheduler   Start the daily scheduler

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (a run in progress stops between items)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run in memory with readable logs and no scheduler
  ./server -db=":memory:" -log-format=console -scheduler=false

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Daily scheduled runs
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/modes"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json or console)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent items per run")
	flag.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "Start the daily scheduler")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Engine
	guard := billing.NewDuplicateGuard(store, log)
	orch := billing.NewOrchestrator(guard, billing.Config{Workers: cfg.Workers}, log)
	runner := modes.NewRunner(orch, store, store, modes.NewLogMailer(log), log)

	// HTTP
	handler := api.NewHandler(store, runner, loc, log)
	scheduler := api.NewBillingScheduler(runner, api.SchedulerConfig{
		Enabled:       cfg.SchedulerEnabled,
		Interval:      cfg.SchedulerInterval,
		Location:      loc,
		SendEmail:     cfg.SchedulerSendEmail,
		FallbackToAll: cfg.SchedulerFallback,
	}, log)
	handler.Scheduler = scheduler

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, nil),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db", cfg.DBPath),
			zap.Int("workers", cfg.Workers),
			zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	select {
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
