/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the condominium billing engine: the admin HTTP API
  and the cron driver that generates quotas for due schedules.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, .env, flags)
  2. Initialize SQLite store
  3. Pick the schedule lock (Redis when REDIS_ADDR is set, in-process otherwise)
  4. Create API handler with the billing engine
  5. Configure HTTP router and start the scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Stop the cron loop and wait for a running cycle
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with in-memory database, no cron
  SCHEDULER_ENABLED=false ./server -db=":memory:"

  # Share schedule locks between replicas
  REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment keys and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Generation cron driver
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/condo/billing-engine/api"
	"github.com/condo/billing-engine/config"
	"github.com/condo/billing-engine/lock"
	"github.com/condo/billing-engine/logging"
	"github.com/condo/billing-engine/metrics"
	"github.com/condo/billing-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: "billing-engine",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})
	slog.SetDefault(logger)

	if err := run(cfg, *port, *dbPath, logger); err != nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, port int, dbPath string, logger *slog.Logger) error {
	// Initialize store
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.NewRedis(rdb, "condo-billing:")
		logger.Info("using redis schedule locks", slog.String("addr", cfg.RedisAddr))
	}

	m := metrics.New("billing")

	handler := api.NewHandler(store, locker, api.Options{
		CronSpec:          cfg.CronSchedule,
		GenerationWorkers: cfg.GenerationWorkers,
		EvaluationWorkers: cfg.EvaluationWorkers,
		ScheduleTimeout:   cfg.ScheduleTimeout,
		LockTTL:           cfg.LockTTL,
		SystemUser:        cfg.SystemUserID,
		Logger:            logger,
		Metrics:           m,
	})

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        m,
	})

	if cfg.SchedulerEnabled {
		if err := handler.Scheduler.Start(); err != nil {
			return err
		}
	} else {
		logger.Info("scheduler disabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ScheduleTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.Int("port", port),
			slog.String("db", dbPath),
			slog.String("api", fmt.Sprintf("http://localhost:%d/api", port)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	case err := <-serverErr:
		<-handler.Scheduler.Stop().Done()
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schedulerDone := handler.Scheduler.Stop()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	select {
	case <-schedulerDone.Done():
	case <-ctx.Done():
		logger.Warn("generation cycle still running at shutdown")
	}

	logger.Info("server stopped")
	return nil
}
