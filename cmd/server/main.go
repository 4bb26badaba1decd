/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the booking engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config.yaml, BOOKING_* environment)
  2. Initialize logging
  3. Open the store selected by database.driver
  4. Build the notification sender (log, or Kafka behind a circuit breaker)
  5. Wire ledgers, state machine and admission controller
  6. Start the mark-used sweep scheduler
  7. Start the HTTP server with graceful shutdown

STORES:
  sqlite:    database.path (default ./data/bookings.db)
  postgres:  database.url, migrated on startup
  memory:    process-local, lost on exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the notifier and the store

EXAMPLES:
  # Run with the default SQLite file
  ./server

  # Run against Postgres with the demo scenarios
  BOOKING_DATABASE__DRIVER=postgres \
  BOOKING_DATABASE__URL=postgres://localhost/bookings \
  BOOKING_SERVER__SCENARIOS=true ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/scheduler.go: Sweep scheduler
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/booking-engine/admission"
	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/expense"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/stock"
	"github.com/warp/booking-engine/store/memory"
	"github.com/warp/booking-engine/store/postgres"
	"github.com/warp/booking-engine/store/sqlite"
)

// backend is a store with its feed side, health check and teardown.
type backend interface {
	model.Store
	model.FeedStore
	api.Pinger
	io.Closer
}

type memoryBackend struct {
	*memory.Store
}

func (memoryBackend) Ping(context.Context) error { return nil }
func (memoryBackend) Close() error               { return nil }

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LoggerConfig())

	ctx := context.Background()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	sender, closeSender := newSender(cfg.Notify)
	defer closeSender()

	expenses, err := cfg.ExpenseConfigurations()
	if err != nil {
		return fmt.Errorf("expense caps: %w", err)
	}

	clock := model.NewSystemClock()
	policy := cfg.Policy()
	machine := lifecycle.NewMachine(store, policy, sender, clock)
	controller := admission.NewController(store, stock.NewLedger(policy.AutoUseAfterEventDelay), expense.NewLedger(expenses), clock)

	handler := api.NewHandler(controller, machine, clock, store)
	if cfg.Server.Scenarios {
		handler.Feed = store
	}
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	scheduler := api.NewSweepScheduler(machine, clock)
	scheduler.Enabled = cfg.Sweep.Enabled
	scheduler.Interval = cfg.Sweep.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logging.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (backend, error) {
	switch cfg.Driver {
	case "memory":
		return memoryBackend{memory.New()}, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	}
}

func newSender(cfg config.NotifyConfig) (notify.Sender, func()) {
	if cfg.Driver != "kafka" {
		return notify.LogSender{}, func() {}
	}
	kafka := notify.NewKafkaSender(cfg.Brokers, cfg.Topic)
	logging.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("notifications published to kafka")
	closer := func() {
		if err := kafka.Close(); err != nil {
			logging.Error().Err(err).Msg("close kafka writer")
		}
	}
	return notify.NewBreakerSender("kafka", kafka, cfg.BreakerMaxFailures, cfg.BreakerTimeout), closer
}
