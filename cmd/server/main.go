/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the studio commerce engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, optional YAML file, environment)
  2. Open the configured store (memory, sqlite or postgres)
  3. Load the refund policy set
  4. Build the booking coordinator and HTTP router
  5. Start the completion scheduler and the server

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional; env vars override it)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the completion scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # SQLite file database
  STORAGE_DRIVER=sqlite SQLITE_PATH=./data/studio.db ./server

  # PostgreSQL with a custom refund policy
  STORAGE_DRIVER=postgres POSTGRES_DSN=postgres://... POLICY_FILE=policy.json ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/config"
	"github.com/warp/studio-engine/factory"
	"github.com/warp/studio-engine/store/postgres"
	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio/store"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	fee, err := cfg.Policy.Fee()
	if err != nil {
		return err
	}
	policies, err := factory.LoadPolicySet(cfg.Policy.File, fee)
	if err != nil {
		return err
	}

	opts := append(policies.Options(), booking.WithNotifier(booking.NewLogNotifier(logger)))
	coord := booking.NewCoordinator(backend, policies.Default, logger, opts...)
	handler := api.NewHandler(coord, backend, cfg.Policy.Currency, logger)
	handler.Scenarios = cfg.Server.DemoScenarios

	scheduler := api.NewCompletionScheduler(backend, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.Server.Addr),
			slog.String("storage", cfg.Storage.Driver),
			slog.Int("org_policies", len(policies.Organizations)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (api.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.MaxConns))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}, nil
	default:
		logger.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}
}
