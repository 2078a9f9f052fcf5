/*
main.go - Application entry point

PURPOSE:
  Starts the irrigation ledger HTTP server. Loads configuration, opens both
  databases, wires the services and shuts down gracefully.

STARTUP SEQUENCE:
  1. Load configuration (env vars, optional .env / config.env)
  2. Build the zerolog logger
  3. Open the irrigation ledger and fee ledger SQLite stores
  4. Create services: parcel registry (syncing into the fee ledger),
     cycles, receipt ledger, fee ledger
  5. Start the periodic checkpoint scheduler
  6. Configure the HTTP router and serve

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (HTTP_SHUTDOWN_TIMEOUT)
  3. Stop the checkpoint scheduler and checkpoint both WAL files once more
     so the backup job can copy the databases
  4. Close the stores

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/irrigation-ledger/api"
	"github.com/warp/irrigation-ledger/billing"
	"github.com/warp/irrigation-ledger/config"
	"github.com/warp/irrigation-ledger/fees"
	"github.com/warp/irrigation-ledger/logger"
	"github.com/warp/irrigation-ledger/parcels"
	"github.com/warp/irrigation-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})

	store, err := openLedger(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Ledger.DBPath).Msg("failed to open irrigation ledger")
	}
	feeStore, err := openFees(cfg)
	if err != nil {
		store.Close()
		log.Fatal().Err(err).Str("path", cfg.Ledger.FeesDBPath).Msg("failed to open fee ledger")
	}

	feeLedger := fees.NewLedger(feeStore, store, fees.WithLogger(log.With().Str("service", "fees").Logger()))
	handler := api.NewHandler(
		parcels.NewRegistry(store,
			parcels.WithFeeSync(feeLedger),
			parcels.WithLogger(log.With().Str("service", "parcels").Logger())),
		billing.NewCycles(store, billing.WithLogger(log.With().Str("service", "cycles").Logger())),
		billing.NewLedger(store, billing.WithLogger(log.With().Str("service", "billing").Logger())),
		feeLedger,
		log,
	)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, cfg.HTTP.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	checkpoints := api.NewCheckpointScheduler(log, cfg.Ledger.CheckpointInterval, store, feeStore)
	checkpoints.Start()

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("env", cfg.App.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	checkpoints.Stop()
	checkpoints.CheckpointAll()
	store.Close()
	feeStore.Close()

	log.Info().Msg("server stopped")
}

func openLedger(cfg *config.Config) (*sqlite.Store, error) {
	if err := ensureDir(cfg.Ledger.DBPath); err != nil {
		return nil, err
	}
	return sqlite.New(cfg.Ledger.DBPath,
		sqlite.WithBusyTimeout(cfg.Ledger.BusyTimeout),
		sqlite.WithInitialCycle(cfg.Ledger.DefaultCycleLabel))
}

func openFees(cfg *config.Config) (*sqlite.FeeStore, error) {
	if err := ensureDir(cfg.Ledger.FeesDBPath); err != nil {
		return nil, err
	}
	return sqlite.NewFeeStore(cfg.Ledger.FeesDBPath, sqlite.WithBusyTimeout(cfg.Ledger.BusyTimeout))
}

func ensureDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(dbPath), 0o755)
}
