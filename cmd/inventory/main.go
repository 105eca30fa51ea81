package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/config"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/inventory"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
)

const (
	serviceName    = "inventory"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.LoadInventory()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("inventory service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Inventory, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.TraceEndpoint(), serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	var db *sql.DB
	if cfg.Backend == config.LedgerPostgres {
		db, err = telemetry.OpenDB(cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer func() { _ = db.Close() }()
	}

	ledger, closeLedger, err := inventory.Open(ctx, cfg.Ledger, db, cfg.Retry.Policy(), logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = closeLedger() }()

	mux := http.NewServeMux()
	inventory.NewHandler(ledger, logger).Register(mux)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.HTTPHandler(mux, serviceName),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting inventory service",
			zap.String("port", cfg.Port),
			zap.String("ledger", cfg.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
