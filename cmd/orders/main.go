package main

import (
	"context"
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
	"github.com/joao-fontenele/orderflow-lifecycle/internal/messaging"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/orders"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
)

const (
	serviceName    = "orders"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.LoadOrders()
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
		logger.Error("orders service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Orders, logger *zap.Logger) error {
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

	db, err := telemetry.OpenDB(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	policy := cfg.Retry.Policy()

	ledger, closeLedger, err := inventory.Open(ctx, cfg.Ledger, db, policy, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = closeLedger() }()

	var sender messaging.Sender = messaging.NewLogSender(logger)
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		defer func() { _ = producer.Close() }()
		sender = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events are only logged")
	}

	dispatcher := messaging.NewDispatcher(sender, cfg.DispatchQueueSize, cfg.DispatchWorkers, policy, logger)
	reconciler := orders.NewReconciler(ledger, logger)
	orchestrator := orders.NewOrchestrator(ledger, orders.NewOrderRepository(db), dispatcher, reconciler, policy, logger)

	mux := http.NewServeMux()
	orders.NewHandler(orchestrator, logger).Register(mux)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.HTTPHandler(mux, serviceName),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go reconciler.Run(ctx, cfg.ReconcileInterval)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting orders service",
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
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher did not drain", zap.Error(err))
	}
	if n := reconciler.Pending(); n > 0 {
		logger.Warn("exiting with unreconciled stock releases", zap.Int("pending", n))
	}
	return nil
}
