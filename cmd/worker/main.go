package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/config"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/messaging"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/telemetry"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/worker"
)

const (
	serviceName    = "notification-worker"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.LoadWorker()
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
		logger.Error("notification worker failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Worker, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.TraceEndpoint(), serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.EventsTopic, cfg.GroupID, logger,
		messaging.WithRetryPolicy(retry.DefaultPolicy()),
	)
	defer func() { _ = consumer.Close() }()

	client := telemetry.NewHTTPClient(&http.Client{Timeout: cfg.EmailTimeout})
	notifications := worker.NewNotificationHandler(cfg.EmailServiceURL, client, logger)

	logger.Info("starting notification worker",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.EventsTopic),
		zap.String("group", cfg.GroupID),
	)

	if err := consumer.Consume(ctx, notifications.Handle); err != nil {
		return err
	}
	logger.Info("consumer stopped")
	return nil
}
