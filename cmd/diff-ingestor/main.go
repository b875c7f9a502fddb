package main

import (
	"context"
	"os/signal"
	"syscall"

	"spacemeter/internal/config"
	"spacemeter/internal/health"
	"spacemeter/internal/ingest"
	"spacemeter/internal/ledger"
	"spacemeter/internal/logging"
	"spacemeter/internal/observability"
	"spacemeter/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	logger := logging.NewWithLevel("diff-ingestor", cfg.LogLevel)
	defer logger.Sync()
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if err := cfg.RequireKafka(cfg.Kafka.DiffTopic); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	metrics := observability.NewMetrics(nil)
	backend, err := ledger.Open(ctx, cfg, metrics)
	if err != nil {
		logger.Fatalf("opening ledger: %v", err)
	}
	defer backend.Close()

	engine := ingest.NewEngine(backend.Store, logger, metrics)

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		Brokers:         cfg.Kafka.Brokers,
		Topic:           cfg.Kafka.DiffTopic,
		GroupID:         cfg.Kafka.GroupID + "-diff-ingestor",
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		MaxBackoff:      cfg.Kafka.MaxBackoff,
	}, engine.Handler(), ingest.Classify, logger, metrics)
	if err != nil {
		logger.Fatalf("creating consumer: %v", err)
	}
	defer consumer.Close()

	observability.Start(ctx, cfg.MetricsAddr, logger, metrics.Registry(),
		health.Checker(health.Dependency{Name: backend.Name, Pinger: backend}))

	logger.Info("diff ingestor started", "ledger", backend.Name, "topic", cfg.Kafka.DiffTopic)
	if err := consumer.Run(ctx); err != nil {
		logger.Errorf("consumer stopped: %v", err)
		return
	}
	logger.Println("shutting down diff ingestor")
}
