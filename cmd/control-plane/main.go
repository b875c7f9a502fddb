package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"spacemeter/internal/billing"
	"spacemeter/internal/config"
	"spacemeter/internal/health"
	"spacemeter/internal/httpapi"
	"spacemeter/internal/ledger"
	"spacemeter/internal/logging"
	"spacemeter/internal/observability"
	"spacemeter/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	logger := logging.NewWithLevel("control-plane", cfg.LogLevel)
	defer logger.Sync()
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty; every /v1 request will be rejected")
	}

	metrics := observability.NewMetrics(nil)
	backend, err := ledger.Open(ctx, cfg, metrics)
	if err != nil {
		logger.Fatalf("opening ledger: %v", err)
	}
	defer backend.Close()
	if backend.Cached() {
		logger.Info("snapshot writes refresh the cache", "addr", cfg.Redis.Addr)
	}
	opts := httpapi.Options{
		AdminToken: cfg.AdminToken,
		Handler:    billing.NewHandler(backend.Store, backend.Store, backend.Store, logger, metrics),
		Ready:      health.Checker(health.Dependency{Name: backend.Name, Pinger: backend}),
		Metrics:    metrics,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := queue.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.InstructionTopic)
		if err != nil {
			logger.Fatalf("creating publisher: %v", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}

	api := httpapi.NewServer(logger, backend.Store, opts)
	observability.Start(ctx, cfg.MetricsAddr, logger, metrics.Registry(), opts.Ready)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("control-plane listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down control-plane")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
}
