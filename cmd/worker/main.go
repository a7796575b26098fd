// Package main provides the periodic snapshot refresh worker.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/balance-ledger/internal/config"
	"github.com/balance-ledger/internal/events"
	kafkaevents "github.com/balance-ledger/internal/events/kafka"
	"github.com/balance-ledger/internal/logging"
	"github.com/balance-ledger/internal/service"
	"github.com/balance-ledger/internal/storage"
	"github.com/balance-ledger/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var cache service.BalanceCache
	if cfg.Database.Redis.Enabled() {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		cache = storage.NewCacheService(redis, cfg.Cache.TTL)
	}

	var publisher events.Publisher
	if cfg.Kafka.Enabled {
		kafkaPublisher := kafkaevents.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	ledgerRepo := storage.NewLedgerRepository(postgres)
	snapshotRepo := storage.NewSnapshotRepository(postgres)

	balanceService := service.NewBalanceService(ledgerRepo, snapshotRepo, service.BalanceServiceConfig{
		Cache:              cache,
		Events:             publisher,
		Logger:             logger,
		ContinueOnOverflow: cfg.Refresh.ContinueOnOverflow,
	})

	refreshWorker, err := worker.NewRefreshWorker(&worker.RefreshWorkerConfig{
		Refresh: func(ctx context.Context) error {
			return balanceService.Refresh(ctx, nil)
		},
		Interval: cfg.Refresh.Interval,
		Timeout:  cfg.Refresh.Timeout,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create refresh worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := refreshWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start refresh worker")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down refresh worker...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := refreshWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Refresh worker did not stop cleanly")
	}

	logger.Info("Worker exited")
}
