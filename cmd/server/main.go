// Package main provides the API server entry point for the balance ledger service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/balance-ledger/internal/api"
	"github.com/balance-ledger/internal/config"
	"github.com/balance-ledger/internal/events"
	kafkaevents "github.com/balance-ledger/internal/events/kafka"
	"github.com/balance-ledger/internal/logging"
	"github.com/balance-ledger/internal/service"
	"github.com/balance-ledger/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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
		logger.WithField("ttl", cfg.Cache.TTL.String()).Info("Balance view cache enabled")
	} else {
		logger.Info("Balance view cache disabled, reads are always computed live")
	}

	var publisher events.Publisher
	if cfg.Kafka.Enabled {
		kafkaPublisher := kafkaevents.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		logger.WithField("topic", cfg.Kafka.Topic).Info("Event publishing enabled")
	}

	ledgerRepo := storage.NewLedgerRepository(postgres)
	snapshotRepo := storage.NewSnapshotRepository(postgres)

	balanceService := service.NewBalanceService(ledgerRepo, snapshotRepo, service.BalanceServiceConfig{
		Cache:              cache,
		Events:             publisher,
		Logger:             logger,
		ContinueOnOverflow: cfg.Refresh.ContinueOnOverflow,
	})

	server := api.NewServer(&api.ServerConfig{
		Server:    cfg.Server,
		RateLimit: cfg.RateLimit,
	}, balanceService, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
