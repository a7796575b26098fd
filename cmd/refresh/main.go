// Package main provides a CLI tool for one-shot snapshot refresh and invalidation.
package main

import (
	"context"
	"flag"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/balance-ledger/internal/config"
	"github.com/balance-ledger/internal/logging"
	"github.com/balance-ledger/internal/service"
	"github.com/balance-ledger/internal/storage"
	"github.com/balance-ledger/internal/types"
)

func main() {
	var (
		subjectsFlag = flag.String("subjects", "", "Comma-separated subject ids; empty means all subjects")
		invalidate   = flag.Bool("invalidate", false, "Delete snapshots instead of refreshing them")
		timeout      = flag.Duration("timeout", 5*time.Minute, "Timeout for the operation")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	subjects, err := parseSubjects(*subjectsFlag)
	if err != nil {
		log.Fatalf("Invalid -subjects value: %v", err)
	}

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

	balanceService := service.NewBalanceService(
		storage.NewLedgerRepository(postgres),
		storage.NewSnapshotRepository(postgres),
		service.BalanceServiceConfig{
			Cache:              cache,
			Logger:             logger,
			ContinueOnOverflow: cfg.Refresh.ContinueOnOverflow,
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *invalidate {
		if err := balanceService.Invalidate(ctx, subjects); err != nil {
			logger.WithError(err).Fatal("Invalidation failed")
		}
		logger.Info("Snapshots invalidated")
		return
	}

	if err := balanceService.Refresh(ctx, subjects); err != nil {
		logger.WithError(err).Fatal("Refresh failed")
	}
	logger.Info("Refresh complete")
}

// parseSubjects turns "1,2,3" into a subject set. An empty string yields
// nil, which targets all subjects.
func parseSubjects(raw string) ([]types.SubjectID, error) {
	if raw == "" {
		return nil, nil
	}
	var subjects []types.SubjectID
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, types.SubjectID(id))
	}
	return subjects, nil
}
