package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/logging"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/orders"
	"github.com/example/campuseats/pkg/repository"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := logging.New(&cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	redisRepo := repository.NewRedisRepository(&cfg.Redis)
	defer redisRepo.Close()
	if err := redisRepo.Ping(ctx); err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}

	loc, err := cfg.ETA.Location()
	if err != nil {
		logger.Fatal("Invalid ETA timezone", zap.Error(err))
	}

	// rebuilding touches only the record store
	svc := orders.NewService(&cfg.Orders, loc, redisRepo, nil, nil, audit.Discard, metrics.New(), logger.Named("orders"))
	if _, err := svc.RebuildIndexes(ctx); err != nil {
		logger.Fatal("Index rebuild failed", zap.Error(err))
	}
}
