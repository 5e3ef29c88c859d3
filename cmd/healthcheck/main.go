package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/discovery"
	"github.com/example/campuseats/pkg/grpc"
	"github.com/example/campuseats/pkg/logging"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	service := flag.String("service", grpc.OverallService, "dependency to check; empty checks all")
	timeout := flag.Duration("timeout", 5*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := logging.New(&config.LogConfig{Level: "warn", Encoding: "console", OutputPaths: []string{"stderr"}})
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var resolver grpc.Resolver
	if cfg.Etcd.Enabled {
		sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
		if err != nil {
			logger.Warn("Failed to connect to etcd, using configured address", zap.Error(err))
		} else {
			defer sd.Close()
			resolver = sd
		}
	}

	cm := grpc.NewClientManager(cfg, logger, resolver)
	if err := cm.Connect(ctx); err != nil {
		logger.Error("Failed to connect", zap.Error(err))
		os.Exit(1)
	}
	defer cm.Close()

	status, err := cm.Check(ctx, *service)
	if err != nil {
		logger.Error("Health check failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}
