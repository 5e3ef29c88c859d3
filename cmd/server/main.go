package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/campuseats/gateway"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/directory"
	"github.com/example/campuseats/pkg/discovery"
	"github.com/example/campuseats/pkg/grpc"
	"github.com/example/campuseats/pkg/logging"
	"github.com/example/campuseats/pkg/messaging"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/notify"
	"github.com/example/campuseats/pkg/orders"
	"github.com/example/campuseats/pkg/repository"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Sprintf("Failed to load .env: %v", err))
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	logger, err := logging.New(&cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting campuseats API",
		zap.String("name", cfg.Server.Name),
		zap.Int("http_port", cfg.Gateway.Port),
		zap.Int("ops_port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Record store
	redisRepo := repository.NewRedisRepository(&cfg.Redis)
	defer redisRepo.Close()
	if err := redisRepo.Ping(ctx); err != nil {
		logger.Warn("Redis connection failed", zap.Error(err))
	} else {
		logger.Info("Redis connected successfully")
	}

	// Shop directory
	db, err := directory.Open(&cfg.Directory)
	if err != nil {
		logger.Fatal("Failed to open shop directory", zap.Error(err))
	}
	shops := directory.New(db, logger.Named("directory"))
	defer shops.Close()

	seeds := cfg.Directory.SeedShops
	if len(seeds) == 0 {
		seeds = directory.DefaultShops()
	}
	if _, err := shops.Seed(ctx, redisRepo, seeds); err != nil {
		logger.Warn("Shop seeding failed, will retry on next boot", zap.Error(err))
	}

	checks := map[string]gateway.Checker{
		"redis":     redisRepo.Ping,
		"directory": shops.Ping,
	}

	// Audit trail
	var (
		recorder audit.Recorder = audit.Discard
		history  gateway.HistoryReader
		writer   *audit.ActorRecorder
		mongo    *repository.MongoRepository
	)
	if cfg.MongoDB.Enabled {
		mongo, err = repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			logger.Warn("MongoDB unavailable, audit trail disabled", zap.Error(err))
		} else {
			if err := mongo.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to create audit indexes", zap.Error(err))
			}
			writer, err = audit.NewActorRecorder(mongo, logger.Named("audit"))
			if err != nil {
				logger.Fatal("Failed to start audit writer", zap.Error(err))
			}
			recorder = writer
			history = mongo
			checks["mongodb"] = mongo.Ping
		}
	}

	loc, err := cfg.ETA.Location()
	if err != nil {
		logger.Fatal("Invalid ETA timezone", zap.Error(err))
	}

	m := metrics.New()
	dispatcher := notify.NewDispatcher(redisRepo, m, logger.Named("notify"))
	orderSvc := orders.NewService(&cfg.Orders, loc, redisRepo, shops, dispatcher, recorder, m, logger.Named("orders"))
	messageSvc := messaging.NewService(redisRepo, shops, recorder, m, logger.Named("messaging"))

	gw, err := gateway.NewGateway(cfg, logger, gateway.Deps{
		Orders:        orderSvc,
		Notifications: dispatcher,
		Messages:      messageSvc,
		History:       history,
		Metrics:       m,
		Checks:        checks,
	})
	if err != nil {
		logger.Fatal("Failed to create gateway", zap.Error(err))
	}
	gw.SetupRoutes()

	ops := grpc.NewOpsServer(&cfg.Server, checks, logger.Named("ops"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.Start)
	g.Go(ops.Start)
	g.Go(func() error {
		ops.Watch(gctx)
		return nil
	})

	// Register in etcd
	var sd *discovery.ServiceDiscovery
	instance := &discovery.ServiceInstance{
		Name:     cfg.Server.Name,
		Host:     advertiseHost(cfg.Server.Host),
		Port:     cfg.Server.Port,
		HTTPPort: cfg.Gateway.Port,
	}
	if cfg.Etcd.Enabled {
		sd, err = discovery.NewServiceDiscovery(&cfg.Etcd, logger.Named("discovery"))
		if err != nil {
			logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
		} else if err := sd.Register(gctx, instance); err != nil {
			logger.Warn("Failed to register service", zap.Error(err))
		} else {
			logger.Info("Service registered in etcd", zap.String("address", instance.Addr()))
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if sd != nil {
			if err := sd.Deregister(shutdownCtx, instance); err != nil {
				logger.Error("Failed to deregister service", zap.Error(err))
			}
			sd.Close()
		}
		ops.Stop()
		return gw.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", zap.Error(err))
	}

	if writer != nil {
		if err := writer.Close(5 * time.Second); err != nil {
			logger.Error("Failed to drain audit writer", zap.Error(err))
		}
	}
	if mongo != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongo.Close(closeCtx)
	}

	logger.Info("Service stopped")
}

// advertiseHost turns a wildcard bind address into something peers can dial.
func advertiseHost(host string) string {
	if host != "" && host != "0.0.0.0" && host != "::" {
		return host
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "127.0.0.1"
}
