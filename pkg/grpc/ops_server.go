package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/example/campuseats/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// OverallService is the health service name that aggregates every
// dependency. Each dependency is also reported under its own name.
const OverallService = ""

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 3 * time.Second
)

// Checker probes one dependency.
type Checker = func(ctx context.Context) error

// OpsServer exposes the standard gRPC health service for orchestrators and
// the healthcheck command. Dependency status is refreshed by Watch.
type OpsServer struct {
	config   *config.ServerConfig
	logger   *zap.Logger
	health   *health.Server
	srv      *grpc.Server
	checks   map[string]Checker
	interval time.Duration
}

func NewOpsServer(cfg *config.ServerConfig, checks map[string]Checker, logger *zap.Logger) *OpsServer {
	hs := health.NewServer()
	hs.SetServingStatus(OverallService, healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &OpsServer{
		config:   cfg,
		logger:   logger,
		health:   hs,
		srv:      srv,
		checks:   checks,
		interval: defaultProbeInterval,
	}
}

func (s *OpsServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("Ops server started", zap.String("address", addr))
	return s.Serve(lis)
}

func (s *OpsServer) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

// Probe runs every check once and publishes the results. It reports whether
// all dependencies are healthy.
func (s *OpsServer) Probe(ctx context.Context) bool {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i := i
		check := s.checks[name]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			results[i] = check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for i, name := range names {
		status := healthpb.HealthCheckResponse_SERVING
		if results[i] != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.Error(results[i]))
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(OverallService, overall)
	return healthy
}

// Watch probes immediately and then on every interval until ctx is done.
func (s *OpsServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop flips every service to NOT_SERVING and drains in-flight calls.
func (s *OpsServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
