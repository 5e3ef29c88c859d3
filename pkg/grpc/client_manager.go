package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/discovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Resolver looks up registered instances. *discovery.ServiceDiscovery
// satisfies it.
type Resolver interface {
	Discover(ctx context.Context, serviceName string) ([]*discovery.ServiceInstance, error)
}

// ClientManager manages the connection to an API instance's ops server.
type ClientManager struct {
	config    *config.Config
	discovery Resolver
	logger    *zap.Logger

	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

func NewClientManager(cfg *config.Config, logger *zap.Logger, disc Resolver) *ClientManager {
	return &ClientManager{
		config:    cfg,
		discovery: disc,
		logger:    logger,
	}
}

// Target picks the ops address: the first instance registered under the
// configured service name, or the configured host and port.
func (m *ClientManager) Target(ctx context.Context) string {
	target := fmt.Sprintf("%s:%d", m.config.Server.Host, m.config.Server.Port)

	if m.discovery != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		instances, err := m.discovery.Discover(ctx, m.config.Server.Name)
		if err == nil && len(instances) > 0 {
			target = instances[0].Addr()
			m.logger.Info("Discovered API instance", zap.String("address", target))
		} else {
			m.logger.Info("Using configured ops address", zap.String("address", target), zap.Error(err))
		}
	}
	return target
}

func (m *ClientManager) Connect(ctx context.Context, opts ...grpc.DialOption) error {
	target := m.Target(ctx)
	m.logger.Info("Connecting to ops server", zap.String("target", target))

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("passthrough:///"+target, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	m.conn = conn
	m.health = healthpb.NewHealthClient(conn)
	return nil
}

// Check asks for the serving status of service; OverallService covers all
// dependencies.
func (m *ClientManager) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if m.health == nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("not connected")
	}
	resp, err := m.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (m *ClientManager) Close() error {
	if m.conn == nil {
		return nil
	}
	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("ops connection close error: %w", err)
	}
	return nil
}
