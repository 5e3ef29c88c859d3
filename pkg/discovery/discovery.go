package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/example/campuseats/pkg/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type ServiceDiscovery struct {
	client *clientv3.Client
	config *config.EtcdConfig
	logger *zap.Logger
}

// ServiceInstance is one registered API replica. Port is the ops (gRPC
// health) port; the HTTP API port travels in HTTPPort.
type ServiceInstance struct {
	Name     string
	Host     string
	Port     int
	HTTPPort int
}

func (i *ServiceInstance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func NewServiceDiscovery(cfg *config.EtcdConfig, logger *zap.Logger) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &ServiceDiscovery{
		client: cli,
		config: cfg,
		logger: logger,
	}, nil
}

func (sd *ServiceDiscovery) key(instance *ServiceInstance) string {
	return fmt.Sprintf("%s%s/%s", sd.config.Prefix, instance.Name, instance.Addr())
}

// Register puts the instance under a lease and keeps the lease alive until
// ctx is cancelled.
func (sd *ServiceDiscovery) Register(ctx context.Context, instance *ServiceInstance) error {
	ttl := sd.config.LeaseTTL
	if ttl <= 0 {
		ttl = 30
	}

	lease, err := sd.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	value := encodeValue(instance)
	if _, err = sd.client.Put(ctx, sd.key(instance), value, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	ch, kaerr := sd.client.KeepAlive(ctx, lease.ID)
	if kaerr != nil {
		return fmt.Errorf("failed to keep alive: %w", kaerr)
	}

	go func() {
		for range ch {
		}
		if ctx.Err() == nil {
			sd.logger.Warn("etcd lease keep-alive stopped", zap.String("key", sd.key(instance)))
		}
	}()

	return nil
}

func (sd *ServiceDiscovery) Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	key := fmt.Sprintf("%s%s/", sd.config.Prefix, serviceName)

	resp, err := sd.client.Get(ctx, key, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover service: %w", err)
	}

	var instances []*ServiceInstance
	for _, kv := range resp.Kvs {
		instance, err := decodeValue(serviceName, string(kv.Value))
		if err != nil {
			sd.logger.Warn("Skipping malformed registration",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

func (sd *ServiceDiscovery) Deregister(ctx context.Context, instance *ServiceInstance) error {
	if _, err := sd.client.Delete(ctx, sd.key(instance)); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

func (sd *ServiceDiscovery) Close() error {
	return sd.client.Close()
}

// encodeValue renders "host:port" or "host:port,http=8080".
func encodeValue(instance *ServiceInstance) string {
	value := instance.Addr()
	if instance.HTTPPort > 0 {
		value += ",http=" + strconv.Itoa(instance.HTTPPort)
	}
	return value
}

func decodeValue(name, value string) (*ServiceInstance, error) {
	addr, httpPart, _ := strings.Cut(value, ",")

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port %q: %w", portStr, err)
	}

	instance := &ServiceInstance{Name: name, Host: host, Port: port}
	if httpPart != "" {
		k, v, ok := strings.Cut(httpPart, "=")
		if !ok || k != "http" {
			return nil, fmt.Errorf("unexpected attribute %q", httpPart)
		}
		if instance.HTTPPort, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("failed to parse http port %q: %w", v, err)
		}
	}
	return instance, nil
}
