package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Directory DirectoryConfig `mapstructure:"directory"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	ETA       ETAConfig       `mapstructure:"eta"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig describes the ops listener (gRPC health) and the name the
// instance registers under in etcd.
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int64         `mapstructure:"lease_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DirectoryConfig selects the shop directory database. Driver is "mysql" or
// "sqlite"; Path is only used by sqlite.
type DirectoryConfig struct {
	Driver       string      `mapstructure:"driver"`
	Path         string      `mapstructure:"path"`
	MySQL        MySQLConfig `mapstructure:"mysql"`
	SeedShops    []SeedShop  `mapstructure:"seed_shops"`
	MaxIdleConns int         `mapstructure:"max_idle_conns"`
	MaxOpenConns int         `mapstructure:"max_open_conns"`
}

type SeedShop struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type MongoDBConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type GatewayConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// OrdersConfig holds the placement dedup window.
type OrdersConfig struct {
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
	DedupLookback  int           `mapstructure:"dedup_lookback"`
	TotalTolerance float64       `mapstructure:"total_tolerance"`
	RequestIDTTL   time.Duration `mapstructure:"request_id_ttl"`
}

type ETAConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Encoding    string   `mapstructure:"encoding"`
	OutputPaths []string `mapstructure:"output_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "campuseats-api")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5)
	v.SetDefault("etcd.prefix", "/services/")
	v.SetDefault("etcd.lease_ttl", 30)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("directory.driver", "sqlite")
	v.SetDefault("directory.path", "campuseats.db")
	v.SetDefault("directory.max_idle_conns", 5)
	v.SetDefault("directory.max_open_conns", 20)

	v.SetDefault("mongodb.enabled", false)
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "campuseats")
	v.SetDefault("mongodb.collection", "audit_logs")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.allowed_origins", []string{"*"})

	v.SetDefault("orders.dedup_window", 5*time.Second)
	v.SetDefault("orders.dedup_lookback", 5)
	v.SetDefault("orders.total_tolerance", 0.01)
	v.SetDefault("orders.request_id_ttl", 24*time.Hour)

	v.SetDefault("eta.timezone", "Local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})
}

// Load reads the YAML file at configPath, applies defaults and lets
// CAMPUSEATS_* environment variables override any key (dots become
// underscores). An empty path loads defaults and environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("campuseats")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Location resolves the timezone used for peak-hour detection.
func (c *ETAConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
