package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "campuseats-api", cfg.Server.Name)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "sqlite", cfg.Directory.Driver)
	assert.Equal(t, 5*time.Second, cfg.Orders.DedupWindow)
	assert.Equal(t, 5, cfg.Orders.DedupLookback)
	assert.InDelta(t, 0.01, cfg.Orders.TotalTolerance, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Orders.RequestIDTTL)
	assert.Equal(t, int64(30), cfg.Etcd.LeaseTTL)
	assert.False(t, cfg.MongoDB.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: redis:6379
orders:
  dedup_window: 10s
directory:
  driver: mysql
  mysql:
    host: db
    port: 3306
    username: eats
    password: secret
    database: campuseats
  seed_shops:
    - id: A1
      name: Chicken Rice
eta:
  timezone: Asia/Singapore
`), 0o600))

	t.Setenv("CAMPUSEATS_REDIS_ADDR", "cache:6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Orders.DedupWindow)
	assert.Equal(t, []SeedShop{{ID: "A1", Name: "Chicken Rice"}}, cfg.Directory.SeedShops)
	assert.Equal(t, "eats:secret@tcp(db:3306)/campuseats?charset=utf8mb4&parseTime=True&loc=UTC", cfg.Directory.MySQL.DSN())

	loc, err := cfg.ETA.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Singapore", loc.String())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	loc, err := (&ETAConfig{}).Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	_, err = (&ETAConfig{Timezone: "Mars/Olympus"}).Location()
	assert.Error(t, err)
}
