package directory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := Open(&config.DirectoryConfig{
		Driver:       "sqlite",
		Path:         ":memory:",
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	d := New(db, zap.NewNop())
	t.Cleanup(func() { d.Close() })
	return d
}

func newFlagStore(t *testing.T) *repository.RedisRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	repo := repository.NewRedisRepository(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSeedRunsOnce(t *testing.T) {
	d := newTestDirectory(t)
	flags := newFlagStore(t)
	ctx := context.Background()

	seeded, err := d.Seed(ctx, flags, DefaultShops())
	require.NoError(t, err)
	assert.True(t, seeded)

	shops, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, shops, 26)

	// a shop closed by its owner must stay closed across reboots
	require.NoError(t, d.SetOpen(ctx, "A1", false))

	seeded, err = d.Seed(ctx, flags, DefaultShops())
	require.NoError(t, err)
	assert.False(t, seeded)

	shop, err := d.Lookup(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, shop.IsOpen)
}

func TestSeedSkipsExistingRows(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Seed(ctx, newFlagStore(t), []config.SeedShop{{ID: "A1", Name: "Noodles"}})
	require.NoError(t, err)

	// flag lost, rows still there
	seeded, err := d.Seed(ctx, newFlagStore(t), []config.SeedShop{{ID: "A1", Name: "Renamed"}, {ID: "A2", Name: "Rice"}})
	require.NoError(t, err)
	assert.True(t, seeded)

	shop, err := d.Lookup(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Noodles", shop.Name)

	shops, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, shops, 2)
}

func TestLookupAndSetOpen(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Lookup(ctx, "Z9")
	assert.ErrorIs(t, err, ErrShopNotFound)
	assert.ErrorIs(t, d.SetOpen(ctx, "Z9", true), ErrShopNotFound)

	_, err = d.Seed(ctx, newFlagStore(t), []config.SeedShop{{ID: "B3", Name: "Grill"}})
	require.NoError(t, err)

	shop, err := d.Lookup(ctx, "B3")
	require.NoError(t, err)
	assert.True(t, shop.IsOpen)
	assert.Equal(t, "Grill", shop.Name)

	require.NoError(t, d.SetOpen(ctx, "B3", false))
	shop, err = d.Lookup(ctx, "B3")
	require.NoError(t, err)
	assert.False(t, shop.IsOpen)
}

func TestDefaultShops(t *testing.T) {
	shops := DefaultShops()
	require.Len(t, shops, 26)
	assert.Equal(t, "A1", shops[0].ID)
	assert.Equal(t, "B9", shops[18].ID)
	assert.Equal(t, "IFL-7", shops[25].ID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(&config.DirectoryConfig{Driver: "oracle"})
	assert.Error(t, err)
}
