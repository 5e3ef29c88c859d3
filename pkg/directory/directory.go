// Package directory is the shop directory the order engine validates
// placements against. Shops live in MySQL (SQLite for local runs and tests)
// through gorm.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SeededFlagKey marks a record store whose directory has been seeded.
const SeededFlagKey = "shops-initialized"

var ErrShopNotFound = errors.New("shop not found")

// FlagStore is the slice of the record store Seed needs.
type FlagStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type Directory struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured directory database and migrates the schema.
func Open(cfg *config.DirectoryConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.MySQL.DSN())
	case "sqlite", "":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported directory driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.AutoMigrate(&models.Shop{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return db, nil
}

func New(db *gorm.DB, logger *zap.Logger) *Directory {
	return &Directory{db: db, logger: logger}
}

func (d *Directory) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *Directory) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Directory) Lookup(ctx context.Context, shopID string) (*models.Shop, error) {
	var shop models.Shop
	err := d.db.WithContext(ctx).First(&shop, "id = ?", shopID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up shop %s: %w", shopID, err)
	}
	return &shop, nil
}

func (d *Directory) List(ctx context.Context) ([]models.Shop, error) {
	var shops []models.Shop
	if err := d.db.WithContext(ctx).Order("id").Find(&shops).Error; err != nil {
		return nil, fmt.Errorf("failed to list shops: %w", err)
	}
	return shops, nil
}

// SetOpen flips whether a shop accepts new orders.
func (d *Directory) SetOpen(ctx context.Context, shopID string, open bool) error {
	shop, err := d.Lookup(ctx, shopID)
	if err != nil {
		return err
	}
	if err := d.db.WithContext(ctx).Model(shop).Update("is_open", open).Error; err != nil {
		return fmt.Errorf("failed to update shop %s: %w", shopID, err)
	}
	return nil
}

// Seed inserts shops that are not already present, then sets the seeded
// flag. Once the flag exists Seed does nothing, so it is safe to call on
// every boot. It reports whether it seeded.
func (d *Directory) Seed(ctx context.Context, flags FlagStore, shops []config.SeedShop) (bool, error) {
	done, err := flags.Exists(ctx, SeededFlagKey)
	if err != nil {
		return false, fmt.Errorf("failed to read seed flag: %w", err)
	}
	if done {
		return false, nil
	}

	rows := make([]models.Shop, 0, len(shops))
	for _, s := range shops {
		rows = append(rows, models.Shop{ID: s.ID, Name: s.Name, IsOpen: true})
	}
	if len(rows) > 0 {
		err := d.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rows).Error
		if err != nil {
			return false, fmt.Errorf("failed to seed shops: %w", err)
		}
	}

	if err := flags.Set(ctx, SeededFlagKey, time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		return false, fmt.Errorf("failed to set seed flag: %w", err)
	}

	d.logger.Info("Shop directory seeded", zap.Int("shops", len(rows)))
	return true, nil
}

// DefaultShops is the campus vendor list: food court A, food court B and
// the IFL kiosks.
func DefaultShops() []config.SeedShop {
	var shops []config.SeedShop
	for i := 1; i <= 10; i++ {
		shops = append(shops, config.SeedShop{ID: fmt.Sprintf("A%d", i), Name: fmt.Sprintf("Food Court A Stall %d", i)})
	}
	for i := 1; i <= 9; i++ {
		shops = append(shops, config.SeedShop{ID: fmt.Sprintf("B%d", i), Name: fmt.Sprintf("Food Court B Stall %d", i)})
	}
	for i := 1; i <= 7; i++ {
		shops = append(shops, config.SeedShop{ID: fmt.Sprintf("IFL-%d", i), Name: fmt.Sprintf("IFL Kiosk %d", i)})
	}
	return shops
}
