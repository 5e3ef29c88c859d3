// Package orders owns the order lifecycle: placement with retry dedup, the
// shop-driven status machine and the shop/student order views.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	defaultDedupWindow    = 5 * time.Second
	defaultDedupLookback  = 5
	defaultTotalTolerance = 0.01
	defaultRequestIDTTL   = 24 * time.Hour

	// A request-id claim lives this long until its order is saved, so a
	// placement that died mid-way frees the id for a retry.
	pendingClaimTTL = 30 * time.Second
	claimWait       = 50 * time.Millisecond
	claimWaitTries  = 5
)

type Store interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrders(ctx context.Context, ids []string) ([]*models.Order, error)
	UpdateOrder(ctx context.Context, id string, fn func(*models.Order) (bool, error)) (*models.Order, error)
	ScanOrders(ctx context.Context) ([]*models.Order, error)
	ScanNotifications(ctx context.Context) ([]*models.Notification, error)
	GetMessages(ctx context.Context, orderID string) ([]*models.Message, error)
	AppendUnique(ctx context.Context, key, id string) (bool, error)
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	Replace(ctx context.Context, key string, ids []string) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// Directory answers whether a shop exists and takes orders.
// *directory.Directory satisfies it.
type Directory interface {
	Lookup(ctx context.Context, shopID string) (*models.Shop, error)
}

// Notifier emits the student-facing side effects of transitions.
// *notify.Dispatcher satisfies it.
type Notifier interface {
	OrderReady(ctx context.Context, order *models.Order) (*models.Notification, error)
	OrderCancelled(ctx context.Context, order *models.Order, reason string) (*models.Notification, error)
}

type Service struct {
	store    Store
	shops    Directory
	notifier Notifier
	audit    audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	loc      *time.Location
	now      func() time.Time

	dedupWindow    time.Duration
	dedupLookback  int
	totalTolerance float64
	requestIDTTL   time.Duration
}

func NewService(
	cfg *config.OrdersConfig,
	loc *time.Location,
	store Store,
	shops Directory,
	notifier Notifier,
	rec audit.Recorder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	s := &Service{
		store:          store,
		shops:          shops,
		notifier:       notifier,
		audit:          rec,
		metrics:        m,
		logger:         logger,
		validate:       validator.New(),
		loc:            loc,
		now:            time.Now,
		dedupWindow:    defaultDedupWindow,
		dedupLookback:  defaultDedupLookback,
		totalTolerance: defaultTotalTolerance,
		requestIDTTL:   defaultRequestIDTTL,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if cfg != nil {
		if cfg.DedupWindow > 0 {
			s.dedupWindow = cfg.DedupWindow
		}
		if cfg.DedupLookback > 0 {
			s.dedupLookback = cfg.DedupLookback
		}
		if cfg.TotalTolerance > 0 {
			s.totalTolerance = cfg.TotalTolerance
		}
		if cfg.RequestIDTTL > 0 {
			s.requestIDTTL = cfg.RequestIDTTL
		}
	}
	return s
}

// GetOrder returns one order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	const op = "orders.GetOrder"
	if id == "" {
		return nil, apperr.Validation(op, "order id is required")
	}
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(op, "order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return order, nil
}

// validationError flattens validator output into one caller-facing message.
func validationError(op string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(op, "%v", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
	}
	return apperr.Validation(op, "%s", strings.Join(parts, "; "))
}
