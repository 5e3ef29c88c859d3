package orders

import (
	"context"
	"sort"
	"time"

	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"go.uber.org/zap"
)

// ShopOrder is an order as the seller dashboard sees it.
type ShopOrder struct {
	*models.Order
	IsNewCancellation bool `json:"isNewCancellation"`
	LateMinutes       int  `json:"lateMinutes"`
}

type TodayStats struct {
	Orders  int     `json:"orders"`
	Revenue float64 `json:"revenue"`
}

type ShopStats struct {
	Today     TodayStats `json:"today"`
	Pending   int        `json:"pending"`
	Completed int        `json:"completed"`
}

type ShopDashboard struct {
	Orders []ShopOrder `json:"orders"`
	Stats  ShopStats   `json:"stats"`
}

// ListShopOrders returns the shop's orders with late ones first, most
// overdue first, then newest first.
func (s *Service) ListShopOrders(ctx context.Context, shopID string) (*ShopDashboard, error) {
	const op = "orders.ListShopOrders"
	if shopID == "" {
		return nil, apperr.Validation(op, "shop id is required")
	}

	ids, err := s.store.Range(ctx, repository.ShopOrdersKey(shopID), 0, -1)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	orders, err := s.store.GetOrders(ctx, ids)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	viewed, err := s.store.Range(ctx, repository.ShopViewedCancelledKey(shopID), 0, -1)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	seen := make(map[string]struct{}, len(viewed))
	for _, id := range viewed {
		seen[id] = struct{}{}
	}

	now := s.now()
	dashboard := &ShopDashboard{Orders: make([]ShopOrder, 0, len(orders))}
	lateBy := make(map[string]time.Duration, len(orders))
	for _, o := range orders {
		_, wasSeen := seen[o.ID]
		late := o.LateBy(now)
		lateBy[o.ID] = late
		dashboard.Orders = append(dashboard.Orders, ShopOrder{
			Order:             o,
			IsNewCancellation: o.Status == models.StatusCancelled && !wasSeen,
			LateMinutes:       int(late / time.Minute),
		})
	}

	sort.SliceStable(dashboard.Orders, func(i, j int) bool {
		a, b := dashboard.Orders[i], dashboard.Orders[j]
		la, lb := lateBy[a.ID], lateBy[b.ID]
		if (la > 0) != (lb > 0) {
			return la > 0
		}
		if la != lb {
			return la > lb
		}
		return a.OrderTime.After(b.OrderTime)
	})

	dashboard.Stats = s.stats(orders, now)
	return dashboard, nil
}

func (s *Service) stats(orders []*models.Order, now time.Time) ShopStats {
	var st ShopStats
	today := now.In(s.loc)
	for _, o := range orders {
		if o.Status == models.StatusPending {
			st.Pending++
		}
		if !sameDay(o.OrderTime.In(s.loc), today) {
			continue
		}
		st.Today.Orders++
		if o.Status == models.StatusCompleted {
			st.Completed++
			st.Today.Revenue += o.Total
		}
	}
	return st
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ListStudentOrders returns the student's orders, newest first.
func (s *Service) ListStudentOrders(ctx context.Context, studentID string) ([]*models.Order, error) {
	const op = "orders.ListStudentOrders"
	if studentID == "" {
		return nil, apperr.Validation(op, "student id is required")
	}

	ids, err := s.store.Range(ctx, repository.StudentOrdersKey(studentID), 0, -1)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	orders, err := s.store.GetOrders(ctx, ids)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// MarkCancelledViewed records every currently cancelled order of the shop as
// seen, clearing their isNewCancellation flag. Returns how many there are.
func (s *Service) MarkCancelledViewed(ctx context.Context, shopID string) (int, error) {
	const op = "orders.MarkCancelledViewed"
	if shopID == "" {
		return 0, apperr.Validation(op, "shop id is required")
	}

	ids, err := s.store.Range(ctx, repository.ShopOrdersKey(shopID), 0, -1)
	if err != nil {
		return 0, apperr.Transient(op, err)
	}
	orders, err := s.store.GetOrders(ctx, ids)
	if err != nil {
		return 0, apperr.Transient(op, err)
	}

	cancelled := make([]string, 0)
	for _, o := range orders {
		if o.Status == models.StatusCancelled {
			cancelled = append(cancelled, o.ID)
		}
	}
	if err := s.store.Replace(ctx, repository.ShopViewedCancelledKey(shopID), cancelled); err != nil {
		return 0, apperr.Transient(op, err)
	}

	s.audit.Record(audit.Event{
		Action:  audit.ActionCancelledViewed,
		ActorID: shopID,
		Data:    map[string]interface{}{"viewed": len(cancelled)},
	})
	s.logger.Info("Cancelled orders marked viewed",
		zap.String("shop_id", shopID),
		zap.Int("count", len(cancelled)))
	return len(cancelled), nil
}
