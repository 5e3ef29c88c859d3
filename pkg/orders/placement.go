package orders

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/directory"
	"github.com/example/campuseats/pkg/eta"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PlaceRequest is one checkout from a student's cart. RequestID is optional;
// when a client sends one, repeats of the same id return the first order no
// matter how late they arrive.
type PlaceRequest struct {
	StudentID   string            `json:"studentId" validate:"required"`
	StudentName string            `json:"studentName"`
	ShopID      string            `json:"shopId" validate:"required"`
	Items       []models.LineItem `json:"items" validate:"dive"`
	Total       float64           `json:"total" validate:"gte=0"`
	OrderType   models.OrderType  `json:"orderType" validate:"required,oneof=pickup dine-in"`
	RequestID   string            `json:"requestId,omitempty" validate:"omitempty,max=128"`
}

type Placement struct {
	Order     *models.Order `json:"order"`
	Duplicate bool          `json:"duplicate"`
}

// PlaceOrder creates a pending order, or returns the order an earlier copy of
// the same request already created.
func (s *Service) PlaceOrder(ctx context.Context, req *PlaceRequest) (*Placement, error) {
	const op = "orders.PlaceOrder"

	if len(req.Items) == 0 {
		return nil, apperr.Validation(op, "cart is empty")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(op, err)
	}

	shop, err := s.shops.Lookup(ctx, req.ShopID)
	if errors.Is(err, directory.ErrShopNotFound) {
		return nil, apperr.Validation(op, "unknown shop %s", req.ShopID)
	}
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if !shop.IsOpen {
		return nil, apperr.Validation(op, "shop %s is closed", req.ShopID)
	}

	var itemsTotal float64
	for _, li := range req.Items {
		itemsTotal += li.Subtotal()
	}
	if req.Total > itemsTotal+s.totalTolerance {
		return nil, apperr.Validation(op, "total %.2f exceeds item prices %.2f", req.Total, itemsTotal)
	}

	if req.RequestID != "" {
		existing, err := s.byRequestID(ctx, req)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if existing != nil {
			return s.duplicate(existing, "request_id"), nil
		}
	}

	now := s.now()
	existing, err := s.recentDuplicate(ctx, req, now)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if existing != nil {
		return s.duplicate(existing, "window"), nil
	}

	order := s.newOrder(req, now)

	if req.RequestID != "" {
		claimed, err := s.store.SetNX(ctx, repository.PlacementKey(req.StudentID, req.RequestID), order.ID, pendingClaimTTL)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if !claimed {
			// a concurrent copy of this request holds the claim
			existing, err := s.awaitClaimedOrder(ctx, req)
			if err != nil {
				return nil, apperr.Transient(op, err)
			}
			return s.duplicate(existing, "request_id"), nil
		}
	}

	if err := s.store.SaveOrder(ctx, order); err != nil {
		return nil, apperr.Transient(op, err)
	}
	if _, err := s.store.AppendUnique(ctx, repository.ShopOrdersKey(order.ShopID), order.ID); err != nil {
		return nil, apperr.Transient(op, err)
	}
	if _, err := s.store.AppendUnique(ctx, repository.StudentOrdersKey(order.StudentID), order.ID); err != nil {
		return nil, apperr.Transient(op, err)
	}
	if req.RequestID != "" {
		if err := s.store.Set(ctx, repository.PlacementKey(req.StudentID, req.RequestID), order.ID, s.requestIDTTL); err != nil {
			return nil, apperr.Transient(op, err)
		}
	}

	s.metrics.OrdersPlaced.WithLabelValues(order.ShopID, string(order.OrderType)).Inc()
	s.audit.Record(audit.Event{
		Action:  audit.ActionOrderPlaced,
		OrderID: order.ID,
		ActorID: order.StudentID,
		To:      order.Status,
		Data: map[string]interface{}{
			"shop_id":              order.ShopID,
			"total":                order.Total,
			"items":                order.ItemCount(),
			"estimated_ready_time": order.EstimatedReadyTime,
		},
		At: now,
	})
	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("student_id", order.StudentID),
		zap.String("shop_id", order.ShopID),
		zap.Float64("total", order.Total),
		zap.Time("estimated_ready_time", order.EstimatedReadyTime))

	return &Placement{Order: order}, nil
}

func (s *Service) newOrder(req *PlaceRequest, now time.Time) *models.Order {
	estimate := eta.Estimate(req.Items, now.In(s.loc))

	name := req.StudentName
	if name == "" {
		name = "Unknown"
	}
	return &models.Order{
		ID:                 "ORDER-" + uuid.NewString(),
		StudentID:          req.StudentID,
		StudentName:        name,
		ShopID:             req.ShopID,
		Items:              models.CloneItems(req.Items),
		Total:              math.Round(req.Total*100) / 100,
		Status:             models.StatusPending,
		OrderType:          req.OrderType,
		OrderTime:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
		EstimatedReadyTime: estimate.ReadyAt(now),
	}
}

// byRequestID resolves a claimed request id to its order. A claim whose
// order is not written yet resolves to nil.
func (s *Service) byRequestID(ctx context.Context, req *PlaceRequest) (*models.Order, error) {
	id, err := s.store.Get(ctx, repository.PlacementKey(req.StudentID, req.RequestID))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

var errPlacementInFlight = errors.New("placement with this request id is still in progress")

// awaitClaimedOrder polls briefly for the order behind a claim another
// placement holds. It never takes the claim over.
func (s *Service) awaitClaimedOrder(ctx context.Context, req *PlaceRequest) (*models.Order, error) {
	ticker := time.NewTicker(claimWait)
	defer ticker.Stop()

	for try := 0; ; try++ {
		existing, err := s.byRequestID(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		if try == claimWaitTries {
			return nil, errPlacementInFlight
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// recentDuplicate looks for an order of the same student and shop created
// inside the dedup window with the same total.
func (s *Service) recentDuplicate(ctx context.Context, req *PlaceRequest, now time.Time) (*models.Order, error) {
	ids, err := s.store.Range(ctx, repository.StudentOrdersKey(req.StudentID), int64(-s.dedupLookback), -1)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.GetOrders(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := len(recent) - 1; i >= 0; i-- {
		o := recent[i]
		if o.ShopID != req.ShopID {
			continue
		}
		if now.Sub(o.CreatedAt) >= s.dedupWindow {
			continue
		}
		if math.Abs(o.Total-req.Total) < s.totalTolerance {
			return o, nil
		}
	}
	return nil, nil
}

func (s *Service) duplicate(order *models.Order, reason string) *Placement {
	s.metrics.DuplicatePlacement.WithLabelValues(reason).Inc()
	s.audit.Record(audit.Event{
		Action:  audit.ActionDuplicateOrder,
		OrderID: order.ID,
		ActorID: order.StudentID,
		Data:    map[string]interface{}{"reason": reason},
	})
	s.logger.Info("Duplicate placement, returning existing order",
		zap.String("order_id", order.ID),
		zap.String("reason", reason))
	return &Placement{Order: order, Duplicate: true}
}
