package orders

import (
	"context"
	"errors"
	"strings"

	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"go.uber.org/zap"
)

// CancellationReasons are the presets offered to shops; any non-empty text
// is accepted as well.
var CancellationReasons = []string{
	"Out of ingredients",
	"Kitchen equipment issue",
	"Too busy / Cannot fulfill in time",
	"Duplicate order",
	"Customer request",
	"Staff shortage",
}

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:   {models.StatusPreparing, models.StatusCancelled},
	models.StatusPreparing: {models.StatusReady, models.StatusCancelled},
	models.StatusReady:     {models.StatusCompleted},
}

// CanTransition reports whether the status machine has an edge from -> to.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TransitionRequest struct {
	OrderID string             `json:"-"`
	ShopID  string             `json:"shopId"`
	Status  models.OrderStatus `json:"status"`
	Reason  string             `json:"cancellationReason,omitempty"`
}

type TransitionResult struct {
	Order        *models.Order        `json:"order"`
	Previous     models.OrderStatus   `json:"previousStatus"`
	Changed      bool                 `json:"changed"`
	Notification *models.Notification `json:"notification,omitempty"`
}

// TransitionOrder moves an order along the status machine on behalf of its
// shop. Asking for the status the order already has changes nothing and
// emits nothing.
func (s *Service) TransitionOrder(ctx context.Context, req *TransitionRequest) (*TransitionResult, error) {
	const op = "orders.TransitionOrder"

	if req.OrderID == "" || req.ShopID == "" {
		return nil, apperr.Validation(op, "order id and shop id are required")
	}
	if !req.Status.Valid() {
		return nil, apperr.Validation(op, "unknown status %q", req.Status)
	}
	reason := strings.TrimSpace(req.Reason)
	if req.Status == models.StatusCancelled && reason == "" {
		return nil, apperr.Validation(op, "a cancellation reason is required")
	}

	var previous models.OrderStatus
	now := s.now()

	order, err := s.store.UpdateOrder(ctx, req.OrderID, func(o *models.Order) (bool, error) {
		if o.ShopID != req.ShopID {
			return false, apperr.Unauthorized(op, "order belongs to another shop")
		}
		previous = o.Status
		if o.Status == req.Status {
			return false, nil
		}
		if !CanTransition(o.Status, req.Status) {
			return false, apperr.Conflict(op, "cannot move order from %s to %s", o.Status, req.Status)
		}

		o.Status = req.Status
		o.UpdatedAt = now
		if req.Status == models.StatusCancelled {
			o.CancellationReason = reason
			cancelledAt := now
			o.CancelledAt = &cancelledAt
		}
		return true, nil
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperr.NotFound(op, "order %s not found", req.OrderID)
	case errors.Is(err, repository.ErrConcurrentUpdate):
		return nil, apperr.Conflict(op, "order %s was modified concurrently, reload and retry", req.OrderID)
	case apperr.KindOf(err) != apperr.KindUnknown:
		return nil, err
	case err != nil:
		return nil, apperr.Transient(op, err)
	}

	result := &TransitionResult{Order: order, Previous: previous, Changed: previous != order.Status}
	if !result.Changed {
		return result, nil
	}

	s.metrics.Transitions.WithLabelValues(string(previous), string(order.Status)).Inc()
	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("shop_id", order.ShopID),
		zap.String("from", string(previous)),
		zap.String("to", string(order.Status)))

	// status is already committed; notification failures are only logged
	var notifyErr error
	switch order.Status {
	case models.StatusReady:
		result.Notification, notifyErr = s.notifier.OrderReady(ctx, order)
	case models.StatusCancelled:
		result.Notification, notifyErr = s.notifier.OrderCancelled(ctx, order, order.CancellationReason)
	}
	if notifyErr != nil {
		s.logger.Error("Failed to notify student",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(notifyErr))
	}

	data := map[string]interface{}{"notified": result.Notification != nil}
	if order.CancellationReason != "" {
		data["reason"] = order.CancellationReason
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionStatusChanged,
		OrderID: order.ID,
		ActorID: req.ShopID,
		From:    previous,
		To:      order.Status,
		Data:    data,
		At:      now,
	})
	return result, nil
}
