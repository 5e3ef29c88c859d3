// Package notify turns order transitions into per-student notification
// records and exposes the read/unread contract the notification bell polls.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FeedSize is how many notifications List returns.
const FeedSize = 20

type Store interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	GetNotifications(ctx context.Context, ids []string) ([]*models.Notification, error)
	Prepend(ctx context.Context, key, id string) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Feed is a student's notification list as the bell shows it.
type Feed struct {
	Notifications []*models.Notification `json:"notifications"`
	UnreadCount   int                    `json:"unreadCount"`
}

type Dispatcher struct {
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(store Store, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// OrderReady records the pickup notification for order's student.
func (d *Dispatcher) OrderReady(ctx context.Context, order *models.Order) (*models.Notification, error) {
	return d.create(ctx, order, models.NotificationOrderReady,
		"Order Ready for Pickup!",
		fmt.Sprintf("Your order from %s is ready for %s", order.ShopID, order.OrderType))
}

// OrderCancelled records the cancellation notice, quoting reason.
func (d *Dispatcher) OrderCancelled(ctx context.Context, order *models.Order, reason string) (*models.Notification, error) {
	msg := fmt.Sprintf("Your order from %s was cancelled", order.ShopID)
	if reason != "" {
		msg = fmt.Sprintf("%s. Reason: %s", msg, reason)
	}
	return d.create(ctx, order, models.NotificationOrderCancelled, "Order Cancelled", msg)
}

func (d *Dispatcher) create(ctx context.Context, order *models.Order, typ models.NotificationType, title, msg string) (*models.Notification, error) {
	const op = "notify.create"

	n := &models.Notification{
		ID:        "NOTIF-" + uuid.NewString(),
		StudentID: order.StudentID,
		OrderID:   order.ID,
		Type:      typ,
		Title:     title,
		Message:   msg,
		CreatedAt: d.now(),
	}
	if err := d.store.SaveNotification(ctx, n); err != nil {
		return nil, apperr.Transient(op, err)
	}
	if err := d.store.Prepend(ctx, repository.StudentNotificationsKey(order.StudentID), n.ID); err != nil {
		return nil, apperr.Transient(op, err)
	}

	d.metrics.Notifications.WithLabelValues(string(typ)).Inc()
	d.logger.Info("Notification created",
		zap.String("notification_id", n.ID),
		zap.String("student_id", n.StudentID),
		zap.String("order_id", n.OrderID),
		zap.String("type", string(typ)))
	return n, nil
}

// List returns the newest FeedSize notifications and the student's total
// unread count.
func (d *Dispatcher) List(ctx context.Context, studentID string) (*Feed, error) {
	const op = "notify.List"
	if studentID == "" {
		return nil, apperr.Validation(op, "student id is required")
	}

	all, err := d.all(ctx, studentID)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	feed := &Feed{Notifications: all}
	if len(all) > FeedSize {
		feed.Notifications = all[:FeedSize]
	}
	for _, n := range all {
		if !n.Read {
			feed.UnreadCount++
		}
	}
	return feed, nil
}

func (d *Dispatcher) all(ctx context.Context, studentID string) ([]*models.Notification, error) {
	ids, err := d.store.Range(ctx, repository.StudentNotificationsKey(studentID), 0, -1)
	if err != nil {
		return nil, err
	}
	notifications, err := d.store.GetNotifications(ctx, ids)
	if err != nil {
		return nil, err
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}
	return notifications, nil
}

// MarkRead flips one notification to read. Only its owner may do so.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, studentID string) (*models.Notification, error) {
	const op = "notify.MarkRead"
	if notificationID == "" || studentID == "" {
		return nil, apperr.Validation(op, "notification id and student id are required")
	}

	n, err := d.store.GetNotification(ctx, notificationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(op, "notification %s not found", notificationID)
	}
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if n.StudentID != studentID {
		return nil, apperr.Unauthorized(op, "notification does not belong to this student")
	}
	if n.Read {
		return n, nil
	}

	n.Read = true
	if err := d.store.SaveNotification(ctx, n); err != nil {
		return nil, apperr.Transient(op, err)
	}
	return n, nil
}

// MarkAllRead flips every unread notification of the student and returns
// how many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, studentID string) (int, error) {
	const op = "notify.MarkAllRead"
	if studentID == "" {
		return 0, apperr.Validation(op, "student id is required")
	}

	all, err := d.all(ctx, studentID)
	if err != nil {
		return 0, apperr.Transient(op, err)
	}

	marked := 0
	for _, n := range all {
		if n.Read {
			continue
		}
		n.Read = true
		if err := d.store.SaveNotification(ctx, n); err != nil {
			return marked, apperr.Transient(op, err)
		}
		marked++
	}
	return marked, nil
}
