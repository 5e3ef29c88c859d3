// Package messaging implements the per-order chat between a shop and the
// student who placed the order, with unread tracking for both sides.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrders(ctx context.Context, ids []string) ([]*models.Order, error)
	SaveMessage(ctx context.Context, m *models.Message) error
	GetMessages(ctx context.Context, orderID string) ([]*models.Message, error)
	UpdateMessages(ctx context.Context, orderID string, fn func(*models.Message) bool) (int, error)
	AppendUnique(ctx context.Context, key, id string) (bool, error)
	Remove(ctx context.Context, key, id string) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Shops resolves display names for unread summaries.
type Shops interface {
	Lookup(ctx context.Context, shopID string) (*models.Shop, error)
}

// OrderDetail is what a client needs to label an unread thread.
type OrderDetail struct {
	ShopName    string `json:"shopName"`
	StudentName string `json:"studentName"`
}

type UnreadSummary struct {
	Count         int                    `json:"count"`
	OrderIDs      []string               `json:"orderIds"`
	UnreadByOrder map[string]int         `json:"unreadByOrder"`
	OrderDetails  map[string]OrderDetail `json:"orderDetails"`
}

func newSummary() *UnreadSummary {
	return &UnreadSummary{
		OrderIDs:      []string{},
		UnreadByOrder: map[string]int{},
		OrderDetails:  map[string]OrderDetail{},
	}
}

type Service struct {
	store   Store
	shops   Shops
	audit   audit.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(store Store, shops Shops, rec audit.Recorder, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		shops:   shops,
		audit:   rec,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Service) loadOrder(ctx context.Context, op, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(op, "order %s not found", orderID)
	}
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return order, nil
}

// Send appends a message to the order's thread. Students may only reply once
// the shop has written at least once.
func (s *Service) Send(ctx context.Context, orderID, senderID string, senderType models.SenderType, text string) (*models.Message, error) {
	const op = "messaging.Send"

	text = strings.TrimSpace(text)
	if orderID == "" || senderID == "" || text == "" {
		return nil, apperr.Validation(op, "order id, sender id and message are required")
	}
	if !senderType.Valid() {
		return nil, apperr.Validation(op, "sender type must be shop or student")
	}

	order, err := s.loadOrder(ctx, op, orderID)
	if err != nil {
		return nil, err
	}

	switch senderType {
	case models.SenderShop:
		if order.ShopID != senderID {
			return nil, apperr.Unauthorized(op, "order belongs to another shop")
		}
	case models.SenderStudent:
		if order.StudentID != senderID {
			return nil, apperr.Unauthorized(op, "order belongs to another student")
		}
	}
	if order.Status.Terminal() {
		return nil, apperr.Conflict(op, "order is %s, chat is closed", order.Status)
	}

	if senderType == models.SenderStudent {
		thread, err := s.store.GetMessages(ctx, orderID)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if !hasShopMessage(thread) {
			return nil, apperr.Conflict(op, "the shop has not started this conversation")
		}
	}

	msg := &models.Message{
		ID:            "MSG-" + uuid.NewString(),
		OrderID:       orderID,
		SenderID:      senderID,
		SenderType:    senderType,
		Message:       text,
		Timestamp:     s.now(),
		ReadByShop:    senderType == models.SenderShop,
		ReadByStudent: senderType == models.SenderStudent,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, apperr.Transient(op, err)
	}

	if senderType == models.SenderShop {
		if _, err := s.store.AppendUnique(ctx, repository.StudentUnreadKey(order.StudentID), orderID); err != nil {
			return nil, apperr.Transient(op, err)
		}
	}

	s.metrics.Messages.WithLabelValues(string(senderType)).Inc()
	s.audit.Record(audit.Event{
		Action:  audit.ActionMessageSent,
		OrderID: orderID,
		ActorID: senderID,
		Data:    map[string]interface{}{"message_id": msg.ID, "sender_type": string(senderType)},
		At:      msg.Timestamp,
	})
	s.logger.Info("Message sent",
		zap.String("order_id", orderID),
		zap.String("sender_id", senderID),
		zap.String("sender_type", string(senderType)))
	return msg, nil
}

func hasShopMessage(thread []*models.Message) bool {
	for _, m := range thread {
		if m.SenderType == models.SenderShop {
			return true
		}
	}
	return false
}

// List returns the thread in the order messages were sent.
func (s *Service) List(ctx context.Context, orderID string) ([]*models.Message, error) {
	const op = "messaging.List"
	if orderID == "" {
		return nil, apperr.Validation(op, "order id is required")
	}
	if _, err := s.loadOrder(ctx, op, orderID); err != nil {
		return nil, err
	}

	thread, err := s.store.GetMessages(ctx, orderID)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if thread == nil {
		thread = []*models.Message{}
	}
	return thread, nil
}

// MarkThreadRead marks the other side's messages read for the reader. For a
// student it also drops the order from their unread list, however many
// messages were unread.
func (s *Service) MarkThreadRead(ctx context.Context, orderID string, role models.SenderType, readerID string) (int, error) {
	const op = "messaging.MarkThreadRead"
	if orderID == "" || readerID == "" {
		return 0, apperr.Validation(op, "order id and reader id are required")
	}
	if !role.Valid() {
		return 0, apperr.Validation(op, "reader role must be shop or student")
	}

	order, err := s.loadOrder(ctx, op, orderID)
	if err != nil {
		return 0, err
	}

	var flip func(*models.Message) bool
	switch role {
	case models.SenderStudent:
		if order.StudentID != readerID {
			return 0, apperr.Unauthorized(op, "order belongs to another student")
		}
		flip = func(m *models.Message) bool {
			if m.SenderType != models.SenderShop || m.ReadByStudent {
				return false
			}
			m.ReadByStudent = true
			return true
		}
	case models.SenderShop:
		if order.ShopID != readerID {
			return 0, apperr.Unauthorized(op, "order belongs to another shop")
		}
		flip = func(m *models.Message) bool {
			if m.SenderType != models.SenderStudent || m.ReadByShop {
				return false
			}
			m.ReadByShop = true
			return true
		}
	}

	n, err := s.store.UpdateMessages(ctx, orderID, flip)
	if err != nil {
		return 0, apperr.Transient(op, err)
	}
	if role == models.SenderStudent {
		if err := s.store.Remove(ctx, repository.StudentUnreadKey(readerID), orderID); err != nil {
			return n, apperr.Transient(op, err)
		}
	}
	return n, nil
}

// StudentUnread reads the student's unread-order index and counts the shop
// messages still unread in each thread. Count covers only indexed orders
// that still have a record.
func (s *Service) StudentUnread(ctx context.Context, studentID string) (*UnreadSummary, error) {
	const op = "messaging.StudentUnread"
	if studentID == "" {
		return nil, apperr.Validation(op, "student id is required")
	}

	ids, err := s.store.Range(ctx, repository.StudentUnreadKey(studentID), 0, -1)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	orders, err := s.store.GetOrders(ctx, ids)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	// ids without an order record are left out of the summary
	summary := newSummary()
	for _, order := range orders {
		summary.OrderIDs = append(summary.OrderIDs, order.ID)
		n, err := s.countUnread(ctx, order.ID, models.SenderShop)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if n == 0 {
			continue
		}
		summary.UnreadByOrder[order.ID] = n
		summary.OrderDetails[order.ID] = s.detail(ctx, order, "Student")
	}
	summary.Count = len(summary.OrderIDs)
	return summary, nil
}

// ShopUnread scans every order of the shop for unread student messages.
// Cost grows with orders times messages.
func (s *Service) ShopUnread(ctx context.Context, shopID string) (*UnreadSummary, error) {
	const op = "messaging.ShopUnread"
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

	summary := newSummary()
	for _, order := range orders {
		n, err := s.countUnread(ctx, order.ID, models.SenderStudent)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if n == 0 {
			continue
		}
		summary.OrderIDs = append(summary.OrderIDs, order.ID)
		summary.UnreadByOrder[order.ID] = n
		summary.OrderDetails[order.ID] = s.detail(ctx, order, order.StudentID)
	}
	summary.Count = len(summary.OrderIDs)
	return summary, nil
}

// countUnread counts messages from `from` the other side has not read.
func (s *Service) countUnread(ctx context.Context, orderID string, from models.SenderType) (int, error) {
	thread, err := s.store.GetMessages(ctx, orderID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range thread {
		if m.SenderType != from {
			continue
		}
		if (from == models.SenderShop && !m.ReadByStudent) || (from == models.SenderStudent && !m.ReadByShop) {
			n++
		}
	}
	return n, nil
}

func (s *Service) detail(ctx context.Context, order *models.Order, fallbackStudent string) OrderDetail {
	d := OrderDetail{ShopName: order.ShopID, StudentName: order.StudentName}
	if d.StudentName == "" {
		d.StudentName = fallbackStudent
	}
	if s.shops == nil {
		return d
	}
	shop, err := s.shops.Lookup(ctx, order.ShopID)
	if err != nil {
		s.logger.Debug("Shop name lookup failed", zap.String("shop_id", order.ShopID), zap.Error(err))
		return d
	}
	d.ShopName = shop.Name
	return d
}
