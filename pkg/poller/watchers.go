// Package poller is the client half of the sync protocol. Clients re-fetch
// their views on a fixed interval and the watchers here decide which changes
// are new, so a repeated fetch never raises the same alert twice.
package poller

import (
	"sort"
	"sync"

	"github.com/example/campuseats/pkg/messaging"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/orders"
)

// NotificationWatcher remembers which notifications were already surfaced.
type NotificationWatcher struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewNotificationWatcher() *NotificationWatcher {
	return &NotificationWatcher{seen: make(map[string]struct{})}
}

// Diff returns the unread notifications in list that were not returned by an
// earlier call.
func (w *NotificationWatcher) Diff(list []*models.Notification) []*models.Notification {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []*models.Notification
	for _, n := range list {
		if n.Read {
			continue
		}
		if _, ok := w.seen[n.ID]; ok {
			continue
		}
		w.seen[n.ID] = struct{}{}
		fresh = append(fresh, n)
	}
	return fresh
}

// MessageAlert says an order thread gained unread messages since last poll.
type MessageAlert struct {
	OrderID     string
	NewMessages int
	ShopName    string
	StudentName string
}

// MessageWatcher keeps the last unread count per order and only reacts to
// increases.
type MessageWatcher struct {
	mu   sync.Mutex
	last map[string]int
}

func NewMessageWatcher() *MessageWatcher {
	return &MessageWatcher{last: make(map[string]int)}
}

func (w *MessageWatcher) Diff(summary *messaging.UnreadSummary) []MessageAlert {
	w.mu.Lock()
	defer w.mu.Unlock()

	var alerts []MessageAlert
	for orderID, count := range summary.UnreadByOrder {
		prev := w.last[orderID]
		if count <= prev {
			continue
		}
		detail := summary.OrderDetails[orderID]
		alerts = append(alerts, MessageAlert{
			OrderID:     orderID,
			NewMessages: count - prev,
			ShopName:    detail.ShopName,
			StudentName: detail.StudentName,
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].OrderID < alerts[j].OrderID })

	w.last = make(map[string]int, len(summary.UnreadByOrder))
	for orderID, count := range summary.UnreadByOrder {
		w.last[orderID] = count
	}
	return alerts
}

// StatusChange is an order observed in a different status than last poll.
type StatusChange struct {
	OrderID string
	From    models.OrderStatus
	To      models.OrderStatus
}

// OrderWatcher backs the student order tracker. The first sighting of an
// order is recorded silently.
type OrderWatcher struct {
	mu   sync.Mutex
	last map[string]models.OrderStatus
}

func NewOrderWatcher() *OrderWatcher {
	return &OrderWatcher{last: make(map[string]models.OrderStatus)}
}

func (w *OrderWatcher) Diff(orders []*models.Order) []StatusChange {
	w.mu.Lock()
	defer w.mu.Unlock()

	var changes []StatusChange
	for _, o := range orders {
		prev, known := w.last[o.ID]
		w.last[o.ID] = o.Status
		if known && prev != o.Status {
			changes = append(changes, StatusChange{OrderID: o.ID, From: prev, To: o.Status})
		}
	}
	return changes
}

// DashboardAlerts is what changed on the seller dashboard since last poll.
type DashboardAlerts struct {
	NewOrders     []string
	Cancellations []string
}

func (a DashboardAlerts) Empty() bool {
	return len(a.NewOrders) == 0 && len(a.Cancellations) == 0
}

// DashboardWatcher backs the seller dashboard. Orders present on the first
// poll are taken as already known; a cancellation alerts once while the
// shop has not marked it viewed.
type DashboardWatcher struct {
	mu        sync.Mutex
	primed    bool
	known     map[string]struct{}
	cancelled map[string]struct{}
}

func NewDashboardWatcher() *DashboardWatcher {
	return &DashboardWatcher{
		known:     make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
	}
}

func (w *DashboardWatcher) Diff(dashboard *orders.ShopDashboard) DashboardAlerts {
	w.mu.Lock()
	defer w.mu.Unlock()

	var alerts DashboardAlerts
	for _, o := range dashboard.Orders {
		if _, ok := w.known[o.ID]; !ok {
			w.known[o.ID] = struct{}{}
			if w.primed && o.Status == models.StatusPending {
				alerts.NewOrders = append(alerts.NewOrders, o.ID)
			}
		}
		if !o.IsNewCancellation {
			continue
		}
		if _, ok := w.cancelled[o.ID]; ok {
			continue
		}
		w.cancelled[o.ID] = struct{}{}
		alerts.Cancellations = append(alerts.Cancellations, o.ID)
	}
	w.primed = true
	sort.Strings(alerts.NewOrders)
	sort.Strings(alerts.Cancellations)
	return alerts
}
