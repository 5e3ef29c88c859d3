package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/directory"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/notify"
	"github.com/example/campuseats/pkg/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDirectory map[string]bool

func (f fakeDirectory) Lookup(_ context.Context, id string) (*models.Shop, error) {
	open, ok := f[id]
	if !ok {
		return nil, directory.ErrShopNotFound
	}
	return &models.Shop{ID: id, Name: "Shop " + id, IsOpen: open}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	mr       *miniredis.Miniredis
	svc      *Service
	repo     *repository.RedisRepository
	notifier *notify.Dispatcher
	metrics  *metrics.Metrics
	audit    *recorder
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	repo := repository.NewRedisRepository(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { repo.Close() })

	m := metrics.New()
	dispatcher := notify.NewDispatcher(repo, m, zap.NewNop())
	rec := &recorder{}
	svc := NewService(&config.OrdersConfig{}, time.UTC, repo,
		fakeDirectory{"A1": true, "B2": true, "IFL-3": false},
		dispatcher, rec, m, zap.NewNop())

	c := &clock{t: time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)}
	svc.now = c.now
	return &fixture{mr: mr, svc: svc, repo: repo, notifier: dispatcher, metrics: m, audit: rec, clock: c}
}

func item(id, category string, price float64, prep, qty int) models.LineItem {
	return models.LineItem{
		MenuItem: models.MenuItemSnapshot{ID: id, Name: id, Price: price, Category: category, PreparationTime: prep},
		Quantity: qty,
	}
}

func request(student, shop string, total float64) *PlaceRequest {
	return &PlaceRequest{
		StudentID:   student,
		StudentName: "Ana",
		ShopID:      shop,
		Items:       []models.LineItem{item("rice", "Rice", 5, 10, 1), item("tea", "Drinks", 2.5, 2, 2)},
		Total:       total,
		OrderType:   models.OrderTypePickup,
	}
}

func (f *fixture) place(t *testing.T, req *PlaceRequest) *models.Order {
	t.Helper()
	p, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	require.False(t, p.Duplicate)
	return p.Order
}

func (f *fixture) transition(orderID, shopID string, status models.OrderStatus, reason string) (*TransitionResult, error) {
	return f.svc.TransitionOrder(context.Background(), &TransitionRequest{
		OrderID: orderID, ShopID: shopID, Status: status, Reason: reason,
	})
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := &PlaceRequest{
		StudentID: "s1",
		ShopID:    "A1",
		Items: []models.LineItem{
			item("noodles", "Noodles", 4, 5, 2),
			item("soup", "Soup", 3, 8, 2),
			item("juice", "Drinks", 1.5, 3, 4),
		},
		Total:     19.99,
		OrderType: models.OrderTypeDineIn,
	}
	p, err := f.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	order := p.Order

	assert.False(t, p.Duplicate)
	assert.Contains(t, order.ID, "ORDER-")
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Equal(t, "Unknown", order.StudentName)
	assert.Equal(t, 19.99, order.Total)
	assert.True(t, order.CreatedAt.Equal(f.clock.t))
	// 3 base + 8 prep + 4 quantity + 0 peak + 3 categories
	assert.True(t, order.EstimatedReadyTime.Equal(f.clock.t.Add(18*time.Minute)))

	shopIDs, err := f.repo.Range(ctx, repository.ShopOrdersKey("A1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{order.ID}, shopIDs)
	studentIDs, err := f.repo.Range(ctx, repository.StudentOrdersKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{order.ID}, studentIDs)

	assert.Equal(t, []string{audit.ActionOrderPlaced}, f.audit.actions())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OrdersPlaced.WithLabelValues("A1", "dine-in")))
}

func TestPlaceOrder_PeakHourUsesConfiguredLocation(t *testing.T) {
	f := newFixture(t)
	loc := time.FixedZone("UTC+8", 8*3600)
	f.svc.loc = loc
	// 04:00 UTC is 12:00 in UTC+8, inside the lunch rush
	f.clock.t = time.Date(2025, 3, 12, 4, 0, 0, 0, time.UTC)

	req := request("s1", "A1", 10)
	req.Items = []models.LineItem{item("rice", "Rice", 10, 10, 1)}
	order := f.place(t, req)

	assert.True(t, order.EstimatedReadyTime.Equal(f.clock.t.Add(18*time.Minute)))
}

func TestPlaceOrder_DedupWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.place(t, request("s1", "A1", 10))

	f.clock.advance(3 * time.Second)
	retry, err := f.svc.PlaceOrder(ctx, request("s1", "A1", 10.004))
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.ID, retry.Order.ID)

	ids, err := f.repo.Range(ctx, repository.StudentOrdersKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// a different total is a different order
	other := f.place(t, request("s1", "A1", 7.5))
	assert.NotEqual(t, first.ID, other.ID)

	// same total at another shop is a different order
	elsewhere := f.place(t, request("s1", "B2", 10))
	assert.NotEqual(t, first.ID, elsewhere.ID)

	// outside the window the same cart is a new order
	f.clock.advance(5 * time.Second)
	later := f.place(t, request("s1", "A1", 10))
	assert.NotEqual(t, first.ID, later.ID)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DuplicatePlacement.WithLabelValues("window")))
}

func TestPlaceOrder_RequestID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := request("s1", "A1", 10)
	req.RequestID = "checkout-42"
	first := f.place(t, req)

	// a retry long after the heuristic window still resolves
	f.clock.advance(time.Minute)
	again, err := f.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ID, again.Order.ID)

	// another student may reuse the same request id
	other := request("s2", "A1", 10)
	other.RequestID = "checkout-42"
	second := f.place(t, other)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPlaceOrder_RequestIDClaimHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := repository.PlacementKey("s1", "rid")

	req := request("s1", "A1", 10)
	req.RequestID = "rid"

	// claimed by a placement whose order is not saved yet
	require.NoError(t, f.repo.Set(ctx, key, "ORDER-inflight", pendingClaimTTL))
	_, err := f.svc.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))

	claim, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "ORDER-inflight", claim)
	ids, err := f.repo.Range(ctx, repository.StudentOrdersKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// the holder finishes while the copy is waiting
	inflight := &models.Order{ID: "ORDER-inflight", StudentID: "s1", ShopID: "A1", Total: 10, CreatedAt: f.clock.t}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.repo.SaveOrder(context.Background(), inflight)
	}()
	p, err := f.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, p.Duplicate)
	assert.Equal(t, "ORDER-inflight", p.Order.ID)
}

func TestPlaceOrder_OrphanedClaimExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := repository.PlacementKey("s1", "rid")

	require.NoError(t, f.repo.Set(ctx, key, "ORDER-abandoned", pendingClaimTTL))
	f.mr.FastForward(pendingClaimTTL + time.Second)

	req := request("s1", "A1", 10)
	req.RequestID = "rid"
	order := f.place(t, req)

	claim, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, order.ID, claim)
	assert.Equal(t, defaultRequestIDTTL, f.mr.TTL(key))
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *PlaceRequest)
	}{
		{"empty cart", func(r *PlaceRequest) { r.Items = nil }},
		{"missing student", func(r *PlaceRequest) { r.StudentID = "" }},
		{"missing shop", func(r *PlaceRequest) { r.ShopID = "" }},
		{"unknown shop", func(r *PlaceRequest) { r.ShopID = "Z9" }},
		{"closed shop", func(r *PlaceRequest) { r.ShopID = "IFL-3" }},
		{"bad order type", func(r *PlaceRequest) { r.OrderType = "delivery" }},
		{"zero quantity", func(r *PlaceRequest) { r.Items[0].Quantity = 0 }},
		{"negative total", func(r *PlaceRequest) { r.Total = -1 }},
		{"total above prices", func(r *PlaceRequest) { r.Total = 10.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("s1", "A1", 10)
			tt.mutate(req)
			_, err := f.svc.PlaceOrder(ctx, req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	ids, err := f.repo.Range(ctx, repository.StudentOrdersKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPlaceOrder_DiscountedTotalAccepted(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, request("s1", "A1", 8))
	assert.Equal(t, 8.0, order.Total)
}

func TestTransition_HappyPath(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, request("s1", "A1", 10))

	for _, next := range []models.OrderStatus{models.StatusPreparing, models.StatusReady, models.StatusCompleted} {
		f.clock.advance(time.Minute)
		res, err := f.transition(order.ID, "A1", next, "")
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, next, res.Order.Status)
		assert.True(t, res.Order.UpdatedAt.Equal(f.clock.t))
	}

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.True(t, stored.EstimatedReadyTime.Equal(order.EstimatedReadyTime))
}

func TestTransition_ReadyTwiceNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, request("s1", "A1", 10))

	_, err := f.transition(order.ID, "A1", models.StatusPreparing, "")
	require.NoError(t, err)

	res, err := f.transition(order.ID, "A1", models.StatusReady, "")
	require.NoError(t, err)
	require.NotNil(t, res.Notification)
	assert.Equal(t, models.NotificationOrderReady, res.Notification.Type)

	res, err = f.transition(order.ID, "A1", models.StatusReady, "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Nil(t, res.Notification)

	feed, err := f.notifier.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, feed.Notifications, 1)
}

func TestTransition_CancelWithReason(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, request("s1", "A1", 10))

	res, err := f.transition(order.ID, "A1", models.StatusCancelled, "Out of ingredients")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, res.Order.Status)
	assert.Equal(t, "Out of ingredients", res.Order.CancellationReason)
	require.NotNil(t, res.Order.CancelledAt)
	assert.True(t, res.Order.CancelledAt.Equal(f.clock.t))

	feed, err := f.notifier.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, feed.Notifications, 1)
	assert.Equal(t, models.NotificationOrderCancelled, feed.Notifications[0].Type)
	assert.Contains(t, feed.Notifications[0].Message, "Out of ingredients")

	// re-applying the cancellation changes nothing and notifies nobody
	res, err = f.transition(order.ID, "A1", models.StatusCancelled, "Staff shortage")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "Out of ingredients", res.Order.CancellationReason)

	feed, err = f.notifier.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, feed.Notifications, 1)
}

func TestTransition_IllegalEdgesLeaveOrderUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ready := f.place(t, request("s1", "A1", 10))
	_, err := f.transition(ready.ID, "A1", models.StatusPreparing, "")
	require.NoError(t, err)
	_, err = f.transition(ready.ID, "A1", models.StatusReady, "")
	require.NoError(t, err)

	_, err = f.transition(ready.ID, "A1", models.StatusPreparing, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = f.transition(ready.ID, "A1", models.StatusCancelled, "Customer request")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := f.svc.GetOrder(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)

	_, err = f.transition(ready.ID, "A1", models.StatusCompleted, "")
	require.NoError(t, err)
	for _, next := range []models.OrderStatus{models.StatusPending, models.StatusPreparing, models.StatusReady, models.StatusCancelled} {
		_, err = f.transition(ready.ID, "A1", next, "Customer request")
		assert.ErrorIs(t, err, apperr.ErrConflict, "completed -> %s", next)
	}

	f.clock.advance(10 * time.Second)
	cancelled := f.place(t, request("s1", "A1", 10))
	_, err = f.transition(cancelled.ID, "A1", models.StatusCancelled, "Duplicate order")
	require.NoError(t, err)
	for _, next := range []models.OrderStatus{models.StatusPending, models.StatusPreparing, models.StatusReady, models.StatusCompleted} {
		_, err = f.transition(cancelled.ID, "A1", next, "")
		assert.ErrorIs(t, err, apperr.ErrConflict, "cancelled -> %s", next)
	}

	stored, err = f.svc.GetOrder(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestTransition_Errors(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, request("s1", "A1", 10))

	_, err := f.transition(order.ID, "B2", models.StatusPreparing, "")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = f.transition("ORDER-missing", "A1", models.StatusPreparing, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.transition(order.ID, "A1", models.StatusCancelled, "   ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.transition(order.ID, "A1", models.OrderStatus("eaten"), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatusPending, models.StatusPreparing))
	assert.True(t, CanTransition(models.StatusPending, models.StatusCancelled))
	assert.True(t, CanTransition(models.StatusPreparing, models.StatusCancelled))
	assert.False(t, CanTransition(models.StatusPending, models.StatusReady))
	assert.False(t, CanTransition(models.StatusReady, models.StatusCancelled))
	assert.False(t, CanTransition(models.StatusCompleted, models.StatusPending))
}

func TestListShopOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.t

	early := f.place(t, request("s1", "A1", 10))
	f.clock.advance(time.Minute)
	cancelled := f.place(t, request("s2", "A1", 10))
	f.clock.advance(time.Minute)
	done := f.place(t, request("s3", "A1", 9))
	f.clock.advance(time.Minute)
	fresh := f.place(t, request("s4", "A1", 8))

	_, err := f.transition(cancelled.ID, "A1", models.StatusCancelled, "Staff shortage")
	require.NoError(t, err)
	for _, st := range []models.OrderStatus{models.StatusPreparing, models.StatusReady, models.StatusCompleted} {
		_, err = f.transition(done.ID, "A1", st, "")
		require.NoError(t, err)
	}

	// early is due at start+13m, fresh at start+16m
	f.clock.t = start.Add(19 * time.Minute)
	dash, err := f.svc.ListShopOrders(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, dash.Orders, 4)

	assert.Equal(t, early.ID, dash.Orders[0].ID)
	assert.Equal(t, 6, dash.Orders[0].LateMinutes)
	assert.Equal(t, fresh.ID, dash.Orders[1].ID)
	assert.Equal(t, 3, dash.Orders[1].LateMinutes)
	assert.Equal(t, done.ID, dash.Orders[2].ID)
	assert.Equal(t, cancelled.ID, dash.Orders[3].ID)
	assert.Zero(t, dash.Orders[3].LateMinutes)
	assert.True(t, dash.Orders[3].IsNewCancellation)

	assert.Equal(t, 4, dash.Stats.Today.Orders)
	assert.Equal(t, 9.0, dash.Stats.Today.Revenue)
	assert.Equal(t, 2, dash.Stats.Pending)
	assert.Equal(t, 1, dash.Stats.Completed)

	n, err := f.svc.MarkCancelledViewed(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dash, err = f.svc.ListShopOrders(ctx, "A1")
	require.NoError(t, err)
	for _, o := range dash.Orders {
		assert.False(t, o.IsNewCancellation)
	}
}

func TestListStudentOrders(t *testing.T) {
	f := newFixture(t)
	first := f.place(t, request("s1", "A1", 10))
	f.clock.advance(time.Minute)
	second := f.place(t, request("s1", "B2", 10))

	orders, err := f.svc.ListStudentOrders(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)

	orders, err = f.svc.ListStudentOrders(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRebuildIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.place(t, request("s1", "A1", 10))
	f.clock.advance(time.Minute)
	b := f.place(t, request("s1", "B2", 10))
	require.NoError(t, f.repo.SaveMessage(ctx, &models.Message{ID: "m1", OrderID: b.ID, SenderType: models.SenderShop}))

	_, err := f.transition(a.ID, "A1", models.StatusCancelled, CancellationReasons[0])
	require.NoError(t, err)
	_, err = f.svc.MarkCancelledViewed(ctx, "A1")
	require.NoError(t, err)
	_, err = f.repo.AppendUnique(ctx, repository.ShopViewedCancelledKey("A1"), "ORDER-gone")
	require.NoError(t, err)

	base := f.clock.t
	require.NoError(t, f.repo.SaveNotification(ctx, &models.Notification{ID: "n-old", StudentID: "s2", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, f.repo.SaveNotification(ctx, &models.Notification{ID: "n-new", StudentID: "s2", CreatedAt: base}))

	require.NoError(t, f.repo.Del(ctx,
		repository.ShopOrdersKey("A1"),
		repository.StudentOrdersKey("s1"),
		repository.StudentUnreadKey("s1"),
		repository.StudentNotificationsKey("s1"),
		repository.StudentNotificationsKey("s2")))

	report, err := f.svc.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RebuildReport{
		Orders: 2, Shops: 2, Students: 1, UnreadThreads: 1, Notifications: 3, ViewedPruned: 1,
	}, report)

	ids, err := f.repo.Range(ctx, repository.StudentOrdersKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids)

	ids, err = f.repo.Range(ctx, repository.ShopOrdersKey("A1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	ids, err = f.repo.Range(ctx, repository.StudentUnreadKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)

	ids, err = f.repo.Range(ctx, repository.ShopViewedCancelledKey("A1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	ids, err = f.repo.Range(ctx, repository.StudentNotificationsKey("s2"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-new", "n-old"}, ids)

	feed, err := f.notifier.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, feed.Notifications, 1)
	assert.Equal(t, models.NotificationOrderCancelled, feed.Notifications[0].Type)
}
