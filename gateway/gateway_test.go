package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/example/campuseats/pkg/audit"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/directory"
	"github.com/example/campuseats/pkg/messaging"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/notify"
	"github.com/example/campuseats/pkg/orders"
	"github.com/example/campuseats/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, checks map[string]Checker) *Gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	repo := repository.NewRedisRepository(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { repo.Close() })

	db, err := directory.Open(&config.DirectoryConfig{Driver: "sqlite", Path: ":memory:", MaxIdleConns: 1, MaxOpenConns: 1})
	require.NoError(t, err)
	shops := directory.New(db, zap.NewNop())
	t.Cleanup(func() { shops.Close() })
	_, err = shops.Seed(context.Background(), repo, directory.DefaultShops())
	require.NoError(t, err)

	cfg := &config.Config{ETA: config.ETAConfig{Timezone: "UTC"}}
	logger := zap.NewNop()
	m := metrics.New()
	dispatcher := notify.NewDispatcher(repo, m, logger)

	gw, err := NewGateway(cfg, logger, Deps{
		Orders:        orders.NewService(&cfg.Orders, time.UTC, repo, shops, dispatcher, audit.Discard, m, logger),
		Notifications: dispatcher,
		Messages:      messaging.NewService(repo, shops, audit.Discard, m, logger),
		Metrics:       m,
		Checks:        checks,
	})
	require.NoError(t, err)
	gw.SetupRoutes()
	return gw
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest), w.Body.String())
}

func checkout(requestID string) map[string]interface{} {
	return map[string]interface{}{
		"studentId":   "S100",
		"studentName": "Wei Ling",
		"shopId":      "A1",
		"orderType":   "pickup",
		"total":       9.0,
		"requestId":   requestID,
		"items": []map[string]interface{}{{
			"menuItem": map[string]interface{}{
				"id": "m1", "name": "Chicken Rice", "price": 4.5, "category": "Rice", "preparationTime": 8,
			},
			"quantity": 2,
		}},
	}
}

func placeTestOrder(t *testing.T, h http.Handler) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/orders", checkout("req-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placed orders.Placement
	decode(t, w, &placed)
	return placed.Order.ID
}

func TestPlaceOrderAndDuplicate(t *testing.T) {
	h := newTestGateway(t, nil).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/orders", checkout("req-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first orders.Placement
	decode(t, w, &first)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "pending", string(first.Order.Status))
	assert.Equal(t, "Wei Ling", first.Order.StudentName)

	w = do(t, h, http.MethodPost, "/api/v1/orders", checkout("req-1"))
	require.Equal(t, http.StatusOK, w.Code)
	var second orders.Placement
	decode(t, w, &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	w = do(t, h, http.MethodGet, "/api/v1/orders/"+first.Order.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/students/S100/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Orders []map[string]interface{} `json:"orders"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Orders, 1)
}

func TestPlaceOrderRejections(t *testing.T) {
	h := newTestGateway(t, nil).Handler()

	bad := checkout("")
	bad["orderType"] = "delivery"
	w := do(t, h, http.MethodPost, "/api/v1/orders", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var e errorResponse
	decode(t, w, &e)
	assert.Equal(t, "validation", string(e.Kind))

	unknownShop := checkout("")
	unknownShop["shopId"] = "Z9"
	w = do(t, h, http.MethodPost, "/api/v1/orders", unknownShop)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = do(t, h, http.MethodGet, "/api/v1/orders/ORDER-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	decode(t, w, &e)
	assert.Equal(t, "not_found", string(e.Kind))
}

func TestStatusLifecycleOverHTTP(t *testing.T) {
	h := newTestGateway(t, nil).Handler()
	id := placeTestOrder(t, h)
	path := "/api/v1/orders/" + id + "/status"

	w := do(t, h, http.MethodPut, path, map[string]string{"shopId": "B1", "status": "preparing"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPut, path, map[string]string{"shopId": "A1", "status": "completed"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPut, path, map[string]string{"shopId": "A1", "status": "preparing"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPut, path, map[string]string{"shopId": "A1", "status": "ready"})
	require.Equal(t, http.StatusOK, w.Code)
	var result orders.TransitionResult
	decode(t, w, &result)
	assert.True(t, result.Changed)
	require.NotNil(t, result.Notification)
	assert.Equal(t, "Order Ready for Pickup!", result.Notification.Title)

	w = do(t, h, http.MethodGet, "/api/v1/students/S100/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var feed notify.Feed
	decode(t, w, &feed)
	assert.Equal(t, 1, feed.UnreadCount)
	require.Len(t, feed.Notifications, 1)

	w = do(t, h, http.MethodPost, "/api/v1/students/S100/notifications/"+feed.Notifications[0].ID+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/students/S100/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var marked struct {
		Marked int `json:"marked"`
	}
	decode(t, w, &marked)
	assert.Zero(t, marked.Marked)

	w = do(t, h, http.MethodGet, "/api/v1/shops/A1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dashboard orders.ShopDashboard
	decode(t, w, &dashboard)
	require.Len(t, dashboard.Orders, 1)
	assert.Equal(t, 1, dashboard.Stats.Today.Orders)
}

func TestCancelledViewed(t *testing.T) {
	h := newTestGateway(t, nil).Handler()
	id := placeTestOrder(t, h)

	w := do(t, h, http.MethodPut, "/api/v1/orders/"+id+"/status",
		map[string]string{"shopId": "A1", "status": "cancelled"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPut, "/api/v1/orders/"+id+"/status",
		map[string]string{"shopId": "A1", "status": "cancelled", "cancellationReason": orders.CancellationReasons[0]})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/shops/A1/cancelled/viewed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var viewed struct {
		ViewedCount int `json:"viewedCount"`
	}
	decode(t, w, &viewed)
	assert.Equal(t, 1, viewed.ViewedCount)
}

func TestMessagingOverHTTP(t *testing.T) {
	h := newTestGateway(t, nil).Handler()
	id := placeTestOrder(t, h)
	path := "/api/v1/orders/" + id + "/messages"

	w := do(t, h, http.MethodPost, path, map[string]string{"senderId": "S100", "senderType": "student", "message": "hi"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, path, map[string]string{"senderId": "A1", "senderType": "shop", "message": "Out of egg, ok?"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, path, map[string]string{"senderId": "S100", "senderType": "student", "message": "ok"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var thread struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	decode(t, w, &thread)
	assert.Len(t, thread.Messages, 2)

	w = do(t, h, http.MethodGet, "/api/v1/students/S100/messages/unread", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary messaging.UnreadSummary
	decode(t, w, &summary)
	assert.Equal(t, 1, summary.UnreadByOrder[id])

	w = do(t, h, http.MethodGet, "/api/v1/shops/A1/messages/unread", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &summary)
	assert.Equal(t, 1, summary.UnreadByOrder[id])

	w = do(t, h, http.MethodPost, path+"/read", map[string]string{"readerId": "B1", "readerRole": "shop"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPost, path+"/read", map[string]string{"readerId": "S100", "readerRole": "student"})
	require.Equal(t, http.StatusOK, w.Code)
	var marked struct {
		Marked int `json:"marked"`
	}
	decode(t, w, &marked)
	assert.Equal(t, 1, marked.Marked)
}

func TestEstimateAndReasons(t *testing.T) {
	h := newTestGateway(t, nil).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/orders/estimate", map[string]interface{}{"items": checkout("")["items"]})
	require.Equal(t, http.StatusOK, w.Code)
	var est struct {
		Breakdown struct {
			Total int `json:"total"`
		} `json:"breakdown"`
		EstimatedReadyTime time.Time `json:"estimatedReadyTime"`
	}
	decode(t, w, &est)
	assert.Positive(t, est.Breakdown.Total)
	assert.True(t, est.EstimatedReadyTime.After(time.Now()))

	w = do(t, h, http.MethodPost, "/api/v1/orders/estimate", map[string]interface{}{"items": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/cancellation-reasons", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reasons struct {
		Reasons []string `json:"reasons"`
	}
	decode(t, w, &reasons)
	assert.Equal(t, orders.CancellationReasons, reasons.Reasons)
}

func TestHistoryWithoutAuditStore(t *testing.T) {
	h := newTestGateway(t, nil).Handler()
	id := placeTestOrder(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/orders/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := newTestGateway(t, map[string]Checker{
		"redis": func(context.Context) error { return nil },
	}).Handler()
	w := do(t, healthy, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, healthy, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	degraded := newTestGateway(t, map[string]Checker{
		"redis":     func(context.Context) error { return nil },
		"directory": func(context.Context) error { return errors.New("database is locked") },
	}).Handler()
	w = do(t, degraded, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["redis"])
}

type fakeHistory struct {
	logs []*repository.AuditLog
}

func (f fakeHistory) GetAuditLogs(_ context.Context, entityID string, limit int64) ([]*repository.AuditLog, error) {
	var out []*repository.AuditLog
	for _, l := range f.logs {
		if l.EntityID == entityID && int64(len(out)) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestHistoryFromAuditStore(t *testing.T) {
	gw := newTestGateway(t, nil)
	h := gw.Handler()
	id := placeTestOrder(t, h)
	gw.history = fakeHistory{logs: []*repository.AuditLog{
		{EntityID: id, Action: audit.ActionOrderPlaced, ToStatus: "pending"},
		{EntityID: "ORDER-other", Action: audit.ActionOrderPlaced},
	}}

	w := do(t, h, http.MethodGet, "/api/v1/orders/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []repository.AuditLog `json:"events"`
	}
	decode(t, w, &body)
	require.Len(t, body.Events, 1)
	assert.Equal(t, audit.ActionOrderPlaced, body.Events[0].Action)

	w = do(t, h, http.MethodGet, "/api/v1/orders/ORDER-missing/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
