package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/campuseats/pkg/messaging"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/notify"
	"github.com/example/campuseats/pkg/orders"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d (%s): %s", e.Status, e.Kind, e.Msg)
}

// Client reads the polled views from the HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{Status: resp.StatusCode, Kind: body.Kind, Msg: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) StudentOrders(ctx context.Context, studentID string) ([]*models.Order, error) {
	var body struct {
		Orders []*models.Order `json:"orders"`
	}
	if err := c.get(ctx, "/api/v1/students/"+url.PathEscape(studentID)+"/orders", &body); err != nil {
		return nil, err
	}
	return body.Orders, nil
}

func (c *Client) Notifications(ctx context.Context, studentID string) (*notify.Feed, error) {
	var feed notify.Feed
	if err := c.get(ctx, "/api/v1/students/"+url.PathEscape(studentID)+"/notifications", &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

func (c *Client) StudentUnread(ctx context.Context, studentID string) (*messaging.UnreadSummary, error) {
	var summary messaging.UnreadSummary
	if err := c.get(ctx, "/api/v1/students/"+url.PathEscape(studentID)+"/messages/unread", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) ShopUnread(ctx context.Context, shopID string) (*messaging.UnreadSummary, error) {
	var summary messaging.UnreadSummary
	if err := c.get(ctx, "/api/v1/shops/"+url.PathEscape(shopID)+"/messages/unread", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) ShopOrders(ctx context.Context, shopID string) (*orders.ShopDashboard, error) {
	var dashboard orders.ShopDashboard
	if err := c.get(ctx, "/api/v1/shops/"+url.PathEscape(shopID)+"/orders", &dashboard); err != nil {
		return nil, err
	}
	return &dashboard, nil
}
