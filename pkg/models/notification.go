package models

import "time"

type NotificationType string

const (
	NotificationOrderReady     NotificationType = "order_ready"
	NotificationOrderCancelled NotificationType = "order_cancelled"
)

type Notification struct {
	ID        string           `json:"id"`
	StudentID string           `json:"studentId"`
	OrderID   string           `json:"orderId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}
