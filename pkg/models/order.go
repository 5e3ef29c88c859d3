package models

import (
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPreparing OrderStatus = "preparing"
	StatusReady     OrderStatus = "ready"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is one of the five known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusReady, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type OrderType string

const (
	OrderTypePickup OrderType = "pickup"
	OrderTypeDineIn OrderType = "dine-in"
)

// MenuItemFlags are the display flags carried by a menu item.
type MenuItemFlags struct {
	Vegetarian bool `json:"vegetarian,omitempty"`
	Spicy      bool `json:"spicy,omitempty"`
	Popular    bool `json:"popular,omitempty"`
}

// MenuItemSnapshot is a copy of the catalog entry taken when the order is
// placed. Later menu edits never reach orders that already hold a snapshot.
type MenuItemSnapshot struct {
	ID              string        `json:"id" validate:"required"`
	Name            string        `json:"name" validate:"required"`
	Price           float64       `json:"price" validate:"gte=0"`
	Category        string        `json:"category"`
	PreparationTime int           `json:"preparationTime" validate:"gte=0"`
	Flags           MenuItemFlags `json:"flags"`
}

type LineItem struct {
	MenuItem MenuItemSnapshot `json:"menuItem"`
	Quantity int              `json:"quantity" validate:"gte=1"`
}

// Subtotal is price times quantity for the line.
func (li LineItem) Subtotal() float64 {
	return li.MenuItem.Price * float64(li.Quantity)
}

type Order struct {
	ID                 string      `json:"id"`
	StudentID          string      `json:"studentId"`
	StudentName        string      `json:"studentName"`
	ShopID             string      `json:"shopId"`
	Items              []LineItem  `json:"items"`
	Total              float64     `json:"total"`
	Status             OrderStatus `json:"status"`
	OrderType          OrderType   `json:"orderType"`
	OrderTime          time.Time   `json:"orderTime"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	EstimatedReadyTime time.Time   `json:"estimatedReadyTime"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
	CancelledAt        *time.Time  `json:"cancelledAt,omitempty"`
}

// CloneItems returns a copy of the line items so callers cannot alias the
// stored slice.
func CloneItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

// LateBy returns how far past its frozen estimate an active order is, or zero.
func (o *Order) LateBy(now time.Time) time.Duration {
	if o.Status.Terminal() || o.EstimatedReadyTime.IsZero() {
		return 0
	}
	if d := now.Sub(o.EstimatedReadyTime); d > 0 {
		return d
	}
	return 0
}

func (o *Order) IsLate(now time.Time) bool {
	return o.LateBy(now) > 0
}

// ItemCount is the total quantity across all lines.
func (o *Order) ItemCount() int {
	n := 0
	for _, li := range o.Items {
		n += li.Quantity
	}
	return n
}
