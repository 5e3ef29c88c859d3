package models

import "time"

type SenderType string

const (
	SenderShop    SenderType = "shop"
	SenderStudent SenderType = "student"
)

func (s SenderType) Valid() bool {
	return s == SenderShop || s == SenderStudent
}

// Message is one entry in an order's chat thread. Only the read flags change
// after creation.
type Message struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	SenderID      string     `json:"senderId"`
	SenderType    SenderType `json:"senderType"`
	Message       string     `json:"message"`
	Timestamp     time.Time  `json:"timestamp"`
	ReadByStudent bool       `json:"readByStudent"`
	ReadByShop    bool       `json:"readByShop"`
}
