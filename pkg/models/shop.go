package models

import (
	"time"
)

// Shop is the directory entry the placement service validates against.
type Shop struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string    `gorm:"type:varchar(100);not null" json:"name"`
	IsOpen    bool      `gorm:"not null" json:"isOpen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Shop) TableName() string {
	return "shops"
}
