package models

import (
	"time"
)

type Ticket struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Number    string    `gorm:"size:36;not null;uniqueIndex" json:"number"`
	ServiceID uint      `gorm:"index" json:"service_id"`
	OwnerID   uint      `json:"owner_id"`
	Subject   string    `gorm:"not null" json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	Status    string    `gorm:"default:'Open'" json:"status"` // Open, Closed
	CreatedAt time.Time `json:"created_at"`
}
