package models

import (
	"errors"
	"time"
)

type ServiceStatus string

const (
	ServicePending    ServiceStatus = "Pending"
	ServiceActive     ServiceStatus = "Active"
	ServiceSuspended  ServiceStatus = "Suspended"
	ServiceCancelled  ServiceStatus = "Cancelled"
	ServiceTerminated ServiceStatus = "Terminated"
)

// Service is the owning VPS service record as reported by the provisioning side.
type Service struct {
	ID         uint          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ServerID   uint          `gorm:"index" json:"server_id"`
	Status     ServiceStatus `gorm:"size:20;not null;default:'Pending'" json:"status"`
	Domain     string        `json:"domain"`
	OwnerID    uint          `json:"owner_id"`
	OwnerEmail string        `json:"owner_email"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Live reports whether the service still owns its forwarding state.
func (s Service) Live() bool {
	return s.Status != ServiceCancelled && s.Status != ServiceTerminated
}

var ErrServiceNotFound = errors.New("service not found")
