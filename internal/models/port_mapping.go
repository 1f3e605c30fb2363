package models

import (
	"time"
)

// PortMapping is the persisted NAT state for one service: a public endpoint
// on the proxy forwarded to a private destination.
type PortMapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ServiceID    uint      `gorm:"not null;uniqueIndex" json:"service_id"`
	ServerID     uint      `gorm:"index" json:"server_id"`
	PublicIP     string    `gorm:"size:15;not null" json:"public_ip"`
	PublicPort   int       `gorm:"column:src_port;not null;uniqueIndex" json:"public_port"`
	PrivateIP    string    `gorm:"column:dest_ip;size:15;not null" json:"private_ip"`
	PrivatePort  int       `gorm:"column:dest_port;not null" json:"private_port"`
	RemoteRuleID string    `gorm:"size:64" json:"remote_rule_id,omitempty"` // empty while provisional
	CreatedAt    time.Time `json:"created_at"`
}

// Provisional reports whether the remote rule has not been confirmed yet.
func (m PortMapping) Provisional() bool {
	return m.RemoteRuleID == ""
}
