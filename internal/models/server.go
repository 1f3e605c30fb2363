package models

import "errors"

var ErrServerNotFound = errors.New("server not found")

// Server is a hypervisor control plane the proxy rules are managed on, along
// with its NAT forwarding options.
type Server struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Name         string `gorm:"not null" json:"name"`
	Hostname     string `json:"hostname"`
	IPAddress    string `json:"ip_address"`
	Username     string `json:"username"`
	PasswordEnc  string `json:"-"` // AES-GCM, hex encoded
	NATEnabled   bool   `gorm:"default:false" json:"nat_enabled"`
	NATPublicIP  string `json:"nat_public_ip"`
	NATPortRange string `json:"nat_port_range"` // e.g. "20000-30000"
	NATDestPort  int    `json:"nat_dest_port"`
	NATIPRange   string `json:"nat_ip_range"` // CIDR
}

// Address returns the hostname, falling back to the IP address.
func (s Server) Address() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	return s.IPAddress
}
