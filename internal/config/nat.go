package config

import (
	"fmt"
	"strconv"
	"strings"

	"natforward/internal/cidr"
	"natforward/internal/models"
)

const (
	DefaultPortRangeStart = 20000
	DefaultPortRangeEnd   = 30000
	DefaultDestPort       = 22
	DefaultNATCIDR        = "192.168.100.0/24"
)

type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size is the number of ports in the inclusive range.
func (r PortRange) Size() int {
	return r.End - r.Start + 1
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// ServerNATConfig holds the NAT forwarding options of one server.
type ServerNATConfig struct {
	Enabled   bool      `json:"enabled"`
	PublicIP  string    `json:"public_ip,omitempty"` // empty means the proxy host's own address
	PortRange PortRange `json:"port_range"`
	DestPort  int       `json:"dest_port"`
	NATCIDR   string    `json:"nat_cidr"`
}

// DefaultNATConfig returns a disabled config carrying the documented defaults.
func DefaultNATConfig() ServerNATConfig {
	return ServerNATConfig{
		PortRange: PortRange{Start: DefaultPortRangeStart, End: DefaultPortRangeEnd},
		DestPort:  DefaultDestPort,
		NATCIDR:   DefaultNATCIDR,
	}
}

// Validate checks ranges and addresses.
func (c ServerNATConfig) Validate() error {
	if !(c.PortRange.Start > 0 && c.PortRange.Start < c.PortRange.End && c.PortRange.End <= 65535) {
		return fmt.Errorf("invalid port range %s", c.PortRange)
	}
	if c.DestPort <= 0 || c.DestPort > 65535 {
		return fmt.Errorf("invalid destination port %d", c.DestPort)
	}
	if !cidr.Valid(c.NATCIDR) {
		return fmt.Errorf("invalid NAT CIDR %q", c.NATCIDR)
	}
	if c.PublicIP != "" {
		if _, ok := cidr.ParseIPv4(c.PublicIP); !ok {
			return fmt.Errorf("invalid public IP %q", c.PublicIP)
		}
	}
	return nil
}

// ValidPortRange reports whether spec is "start-end" with 0 < start < end <= 65535.
func ValidPortRange(spec string) bool {
	_, err := ParsePortRange(spec)
	return err == nil
}

// ParsePortRange parses a "start-end" port range.
func ParsePortRange(spec string) (PortRange, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found || !digits(lo) || !digits(hi) {
		return PortRange{}, fmt.Errorf("malformed port range %q", spec)
	}
	start, err := strconv.Atoi(lo)
	if err != nil {
		return PortRange{}, fmt.Errorf("malformed port range %q: %w", spec, err)
	}
	end, err := strconv.Atoi(hi)
	if err != nil {
		return PortRange{}, fmt.Errorf("malformed port range %q: %w", spec, err)
	}
	if !(start > 0 && start < end && end <= 65535) {
		return PortRange{}, fmt.Errorf("port range %q out of bounds", spec)
	}
	return PortRange{Start: start, End: end}, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NATConfigFromServer builds the typed config from a server record, filling
// defaults for unset options.
func NATConfigFromServer(s models.Server) (ServerNATConfig, error) {
	cfg := DefaultNATConfig()
	cfg.Enabled = s.NATEnabled
	cfg.PublicIP = strings.TrimSpace(s.NATPublicIP)

	if s.NATPortRange != "" {
		r, err := ParsePortRange(s.NATPortRange)
		if err != nil {
			return cfg, err
		}
		cfg.PortRange = r
	}
	if s.NATDestPort != 0 {
		cfg.DestPort = s.NATDestPort
	}
	if s.NATIPRange != "" {
		cfg.NATCIDR = strings.TrimSpace(s.NATIPRange)
	}

	return cfg, cfg.Validate()
}
