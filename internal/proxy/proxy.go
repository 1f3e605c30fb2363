// Package proxy defines the boundary to the remote forwarding-rule API.
package proxy

import (
	"context"
	"fmt"

	"natforward/internal/models"
)

const ProtocolTCP = "TCP"

// Rule is a forwarding rule as listed by the proxy.
type Rule struct {
	ID          string `json:"id"`
	Protocol    string `json:"protocol"`
	PublicIP    string `json:"public_ip,omitempty"`
	PublicPort  int    `json:"public_port"`
	PrivateIP   string `json:"private_ip"`
	PrivatePort int    `json:"private_port"`
}

// Matches reports whether the rule forwards the mapping's public port to its
// private address.
func (r Rule) Matches(m models.PortMapping) bool {
	return r.PublicPort == m.PublicPort && r.PrivateIP == m.PrivateIP
}

// RuleSpec describes a rule to create.
type RuleSpec struct {
	VPSUUID     string // hypervisor handle of the target VPS, if the proxy needs it
	Protocol    string
	PublicIP    string
	PublicPort  int
	PrivateIP   string
	PrivatePort int
}

func (s RuleSpec) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", s.Protocol, s.PublicIP, s.PublicPort, s.PrivateIP, s.PrivatePort)
}

// Client lists, adds and deletes forwarding rules on one proxy instance.
type Client interface {
	ListRules(ctx context.Context) ([]Rule, error)
	AddRule(ctx context.Context, spec RuleSpec) (ruleID string, err error)
	DeleteRule(ctx context.Context, ruleID string) error
}

// HostAddresser is implemented by clients that know the public address of
// the host they manage.
type HostAddresser interface {
	HostAddress(ctx context.Context) (string, error)
}

// Source hands out a client for the proxy of a given server.
type Source interface {
	ClientFor(ctx context.Context, serverID uint) (Client, error)
}

// FindRule returns the first rule matching the mapping.
func FindRule(rules []Rule, m models.PortMapping) (Rule, bool) {
	for _, r := range rules {
		if m.RemoteRuleID != "" && r.ID == m.RemoteRuleID {
			return r, true
		}
	}
	for _, r := range rules {
		if r.Matches(m) {
			return r, true
		}
	}
	return Rule{}, false
}
