package services

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"natforward/internal/proxy"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
)

const natTable = "nat"

// IPTables is the part of *iptables.IPTables the rule client uses.
type IPTables interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// IPTablesRuleClient keeps forwarding rules as DNAT entries in a dedicated
// chain of the local nat table.
type IPTablesRuleClient struct {
	ipt       IPTables
	chain     string
	iface     string
	sysctl    bool
	setupOnce sync.Once
	setupErr  error
	mu        sync.Mutex
	log       zerolog.Logger
}

// NewIPTablesRuleClient uses the host's iptables binary.
func NewIPTablesRuleClient(chain, iface string, log zerolog.Logger) (*IPTablesRuleClient, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, err
	}
	c := NewIPTablesRuleClientWith(ipt, chain, iface, log)
	c.sysctl = true
	return c, nil
}

func NewIPTablesRuleClientWith(ipt IPTables, chain, iface string, log zerolog.Logger) *IPTablesRuleClient {
	return &IPTablesRuleClient{ipt: ipt, chain: chain, iface: iface, log: log}
}

func (c *IPTablesRuleClient) setup() error {
	c.setupOnce.Do(func() {
		if c.sysctl {
			if err := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1").Run(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to enable IP forwarding")
			}
		}
		exists, err := c.ipt.ChainExists(natTable, c.chain)
		if err != nil {
			c.setupErr = fmt.Errorf("check chain %s: %w", c.chain, err)
			return
		}
		if !exists {
			if err := c.ipt.NewChain(natTable, c.chain); err != nil {
				c.setupErr = fmt.Errorf("create chain %s: %w", c.chain, err)
				return
			}
		}
		if err := c.ipt.AppendUnique(natTable, "PREROUTING", "-j", c.chain); err != nil {
			c.setupErr = fmt.Errorf("jump to %s: %w", c.chain, err)
		}
	})
	return c.setupErr
}

func ruleID(port int) string { return "tcp:" + strconv.Itoa(port) }

func parseRuleID(id string) (int, error) {
	p, ok := strings.CutPrefix(id, "tcp:")
	if !ok {
		return 0, fmt.Errorf("malformed rule id %q", id)
	}
	return strconv.Atoi(p)
}

func ruleArgs(r proxy.Rule) []string {
	args := []string{"-p", "tcp"}
	if r.PublicIP != "" {
		args = append(args, "-d", r.PublicIP+"/32")
	}
	return append(args,
		"-m", "tcp", "--dport", strconv.Itoa(r.PublicPort),
		"-m", "comment", "--comment", "natforward:"+strconv.Itoa(r.PublicPort),
		"-j", "DNAT", "--to-destination", net.JoinHostPort(r.PrivateIP, strconv.Itoa(r.PrivatePort)),
	)
}

var (
	reDest   = regexp.MustCompile(`-d (\d+\.\d+\.\d+\.\d+)(?:/32)?`)
	reDport  = regexp.MustCompile(`--dport (\d+)`)
	reTarget = regexp.MustCompile(`--to-destination (\d+\.\d+\.\d+\.\d+):(\d+)`)
)

// parseRule reads a line of `iptables -S <chain>` output. Lines that are not
// TCP DNAT rules are ignored.
func parseRule(line string) (proxy.Rule, bool) {
	if !strings.HasPrefix(line, "-A ") || !strings.Contains(line, "-p tcp") || !strings.Contains(line, "-j DNAT") {
		return proxy.Rule{}, false
	}
	dport := reDport.FindStringSubmatch(line)
	target := reTarget.FindStringSubmatch(line)
	if dport == nil || target == nil {
		return proxy.Rule{}, false
	}
	pub, _ := strconv.Atoi(dport[1])
	priv, _ := strconv.Atoi(target[2])
	r := proxy.Rule{
		ID:          ruleID(pub),
		Protocol:    proxy.ProtocolTCP,
		PublicPort:  pub,
		PrivateIP:   target[1],
		PrivatePort: priv,
	}
	if d := reDest.FindStringSubmatch(line); d != nil {
		r.PublicIP = d[1]
	}
	return r, true
}

func (c *IPTablesRuleClient) ListRules(ctx context.Context) ([]proxy.Rule, error) {
	if err := c.setup(); err != nil {
		return nil, err
	}
	lines, err := c.ipt.List(natTable, c.chain)
	if err != nil {
		return nil, fmt.Errorf("list chain %s: %w", c.chain, err)
	}
	var rules []proxy.Rule
	for _, line := range lines {
		if r, ok := parseRule(line); ok {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (c *IPTablesRuleClient) AddRule(ctx context.Context, spec proxy.RuleSpec) (string, error) {
	if err := c.setup(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rules, err := c.ListRules(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range rules {
		if r.PublicPort == spec.PublicPort {
			return "", fmt.Errorf("port %d already forwarded to %s:%d", r.PublicPort, r.PrivateIP, r.PrivatePort)
		}
	}

	rule := proxy.Rule{
		Protocol:    proxy.ProtocolTCP,
		PublicIP:    spec.PublicIP,
		PublicPort:  spec.PublicPort,
		PrivateIP:   spec.PrivateIP,
		PrivatePort: spec.PrivatePort,
	}
	if err := c.ipt.Append(natTable, c.chain, ruleArgs(rule)...); err != nil {
		return "", fmt.Errorf("add DNAT %s: %w", spec, err)
	}
	c.log.Info().Int("public_port", spec.PublicPort).Str("private_ip", spec.PrivateIP).Msg("DNAT rule added")
	return ruleID(spec.PublicPort), nil
}

func (c *IPTablesRuleClient) DeleteRule(ctx context.Context, id string) error {
	port, err := parseRuleID(id)
	if err != nil {
		return err
	}
	if err := c.setup(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rules, err := c.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.PublicPort != port {
			continue
		}
		if err := c.ipt.Delete(natTable, c.chain, ruleArgs(r)...); err != nil {
			return fmt.Errorf("delete DNAT for port %d: %w", port, err)
		}
		c.log.Info().Int("public_port", port).Msg("DNAT rule deleted")
		return nil
	}
	return nil
}

// HostAddress returns the first IPv4 address of the host interface.
func (c *IPTablesRuleClient) HostAddress(ctx context.Context) (string, error) {
	link, err := netlink.LinkByName(c.iface)
	if err != nil {
		return "", fmt.Errorf("interface %s: %w", c.iface, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("addresses of %s: %w", c.iface, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("interface %s has no IPv4 address", c.iface)
	}
	return addrs[0].IP.String(), nil
}
