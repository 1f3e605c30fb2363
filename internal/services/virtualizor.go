package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"natforward/internal/proxy"

	"github.com/rs/zerolog"
)

const defaultAdminPort = "4085"

// VirtualizorClient manages domain forwarding rules through the hypervisor
// admin API (act=haproxy).
type VirtualizorClient struct {
	baseURL string
	host    string
	apiKey  string
	apiPass string
	http    *http.Client
	log     zerolog.Logger
}

// NewVirtualizorClient builds a client for the panel at host ("name" or
// "name:port"; port 4085 when omitted). A host with a scheme is used as is.
func NewVirtualizorClient(host string, creds Credentials, insecureTLS bool, log zerolog.Logger) *VirtualizorClient {
	base := host
	if !strings.Contains(base, "://") {
		if _, _, err := net.SplitHostPort(base); err != nil {
			base = net.JoinHostPort(base, defaultAdminPort)
		}
		base = "https://" + base
	}
	hostname := host
	if u, err := url.Parse(base); err == nil {
		hostname = u.Hostname()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VirtualizorClient{
		baseURL: strings.TrimRight(base, "/"),
		host:    hostname,
		apiKey:  creds.Username,
		apiPass: creds.Password,
		http:    &http.Client{Transport: transport},
		log:     log,
	}
}

type vdfEntry struct {
	ID          flexString `json:"id"`
	Protocol    string     `json:"protocol"`
	SrcHostname string     `json:"src_hostname"`
	SrcPort     flexInt    `json:"src_port"`
	DestIP      string     `json:"dest_ip"`
	DestPort    flexInt    `json:"dest_port"`
}

type haproxyResponse struct {
	HAProxyData map[string]vdfEntry `json:"haproxydata"`
	Done        json.RawMessage     `json:"done"`
	Error       json.RawMessage     `json:"error"`
	ID          flexString          `json:"id"`
}

func (c *VirtualizorClient) ListRules(ctx context.Context) ([]proxy.Rule, error) {
	var resp haproxyResponse
	if err := c.call(ctx, http.MethodGet, nil, &resp); err != nil {
		return nil, err
	}
	if msg := apiError(resp.Error); msg != "" {
		return nil, fmt.Errorf("list forwarding rules: %s", msg)
	}

	rules := make([]proxy.Rule, 0, len(resp.HAProxyData))
	for key, e := range resp.HAProxyData {
		id := string(e.ID)
		if id == "" {
			id = key
		}
		rules = append(rules, proxy.Rule{
			ID:          id,
			Protocol:    strings.ToUpper(e.Protocol),
			PublicIP:    e.SrcHostname,
			PublicPort:  int(e.SrcPort),
			PrivateIP:   e.DestIP,
			PrivatePort: int(e.DestPort),
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].PublicPort < rules[j].PublicPort })
	return rules, nil
}

func (c *VirtualizorClient) AddRule(ctx context.Context, spec proxy.RuleSpec) (string, error) {
	form := url.Values{
		"action":       {"addvdf"},
		"serid":        {"0"},
		"vpsuuid":      {spec.VPSUUID},
		"protocol":     {spec.Protocol},
		"src_hostname": {spec.PublicIP},
		"src_port":     {strconv.Itoa(spec.PublicPort)},
		"dest_ip":      {spec.PrivateIP},
		"dest_port":    {strconv.Itoa(spec.PrivatePort)},
	}

	var resp haproxyResponse
	if err := c.call(ctx, http.MethodPost, form, &resp); err != nil {
		return "", err
	}
	if !done(resp.Done) {
		msg := apiError(resp.Error)
		if msg == "" {
			msg = "unknown API error"
		}
		return "", fmt.Errorf("add forwarding rule %s: %s", spec, msg)
	}
	if resp.ID != "" {
		return string(resp.ID), nil
	}

	// The panel does not always echo the new id; look it up.
	rules, err := c.ListRules(ctx)
	if err != nil {
		return "", fmt.Errorf("rule created but not found: %w", err)
	}
	for _, r := range rules {
		if r.PublicPort == spec.PublicPort && r.PrivateIP == spec.PrivateIP {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("rule %s created but missing from listing", spec)
}

func (c *VirtualizorClient) DeleteRule(ctx context.Context, ruleID string) error {
	form := url.Values{
		"action": {"delvdf"},
		"delete": {ruleID},
	}
	var resp haproxyResponse
	if err := c.call(ctx, http.MethodPost, form, &resp); err != nil {
		return err
	}
	if !done(resp.Done) {
		msg := apiError(resp.Error)
		if msg == "" {
			msg = "unknown API error"
		}
		return fmt.Errorf("delete forwarding rule %s: %s", ruleID, msg)
	}
	return nil
}

// HostAddress returns the panel host as an IPv4 address.
func (c *VirtualizorClient) HostAddress(ctx context.Context) (string, error) {
	return resolveIPv4(ctx, c.host)
}

func (c *VirtualizorClient) call(ctx context.Context, method string, form url.Values, out any) error {
	q := url.Values{
		"act":          {"haproxy"},
		"api":          {"json"},
		"adminapikey":  {c.apiKey},
		"adminapipass": {c.apiPass},
	}
	endpoint := c.baseURL + "/index.php?" + q.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("haproxy API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("haproxy API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("haproxy API: %s", resp.Status)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Debug().Bytes("body", bytes.TrimSpace(raw)).Msg("Unparseable haproxy API response")
		return fmt.Errorf("haproxy API: decode response: %w", err)
	}
	return nil
}

func done(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`, `"0"`:
		return false
	}
	return true
}

// apiError flattens the panel's error field, which may be a string, a list
// or a map of messages.
func apiError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	var m map[string]string
	if json.Unmarshal(raw, &m) == nil {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		msgs := make([]string, 0, len(m))
		for _, k := range keys {
			msgs = append(msgs, m[k])
		}
		return strings.Join(msgs, "; ")
	}
	return string(raw)
}

// flexInt accepts both 22 and "22".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts both 17 and "17".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("expected string or number")
	}
	*f = flexString(n.String())
	return nil
}
