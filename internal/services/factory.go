package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"natforward/internal/config"
	"natforward/internal/proxy"

	"github.com/rs/zerolog"
)

const (
	BackendVirtualizor = "virtualizor"
	BackendIPTables    = "iptables"
)

// CredentialProvider returns API credentials for a server.
type CredentialProvider interface {
	Get(ctx context.Context, serverID uint) (Credentials, error)
}

// ClientFactory builds the proxy client of a server on demand.
type ClientFactory struct {
	creds       CredentialProvider
	backend     string
	insecureTLS bool
	chain       string
	iface       string
	log         zerolog.Logger

	// iptables rules live on this host; one client serves every server id.
	mu    sync.Mutex
	local proxy.Client
}

func NewClientFactory(cfg *config.Config, creds CredentialProvider, log zerolog.Logger) *ClientFactory {
	return &ClientFactory{
		creds:       creds,
		backend:     cfg.ProxyBackend,
		insecureTLS: cfg.ProxyInsecureTLS,
		chain:       cfg.IPTablesChain,
		iface:       cfg.HostInterface,
		log:         log,
	}
}

func (f *ClientFactory) ClientFor(ctx context.Context, serverID uint) (proxy.Client, error) {
	switch f.backend {
	case BackendIPTables:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.local == nil {
			c, err := NewIPTablesRuleClient(f.chain, f.iface, f.log.With().Str("backend", BackendIPTables).Logger())
			if err != nil {
				return nil, err
			}
			f.local = c
		}
		return f.local, nil
	case BackendVirtualizor, "":
		creds, err := f.creds.Get(ctx, serverID)
		if err != nil {
			return nil, fmt.Errorf("credentials for server %d: %w", serverID, err)
		}
		if creds.Host == "" {
			return nil, fmt.Errorf("server %d has no hostname or IP address", serverID)
		}
		return NewVirtualizorClient(creds.Host, creds, f.insecureTLS,
			f.log.With().Uint("server_id", serverID).Logger()), nil
	default:
		return nil, fmt.Errorf("unknown proxy backend %q", f.backend)
	}
}

// TestConnection checks that the server's proxy answers a rule listing.
func (f *ClientFactory) TestConnection(ctx context.Context, serverID uint, timeout time.Duration) (int, error) {
	client, err := f.ClientFor(ctx, serverID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rules, err := client.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	return len(rules), nil
}
