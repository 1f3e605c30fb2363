package forwarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"natforward/internal/config"
	"natforward/internal/models"
	"natforward/internal/proxy"
	"natforward/internal/store"

	"github.com/rs/zerolog"
)

// ServiceRegistry resolves the service that owns a mapping.
type ServiceRegistry interface {
	GetService(ctx context.Context, serviceID uint) (*models.Service, error)
}

// Sweeper reclaims mappings whose service is gone, cancelled or terminated,
// and provisional rows left behind by interrupted creations.
type Sweeper struct {
	store      store.MappingStore
	reconciler *Reconciler
	registry   ServiceRegistry
	grace      time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewSweeper builds a sweeper. Provisional rows older than grace are treated
// as orphans.
func NewSweeper(st store.MappingStore, reconciler *Reconciler, registry ServiceRegistry, grace time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      st,
		reconciler: reconciler,
		registry:   registry,
		grace:      grace,
		log:        log,
		now:        time.Now,
	}
}

// Sweep removes orphaned mappings and returns how many rows were deleted.
// Remote rules are removed best effort; local rows go regardless.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	mappings, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}

	var orphaned []uint
	for _, m := range mappings {
		reason, orphan := s.orphanReason(ctx, m)
		if !orphan {
			continue
		}
		s.log.Info().Uint("service_id", m.ServiceID).Int("public_port", m.PublicPort).Str("reason", reason).
			Msg("Reclaiming orphaned port mapping")
		s.reconciler.removeRemoteBestEffort(ctx, m)
		orphaned = append(orphaned, m.ID)
	}

	n, err := s.store.DeleteByIDs(ctx, orphaned)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned mappings: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("Cleaned up orphaned port mappings")
	}
	return int(n), nil
}

func (s *Sweeper) orphanReason(ctx context.Context, m models.PortMapping) (string, bool) {
	svc, err := s.registry.GetService(ctx, m.ServiceID)
	switch {
	case errors.Is(err, models.ErrServiceNotFound):
		return "service not found", true
	case err != nil:
		// unknown state is not proof of orphaning
		s.log.Warn().Err(err).Uint("service_id", m.ServiceID).Msg("Skipping mapping, service lookup failed")
		return "", false
	case !svc.Live():
		return "service " + string(svc.Status), true
	case m.Provisional() && s.now().Sub(m.CreatedAt) > s.grace:
		return "provisional mapping never confirmed", true
	}
	return "", false
}

// AuditRemote lists TCP rules inside the server's port range that no local
// mapping accounts for. With prune set they are deleted from the proxy.
func (s *Sweeper) AuditRemote(ctx context.Context, serverID uint, cfg config.ServerNATConfig, prune bool) ([]proxy.Rule, error) {
	client, err := s.reconciler.proxies.ClientFor(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("proxy client for server %d: %w", serverID, err)
	}

	lctx, cancel := s.reconciler.callContext(ctx)
	rules, err := client.ListRules(lctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list rules on server %d: %w", serverID, err)
	}

	local, err := s.store.FindByPortRange(ctx, cfg.PortRange.Start, cfg.PortRange.End)
	if err != nil {
		return nil, err
	}
	known := make(map[int]models.PortMapping, len(local))
	for _, m := range local {
		known[m.PublicPort] = m
	}

	var unmanaged []proxy.Rule
	for _, rule := range rules {
		if !cfg.PortRange.Contains(rule.PublicPort) || !isTCP(rule.Protocol) {
			continue
		}
		if m, ok := known[rule.PublicPort]; ok && rule.Matches(m) {
			continue
		}
		unmanaged = append(unmanaged, rule)
	}

	for _, rule := range unmanaged {
		log := s.log.With().Uint("server_id", serverID).Str("rule_id", rule.ID).Int("public_port", rule.PublicPort).
			Str("private_ip", rule.PrivateIP).Logger()
		if !prune {
			log.Warn().Msg("Forwarding rule on proxy has no port mapping")
			continue
		}
		dctx, cancel := s.reconciler.callContext(ctx)
		err := client.DeleteRule(dctx, rule.ID)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune unmanaged forwarding rule")
			continue
		}
		log.Info().Msg("Pruned unmanaged forwarding rule")
	}
	return unmanaged, nil
}

func isTCP(protocol string) bool {
	return protocol == "" || protocol == proxy.ProtocolTCP || protocol == "tcp"
}
