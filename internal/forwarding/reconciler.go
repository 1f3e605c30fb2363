// Package forwarding keeps port mappings and the proxy's forwarding rules in
// step: it reserves public ports, creates and removes remote rules, and
// reclaims mappings whose service is gone.
package forwarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"natforward/internal/allocator"
	"natforward/internal/cidr"
	"natforward/internal/config"
	"natforward/internal/models"
	"natforward/internal/proxy"
	"natforward/internal/store"

	"github.com/rs/zerolog"
)

// CreateRequest asks for a forwarding rule to a service's private address.
// A zero PublicPort lets the reconciler pick the lowest free port.
type CreateRequest struct {
	ServiceID   uint
	ServerID    uint
	VPSUUID     string
	PrivateIP   string
	PrivatePort int
	PublicPort  int
}

// Reconciler owns the create and delete flows of port mappings.
type Reconciler struct {
	store   store.MappingStore
	proxies proxy.Source
	locker  RangeLocker
	timeout time.Duration
	log     zerolog.Logger
}

// NewReconciler wires a reconciler. timeout bounds every proxy call.
func NewReconciler(st store.MappingStore, proxies proxy.Source, locker RangeLocker, timeout time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		proxies: proxies,
		locker:  locker,
		timeout: timeout,
		log:     log,
	}
}

// CreateMapping reserves a public port for the service and registers the
// forwarding rule on the proxy. A private address outside the NAT range
// yields ErrNotNatEligible, which callers treat as a skip.
func (r *Reconciler) CreateMapping(ctx context.Context, req CreateRequest, cfg config.ServerNATConfig) (*models.PortMapping, error) {
	m, _, err := r.EnsureMapping(ctx, req, cfg)
	return m, err
}

// EnsureMapping is CreateMapping that also reports whether the mapping was
// created by this call. An active mapping already held by the service is
// returned with created == false.
func (r *Reconciler) EnsureMapping(ctx context.Context, req CreateRequest, cfg config.ServerNATConfig) (m *models.PortMapping, created bool, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, newError(KindInvalidConfig, req.ServiceID, "", err)
	}
	if !cidr.ContainsIP(req.PrivateIP, cfg.NATCIDR) {
		return nil, false, newError(KindNotNatEligible, req.ServiceID, fmt.Sprintf("%s outside %s", req.PrivateIP, cfg.NATCIDR), nil)
	}
	if req.PrivatePort == 0 {
		req.PrivatePort = cfg.DestPort
	}

	log := r.log.With().Uint("service_id", req.ServiceID).Str("private_ip", req.PrivateIP).Logger()

	client, err := r.proxies.ClientFor(ctx, req.ServerID)
	if err != nil {
		return nil, false, newError(KindRemoteRuleCreationFailed, req.ServiceID, "proxy client unavailable", err)
	}

	publicIP, err := r.publicIP(ctx, client, cfg)
	if err != nil {
		return nil, false, newError(KindInvalidConfig, req.ServiceID, "cannot resolve public IP", err)
	}

	m, existing, err := r.reserve(ctx, req, publicIP, cfg.PortRange)
	if err != nil {
		return nil, false, err
	}
	if existing {
		log.Info().Int("public_port", m.PublicPort).Msg("Service already has an active port mapping")
		return m, false, nil
	}
	log = log.With().Int("public_port", m.PublicPort).Logger()

	spec := proxy.RuleSpec{
		VPSUUID:     req.VPSUUID,
		Protocol:    proxy.ProtocolTCP,
		PublicIP:    m.PublicIP,
		PublicPort:  m.PublicPort,
		PrivateIP:   m.PrivateIP,
		PrivatePort: m.PrivatePort,
	}

	ruleID, err := r.addRule(ctx, client, spec, req.PublicPort != 0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create forwarding rule, releasing reserved port")
		if cerr := r.release(ctx, m.ID); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to release reserved port")
			err = errors.Join(err, cerr)
		}
		return nil, false, newError(KindRemoteRuleCreationFailed, req.ServiceID, "", err)
	}

	if err := r.store.SetRemoteRuleID(ctx, m.ID, ruleID); err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("Failed to record forwarding rule, rolling back")
		dctx, cancel := r.callContext(context.WithoutCancel(ctx))
		if derr := client.DeleteRule(dctx, ruleID); derr != nil {
			log.Error().Err(derr).Str("rule_id", ruleID).Msg("Failed to roll back forwarding rule")
		}
		cancel()
		if cerr := r.release(ctx, m.ID); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to release reserved port")
		}
		return nil, false, newError(KindRemoteRuleCreationFailed, req.ServiceID, "recording rule id", err)
	}
	m.RemoteRuleID = ruleID

	log.Info().Str("public_ip", m.PublicIP).Str("rule_id", ruleID).Msg("Port forwarding created")
	return m, true, nil
}

// reserve allocates a port and stores a provisional row in one step. The
// range lock plus transaction keep two creations from picking the same port.
func (r *Reconciler) reserve(ctx context.Context, req CreateRequest, publicIP string, portRange config.PortRange) (*models.PortMapping, bool, error) {
	key := RangeKey(portRange)
	if req.PublicPort != 0 && !portRange.Contains(req.PublicPort) {
		key = fmt.Sprintf("natforward:port:%d", req.PublicPort)
	}
	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	var (
		reserved *models.PortMapping
		existing bool
	)
	err = r.store.Atomic(ctx, func(tx store.MappingStore) error {
		cur, err := tx.FindByService(ctx, req.ServiceID)
		switch {
		case err == nil && !cur.Provisional():
			reserved, existing = cur, true
			return nil
		case err == nil:
			// leftover from an interrupted creation
			if _, err := tx.DeleteByIDs(ctx, []uint{cur.ID}); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		port := req.PublicPort
		if port != 0 {
			taken, err := tx.FindByPortRange(ctx, port, port)
			if err != nil {
				return err
			}
			if len(taken) > 0 {
				return newError(KindPortInUse, req.ServiceID, fmt.Sprintf("port %d is already in use", port), nil)
			}
		} else {
			inRange, err := tx.FindByPortRange(ctx, portRange.Start, portRange.End)
			if err != nil {
				return err
			}
			used := make(map[int]struct{}, len(inRange))
			for _, m := range inRange {
				used[m.PublicPort] = struct{}{}
			}
			port, err = allocator.Allocate(portRange.Start, portRange.End, used)
			if errors.Is(err, allocator.ErrNoCapacity) {
				return newError(KindNoCapacity, req.ServiceID, "range "+portRange.String(), nil)
			}
			if err != nil {
				return newError(KindInvalidConfig, req.ServiceID, "", err)
			}
		}

		reserved = &models.PortMapping{
			ServiceID:   req.ServiceID,
			ServerID:    req.ServerID,
			PublicIP:    publicIP,
			PublicPort:  port,
			PrivateIP:   req.PrivateIP,
			PrivatePort: req.PrivatePort,
		}
		return tx.Insert(ctx, reserved)
	})
	if err != nil {
		return nil, false, err
	}
	return reserved, existing, nil
}

// addRule creates the remote rule. When adopt is set an identical rule that
// already exists on the proxy is reused instead.
func (r *Reconciler) addRule(ctx context.Context, client proxy.Client, spec proxy.RuleSpec, adopt bool) (string, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	if adopt {
		rules, err := client.ListRules(ctx)
		if err != nil {
			return "", fmt.Errorf("list rules: %w", err)
		}
		for _, rule := range rules {
			if rule.PublicPort == spec.PublicPort && rule.PrivateIP == spec.PrivateIP && rule.PrivatePort == spec.PrivatePort {
				return rule.ID, nil
			}
		}
	}
	return client.AddRule(ctx, spec)
}

// release removes a provisional row. It runs even if ctx is already done.
func (r *Reconciler) release(ctx context.Context, id uint) error {
	_, err := r.store.DeleteByIDs(context.WithoutCancel(ctx), []uint{id})
	return err
}

func (r *Reconciler) publicIP(ctx context.Context, client proxy.Client, cfg config.ServerNATConfig) (string, error) {
	if cfg.PublicIP != "" {
		return cfg.PublicIP, nil
	}
	host, ok := client.(proxy.HostAddresser)
	if !ok {
		return "", errors.New("no public IP configured and proxy cannot report its address")
	}
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	return host.HostAddress(ctx)
}

// DeleteMapping removes the service's forwarding rule and mapping. A missing
// mapping is not an error; remote failures are logged and do not keep the
// local row alive.
func (r *Reconciler) DeleteMapping(ctx context.Context, serviceID uint) error {
	m, err := r.store.FindByService(ctx, serviceID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debug().Uint("service_id", serviceID).Msg("No port mapping to delete")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find mapping for service %d: %w", serviceID, err)
	}

	r.removeRemoteBestEffort(ctx, *m)

	if err := r.store.DeleteByService(ctx, serviceID); err != nil {
		return fmt.Errorf("delete mapping for service %d: %w", serviceID, err)
	}
	r.log.Info().Uint("service_id", serviceID).Int("public_port", m.PublicPort).Msg("Port mapping removed")
	return nil
}

// DeleteMappingByID is the operator path for removing a single mapping.
func (r *Reconciler) DeleteMappingByID(ctx context.Context, id uint) (*models.PortMapping, error) {
	m, err := r.store.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindMappingNotFound, 0, fmt.Sprintf("id %d", id), nil)
	}
	if err != nil {
		return nil, err
	}

	r.removeRemoteBestEffort(ctx, *m)

	if _, err := r.store.DeleteByIDs(ctx, []uint{id}); err != nil {
		return nil, fmt.Errorf("delete mapping %d: %w", id, err)
	}
	r.log.Info().Uint("id", id).Uint("service_id", m.ServiceID).Msg("Operator deleted port mapping")
	return m, nil
}

// Mapping returns the service's mapping or ErrMappingNotFound.
func (r *Reconciler) Mapping(ctx context.Context, serviceID uint) (*models.PortMapping, error) {
	m, err := r.store.FindByService(ctx, serviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindMappingNotFound, serviceID, "", nil)
	}
	return m, err
}

func (r *Reconciler) removeRemoteBestEffort(ctx context.Context, m models.PortMapping) {
	if err := r.removeRemote(ctx, m); err != nil {
		r.log.Warn().Err(err).
			Uint("service_id", m.ServiceID).
			Int("public_port", m.PublicPort).
			Msg("Forwarding rule not removed from proxy, continuing with local cleanup")
	}
}

// removeRemote deletes the proxy rule matching m. A rule that is already
// gone counts as removed.
func (r *Reconciler) removeRemote(ctx context.Context, m models.PortMapping) error {
	client, err := r.proxies.ClientFor(ctx, m.ServerID)
	if err != nil {
		return newError(KindRemoteRuleDeletionFailed, m.ServiceID, "proxy client unavailable", err)
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	rules, err := client.ListRules(ctx)
	if err != nil {
		return newError(KindRemoteRuleDeletionFailed, m.ServiceID, "list rules", err)
	}
	rule, ok := proxy.FindRule(rules, m)
	if !ok {
		r.log.Info().Uint("service_id", m.ServiceID).Int("public_port", m.PublicPort).Str("private_ip", m.PrivateIP).
			Msg("Forwarding rule already absent on proxy")
		return nil
	}
	if err := client.DeleteRule(ctx, rule.ID); err != nil {
		return newError(KindRemoteRuleDeletionFailed, m.ServiceID, "rule "+rule.ID, err)
	}
	r.log.Info().Uint("service_id", m.ServiceID).Str("rule_id", rule.ID).Msg("Forwarding rule removed from proxy")
	return nil
}

// Usage summarizes how much of a port range is taken.
type Usage struct {
	Range       config.PortRange `json:"range"`
	Used        int              `json:"used"`
	Available   int              `json:"available"`
	Utilization float64          `json:"utilization"` // percent
}

func (r *Reconciler) Usage(ctx context.Context, portRange config.PortRange) (Usage, error) {
	inRange, err := r.store.FindByPortRange(ctx, portRange.Start, portRange.End)
	if err != nil {
		return Usage{}, err
	}
	used := make(map[int]struct{}, len(inRange))
	for _, m := range inRange {
		used[m.PublicPort] = struct{}{}
	}
	u := Usage{
		Range:     portRange,
		Used:      len(used),
		Available: allocator.Available(portRange.Start, portRange.End, used),
	}
	if size := portRange.Size(); size > 0 {
		u.Utilization = float64(u.Used) / float64(size) * 100
	}
	return u, nil
}

func (r *Reconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
