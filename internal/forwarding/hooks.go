package forwarding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"natforward/internal/config"
	"natforward/internal/models"

	"github.com/rs/zerolog"
)

// ServerLookup reads hypervisor server records.
type ServerLookup interface {
	GetServer(ctx context.Context, serverID uint) (*models.Server, error)
	ListServers(ctx context.Context) ([]models.Server, error)
}

// ServiceDirectory is a ServiceRegistry the hooks can write lifecycle
// transitions to, so the sweeper sees provisioned and terminated services.
type ServiceDirectory interface {
	ServiceRegistry
	EnsureService(ctx context.Context, serviceID, serverID uint) error
	SetServiceStatus(ctx context.Context, serviceID uint, status models.ServiceStatus) error
}

// NotificationSink delivers connection details to a service owner.
type NotificationSink interface {
	SendConnectionDetails(ctx context.Context, ownerID uint, details models.ConnectionDetails) error
}

// TicketingSink opens support tickets for failures needing an operator.
type TicketingSink interface {
	CreateTicket(ctx context.Context, serviceID uint, subject, body string) (*models.Ticket, error)
}

// ProvisionEvent is raised once a VPS has been created on a server.
type ProvisionEvent struct {
	ServiceID uint   `json:"service_id"`
	ServerID  uint   `json:"server_id"`
	VPSUUID   string `json:"vps_uuid,omitempty"`
	PrivateIP string `json:"private_ip"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// ProvisionResult reports what OnServiceProvisioned did.
type ProvisionResult struct {
	Skipped  bool                `json:"skipped"`
	Existing bool                `json:"existing,omitempty"` // mapping predates this event, owner not mailed again
	Reason   string              `json:"reason,omitempty"`
	Mapping  *models.PortMapping `json:"mapping,omitempty"`
	Ticket   *models.Ticket      `json:"ticket,omitempty"`
}

// SweepReport reports what OnScheduledSweep did.
type SweepReport struct {
	Removed   int            `json:"removed"`
	Unmanaged map[uint][]int `json:"unmanaged,omitempty"` // server id -> public ports
}

// Hooks is the event surface: provisioning, termination, suspension and the
// periodic sweep all enter here.
type Hooks struct {
	reconciler  *Reconciler
	sweeper     *Sweeper
	servers     ServerLookup
	registry    ServiceDirectory
	notifier    NotificationSink
	tickets     TicketingSink
	pruneRemote bool
	log         zerolog.Logger
}

func NewHooks(reconciler *Reconciler, sweeper *Sweeper, servers ServerLookup, registry ServiceDirectory,
	notifier NotificationSink, tickets TicketingSink, pruneRemote bool, log zerolog.Logger) *Hooks {
	return &Hooks{
		reconciler:  reconciler,
		sweeper:     sweeper,
		servers:     servers,
		registry:    registry,
		notifier:    notifier,
		tickets:     tickets,
		pruneRemote: pruneRemote,
		log:         log,
	}
}

// OnServiceProvisioned sets up forwarding for a new NAT VPS, emails the
// owner on success and opens a ticket on failure.
func (h *Hooks) OnServiceProvisioned(ctx context.Context, ev ProvisionEvent) (ProvisionResult, error) {
	log := h.log.With().Uint("service_id", ev.ServiceID).Uint("server_id", ev.ServerID).Logger()

	server, err := h.servers.GetServer(ctx, ev.ServerID)
	if err != nil {
		log.Error().Err(err).Msg("Server lookup failed")
		return ProvisionResult{}, fmt.Errorf("server %d: %w", ev.ServerID, err)
	}

	cfg, err := config.NATConfigFromServer(*server)
	if err != nil {
		cerr := newError(KindInvalidConfig, ev.ServiceID, "server "+server.Name, err)
		return h.fail(ctx, log, ev, cerr)
	}
	if !cfg.Enabled {
		return ProvisionResult{Skipped: true, Reason: "NAT forwarding disabled on server"}, nil
	}
	if strings.TrimSpace(ev.PrivateIP) == "" {
		cerr := newError(KindInvalidConfig, ev.ServiceID, "VPS IP address unknown", nil)
		return h.fail(ctx, log, ev, cerr)
	}

	if err := h.registry.EnsureService(ctx, ev.ServiceID, ev.ServerID); err != nil {
		return h.fail(ctx, log, ev, fmt.Errorf("record service %d: %w", ev.ServiceID, err))
	}

	m, created, err := h.reconciler.EnsureMapping(ctx, CreateRequest{
		ServiceID:   ev.ServiceID,
		ServerID:    ev.ServerID,
		VPSUUID:     ev.VPSUUID,
		PrivateIP:   ev.PrivateIP,
		PrivatePort: cfg.DestPort,
	}, cfg)
	if errors.Is(err, ErrNotNatEligible) {
		log.Debug().Str("private_ip", ev.PrivateIP).Msg("Not a NAT service")
		return ProvisionResult{Skipped: true, Reason: err.Error()}, nil
	}
	if err != nil {
		return h.fail(ctx, log, ev, err)
	}

	if !created {
		log.Info().Int("public_port", m.PublicPort).Msg("Mapping already in place, owner not notified again")
		return ProvisionResult{Mapping: m, Existing: true}, nil
	}
	h.notify(ctx, log, ev, m)
	return ProvisionResult{Mapping: m}, nil
}

func (h *Hooks) fail(ctx context.Context, log zerolog.Logger, ev ProvisionEvent, cause error) (ProvisionResult, error) {
	log.Error().Err(cause).Msg("Failed to create port forwarding")

	subject := fmt.Sprintf("NAT Port Forwarding Failed - Service #%d", ev.ServiceID)
	var body strings.Builder
	fmt.Fprintf(&body, "Automatic NAT port forwarding failed for service #%d.\n\n", ev.ServiceID)
	if svc, err := h.registry.GetService(ctx, ev.ServiceID); err == nil {
		fmt.Fprintf(&body, "Service Domain: %s\n", svc.Domain)
		fmt.Fprintf(&body, "Client ID: %d\n", svc.OwnerID)
	}
	fmt.Fprintf(&body, "Error: %v\n\n", cause)
	body.WriteString("Please manually configure port forwarding for this NAT VPS service.")

	ticket, err := h.tickets.CreateTicket(ctx, ev.ServiceID, subject, body.String())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create support ticket")
		return ProvisionResult{}, cause
	}
	log.Info().Str("ticket", ticket.Number).Msg("Created support ticket for failed NAT setup")
	return ProvisionResult{Ticket: ticket}, cause
}

func (h *Hooks) notify(ctx context.Context, log zerolog.Logger, ev ProvisionEvent, m *models.PortMapping) {
	svc, err := h.registry.GetService(ctx, ev.ServiceID)
	if err != nil {
		log.Warn().Err(err).Msg("Owner unknown, connection details not sent")
		return
	}
	username := ev.Username
	if username == "" {
		username = "root"
	}
	details := models.ConnectionDetails{
		ServiceID:   ev.ServiceID,
		Domain:      svc.Domain,
		OwnerEmail:  svc.OwnerEmail,
		PrivateIP:   m.PrivateIP,
		PublicIP:    m.PublicIP,
		PublicPort:  m.PublicPort,
		PrivatePort: m.PrivatePort,
		Username:    username,
		Password:    ev.Password,
	}
	if err := h.notifier.SendConnectionDetails(ctx, svc.OwnerID, details); err != nil {
		log.Error().Err(err).Msg("Failed to send connection details")
		return
	}
	log.Info().Uint("owner_id", svc.OwnerID).Msg("Connection details sent")
}

// OnServiceTerminated marks the service Terminated and removes its
// forwarding. The status is written first so a mapping that outlives this
// call is reclaimed by the next sweep.
func (h *Hooks) OnServiceTerminated(ctx context.Context, serviceID uint) error {
	if err := h.registry.SetServiceStatus(ctx, serviceID, models.ServiceTerminated); err != nil {
		h.log.Warn().Err(err).Uint("service_id", serviceID).Msg("Failed to record termination")
	}
	return h.reconciler.DeleteMapping(ctx, serviceID)
}

// OnServiceSuspended leaves forwarding in place; suspension is reversible.
func (h *Hooks) OnServiceSuspended(ctx context.Context, serviceID uint) error {
	m, err := h.reconciler.Mapping(ctx, serviceID)
	if errors.Is(err, ErrMappingNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info().Uint("service_id", serviceID).Int("public_port", m.PublicPort).
		Msg("Service suspended, port mapping remains active")
	return nil
}

// OnScheduledSweep reclaims orphaned mappings and audits every NAT enabled
// server for rules without a mapping.
func (h *Hooks) OnScheduledSweep(ctx context.Context) (SweepReport, error) {
	removed, err := h.sweeper.Sweep(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Removed: removed}

	servers, err := h.servers.ListServers(ctx)
	if err != nil {
		return report, fmt.Errorf("list servers: %w", err)
	}
	for _, server := range servers {
		cfg, err := config.NATConfigFromServer(server)
		if err != nil || !cfg.Enabled {
			continue
		}
		rules, err := h.sweeper.AuditRemote(ctx, server.ID, cfg, h.pruneRemote)
		if err != nil {
			h.log.Warn().Err(err).Uint("server_id", server.ID).Msg("Remote audit failed")
			continue
		}
		if len(rules) == 0 {
			continue
		}
		if report.Unmanaged == nil {
			report.Unmanaged = make(map[uint][]int)
		}
		for _, r := range rules {
			report.Unmanaged[server.ID] = append(report.Unmanaged[server.ID], r.PublicPort)
		}
	}
	return report, nil
}
