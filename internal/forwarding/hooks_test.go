package forwarding

import (
	"context"
	"errors"
	"testing"
	"time"

	"natforward/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type hookHarness struct {
	*harness
	registry *fakeRegistry
	notifier *mockNotifier
	tickets  *mockTickets
	hooks    *Hooks
}

func newHookHarness(t *testing.T) *hookHarness {
	h := newHarness(t)
	reg := &fakeRegistry{
		services: map[uint]*models.Service{
			42: {ID: 42, ServerID: 1, Status: models.ServiceActive, Domain: "vps42.example", OwnerID: 7, OwnerEmail: "owner@example.com"},
		},
		servers: map[uint]*models.Server{
			1: {ID: 1, Name: "node1", Hostname: "node1.example", NATEnabled: true, NATPublicIP: "203.0.113.10", NATPortRange: "20000-20005"},
		},
	}
	hh := &hookHarness{
		harness:  h,
		registry: reg,
		notifier: new(mockNotifier),
		tickets:  new(mockTickets),
	}
	sweeper := NewSweeper(h.store, h.reconciler, reg, time.Minute, zerolog.Nop())
	hh.hooks = NewHooks(h.reconciler, sweeper, reg, reg, hh.notifier, hh.tickets, false, zerolog.Nop())
	return hh
}

func TestOnServiceProvisionedSendsConnectionDetails(t *testing.T) {
	hh := newHookHarness(t)
	hh.notifier.On("SendConnectionDetails", uint(7), mock.MatchedBy(func(d models.ConnectionDetails) bool {
		return d.PublicIP == "203.0.113.10" && d.PublicPort == 20000 && d.PrivatePort == 22 &&
			d.Username == "root" && d.Password == "s3cret" && d.OwnerEmail == "owner@example.com"
	})).Return(nil)

	res, err := hh.hooks.OnServiceProvisioned(context.Background(), ProvisionEvent{
		ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7", Password: "s3cret",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Mapping)
	assert.False(t, res.Skipped)
	assert.Equal(t, 20000, res.Mapping.PublicPort)

	hh.notifier.AssertExpectations(t)
	hh.tickets.AssertNotCalled(t, "CreateTicket", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnServiceProvisionedOpensTicketOnFailure(t *testing.T) {
	hh := newHookHarness(t)
	hh.proxy.addErr = errors.New("src_port already used")
	hh.tickets.On("CreateTicket", uint(42), "NAT Port Forwarding Failed - Service #42",
		mock.MatchedBy(func(body string) bool {
			return assert.Contains(t, body, "src_port already used") && assert.Contains(t, body, "vps42.example")
		})).Return(&models.Ticket{Number: "8f14e45f"}, nil)

	res, err := hh.hooks.OnServiceProvisioned(context.Background(), ProvisionEvent{
		ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7",
	})
	assert.ErrorIs(t, err, ErrRemoteRuleCreationFailed)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, "8f14e45f", res.Ticket.Number)

	hh.tickets.AssertExpectations(t)
	hh.notifier.AssertNotCalled(t, "SendConnectionDetails", mock.Anything, mock.Anything)

	n, err := hh.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOnServiceProvisionedSkips(t *testing.T) {
	hh := newHookHarness(t)

	res, err := hh.hooks.OnServiceProvisioned(context.Background(), ProvisionEvent{
		ServiceID: 42, ServerID: 1, PrivateIP: "10.1.1.1",
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	hh.registry.servers[1].NATEnabled = false
	res, err = hh.hooks.OnServiceProvisioned(context.Background(), ProvisionEvent{
		ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7",
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, hh.proxy.adds)
}

func TestOnServiceProvisionedInvalidServerConfig(t *testing.T) {
	hh := newHookHarness(t)
	hh.registry.servers[1].NATPortRange = "30000-20000"
	hh.tickets.On("CreateTicket", uint(42), mock.Anything, mock.Anything).Return(&models.Ticket{Number: "t1"}, nil)

	_, err := hh.hooks.OnServiceProvisioned(context.Background(), ProvisionEvent{
		ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7",
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	hh.tickets.AssertExpectations(t)
}

func TestOnServiceTerminatedAndSuspended(t *testing.T) {
	ctx := context.Background()
	hh := newHookHarness(t)
	hh.notifier.On("SendConnectionDetails", mock.Anything, mock.Anything).Return(nil)

	_, err := hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7"})
	require.NoError(t, err)

	require.NoError(t, hh.hooks.OnServiceSuspended(ctx, 42))
	_, err = hh.store.FindByService(ctx, 42)
	assert.NoError(t, err, "suspension keeps forwarding")

	require.NoError(t, hh.hooks.OnServiceTerminated(ctx, 42))
	_, err = hh.store.FindByService(ctx, 42)
	assert.Error(t, err)

	assert.NoError(t, hh.hooks.OnServiceSuspended(ctx, 42))
	assert.NoError(t, hh.hooks.OnServiceTerminated(ctx, 42))
}

func TestOnScheduledSweep(t *testing.T) {
	ctx := context.Background()
	hh := newHookHarness(t)
	hh.notifier.On("SendConnectionDetails", mock.Anything, mock.Anything).Return(nil)

	_, err := hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7"})
	require.NoError(t, err)
	_, err = hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 43, ServerID: 1, PrivateIP: "192.168.100.8"})
	require.NoError(t, err)
	require.NoError(t, hh.registry.SetServiceStatus(ctx, 43, models.ServiceCancelled))

	report, err := hh.hooks.OnScheduledSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed, "service 43 was cancelled")
	assert.Empty(t, report.Unmanaged)

	_, err = hh.store.FindByService(ctx, 42)
	assert.NoError(t, err)
	_, err = hh.store.FindByService(ctx, 43)
	assert.Error(t, err)
}

func TestProvisionedServiceSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	hh := newHookHarness(t)
	hh.notifier.On("SendConnectionDetails", mock.Anything, mock.Anything).Return(nil)

	// 44 never went through the service upsert hook.
	res, err := hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 44, ServerID: 1, PrivateIP: "192.168.100.9"})
	require.NoError(t, err)
	require.NotNil(t, res.Mapping)

	svc, err := hh.registry.GetService(ctx, 44)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceActive, svc.Status)
	assert.Equal(t, uint(1), svc.ServerID)

	report, err := hh.hooks.OnScheduledSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Removed)

	m, err := hh.store.FindByService(ctx, 44)
	require.NoError(t, err)
	assert.Equal(t, res.Mapping.PublicPort, m.PublicPort)
	assert.Len(t, hh.proxy.rules, 1)
}

func TestProvisionKeepsKnownServiceStatus(t *testing.T) {
	ctx := context.Background()
	hh := newHookHarness(t)
	hh.registry.services[45] = &models.Service{ID: 45, Status: models.ServicePending}
	hh.registry.services[46] = &models.Service{ID: 46, ServerID: 1, Status: models.ServiceCancelled}
	hh.notifier.On("SendConnectionDetails", mock.Anything, mock.Anything).Return(nil)

	_, err := hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 45, ServerID: 1, PrivateIP: "192.168.100.10"})
	require.NoError(t, err)
	_, err = hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 46, ServerID: 1, PrivateIP: "192.168.100.11"})
	require.NoError(t, err)

	assert.Equal(t, models.ServiceActive, hh.registry.services[45].Status)
	assert.Equal(t, uint(1), hh.registry.services[45].ServerID)
	assert.Equal(t, models.ServiceCancelled, hh.registry.services[46].Status)
}

func TestOnServiceTerminatedRecordsStatus(t *testing.T) {
	ctx := context.Background()
	hh := newHookHarness(t)
	hh.notifier.On("SendConnectionDetails", mock.Anything, mock.Anything).Return(nil)

	_, err := hh.hooks.OnServiceProvisioned(ctx, ProvisionEvent{ServiceID: 47, ServerID: 1, PrivateIP: "192.168.100.12"})
	require.NoError(t, err)

	require.NoError(t, hh.hooks.OnServiceTerminated(ctx, 47))
	assert.Equal(t, models.ServiceTerminated, hh.registry.services[47].Status)
	_, err = hh.store.FindByService(ctx, 47)
	assert.Error(t, err)

	// Unknown services are recorded too, so a late mapping is reclaimed.
	require.NoError(t, hh.hooks.OnServiceTerminated(ctx, 48))
	assert.Equal(t, models.ServiceTerminated, hh.registry.services[48].Status)
}

func TestOnServiceProvisionedRegistryFailure(t *testing.T) {
	hh := newHookHarness(t)
	hh.registry.err = errors.New("db locked")
	hh.tickets.On("CreateTicket", uint(42), mock.Anything, mock.Anything).Return(&models.Ticket{Number: "t2"}, nil)

	_, err := hh.hooks.OnServiceProvisioned(context.Background(), ProvisionEvent{ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7"})
	assert.Error(t, err)
	assert.Zero(t, hh.proxy.adds)
	hh.tickets.AssertExpectations(t)
}

func TestRepeatedProvisionNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	hh := newHookHarness(t)
	hh.notifier.On("SendConnectionDetails", uint(7), mock.Anything).Return(nil)
	ev := ProvisionEvent{ServiceID: 42, ServerID: 1, PrivateIP: "192.168.100.7", Password: "s3cret"}

	first, err := hh.hooks.OnServiceProvisioned(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Existing)

	again, err := hh.hooks.OnServiceProvisioned(ctx, ev)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	require.NotNil(t, again.Mapping)
	assert.Equal(t, first.Mapping.ID, again.Mapping.ID)

	hh.notifier.AssertNumberOfCalls(t, "SendConnectionDetails", 1)
	assert.Equal(t, 1, hh.proxy.adds)
}
