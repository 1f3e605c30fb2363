package forwarding

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"natforward/internal/config"
	"natforward/internal/database"
	"natforward/internal/models"
	"natforward/internal/proxy"
	"natforward/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	mu        sync.Mutex
	rules     []proxy.Rule
	nextID    int
	host      string
	addErr    error
	listErr   error
	deleteErr error
	adds      int
	deletes   []string
}

func (p *fakeProxy) ListRules(ctx context.Context) ([]proxy.Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]proxy.Rule(nil), p.rules...), nil
}

func (p *fakeProxy) AddRule(ctx context.Context, spec proxy.RuleSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adds++
	if p.addErr != nil {
		return "", p.addErr
	}
	p.nextID++
	id := strconv.Itoa(p.nextID)
	p.rules = append(p.rules, proxy.Rule{
		ID:          id,
		Protocol:    spec.Protocol,
		PublicIP:    spec.PublicIP,
		PublicPort:  spec.PublicPort,
		PrivateIP:   spec.PrivateIP,
		PrivatePort: spec.PrivatePort,
	})
	return id, nil
}

func (p *fakeProxy) DeleteRule(ctx context.Context, ruleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, ruleID)
	if p.deleteErr != nil {
		return p.deleteErr
	}
	for i, r := range p.rules {
		if r.ID == ruleID {
			p.rules = append(p.rules[:i], p.rules[i+1:]...)
			return nil
		}
	}
	return errors.New("no such rule")
}

func (p *fakeProxy) HostAddress(ctx context.Context) (string, error) {
	if p.host == "" {
		return "", errors.New("no host address")
	}
	return p.host, nil
}

type fakeSource struct {
	client proxy.Client
	err    error
}

func (s fakeSource) ClientFor(ctx context.Context, serverID uint) (proxy.Client, error) {
	return s.client, s.err
}

type fakeRegistry struct {
	mu       sync.Mutex
	services map[uint]*models.Service
	servers  map[uint]*models.Server
	err      error
}

func (r *fakeRegistry) GetService(ctx context.Context, id uint) (*models.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	svc, ok := r.services[id]
	if !ok {
		return nil, models.ErrServiceNotFound
	}
	return svc, nil
}

func (r *fakeRegistry) EnsureService(ctx context.Context, serviceID, serverID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.services == nil {
		r.services = map[uint]*models.Service{}
	}
	svc, ok := r.services[serviceID]
	if !ok {
		r.services[serviceID] = &models.Service{ID: serviceID, ServerID: serverID, Status: models.ServiceActive}
		return nil
	}
	if svc.Status == models.ServicePending || svc.Status == "" {
		svc.Status = models.ServiceActive
	}
	if svc.ServerID == 0 {
		svc.ServerID = serverID
	}
	return nil
}

func (r *fakeRegistry) SetServiceStatus(ctx context.Context, serviceID uint, status models.ServiceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.services == nil {
		r.services = map[uint]*models.Service{}
	}
	if svc, ok := r.services[serviceID]; ok {
		svc.Status = status
		return nil
	}
	r.services[serviceID] = &models.Service{ID: serviceID, Status: status}
	return nil
}

func (r *fakeRegistry) GetServer(ctx context.Context, id uint) (*models.Server, error) {
	s, ok := r.servers[id]
	if !ok {
		return nil, models.ErrServerNotFound
	}
	return s, nil
}

func (r *fakeRegistry) ListServers(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	for _, s := range r.servers {
		out = append(out, *s)
	}
	return out, nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendConnectionDetails(ctx context.Context, ownerID uint, details models.ConnectionDetails) error {
	args := m.Called(ownerID, details)
	return args.Error(0)
}

type mockTickets struct {
	mock.Mock
}

func (m *mockTickets) CreateTicket(ctx context.Context, serviceID uint, subject, body string) (*models.Ticket, error) {
	args := m.Called(serviceID, subject, body)
	t, _ := args.Get(0).(*models.Ticket)
	return t, args.Error(1)
}

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "nat.db"), zerolog.Nop())
	require.NoError(t, err)
	return store.NewGormStore(db)
}

func testNATConfig() config.ServerNATConfig {
	return config.ServerNATConfig{
		Enabled:   true,
		PublicIP:  "203.0.113.10",
		PortRange: config.PortRange{Start: 20000, End: 20005},
		DestPort:  22,
		NATCIDR:   "192.168.100.0/24",
	}
}

type harness struct {
	store      *store.GormStore
	proxy      *fakeProxy
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	st := newStore(t)
	p := &fakeProxy{host: "198.51.100.4"}
	return &harness{
		store:      st,
		proxy:      p,
		reconciler: NewReconciler(st, fakeSource{client: p}, NewLocalLocker(), time.Second, zerolog.Nop()),
	}
}
