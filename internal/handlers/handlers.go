package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"natforward/internal/cidr"
	"natforward/internal/config"
	"natforward/internal/forwarding"
	"natforward/internal/models"
	"natforward/internal/services"
	"natforward/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ConnectionTester checks that a server's proxy API answers.
type ConnectionTester interface {
	TestConnection(ctx context.Context, serverID uint, timeout time.Duration) (int, error)
}

type Deps struct {
	Hooks        *forwarding.Hooks
	Reconciler   *forwarding.Reconciler
	Mappings     store.MappingStore
	Registry     *services.Registry
	Tickets      *services.TicketStore
	Credentials  *services.CredentialStore
	Proxies      ConnectionTester
	ProxyTimeout time.Duration
	Log          zerolog.Logger
}

type Handler struct {
	Deps
}

// RegisterRoutes mounts the lifecycle hooks under /hooks and the operator
// API under /api.
func RegisterRoutes(e *echo.Echo, d Deps) {
	h := &Handler{Deps: d}

	hooks := e.Group("/hooks")
	hooks.POST("/services", h.UpsertService)
	hooks.POST("/provisioned", h.Provisioned)
	hooks.POST("/terminated/:id", h.Terminated)
	hooks.POST("/suspended/:id", h.Suspended)
	hooks.POST("/sweep", h.Sweep)

	api := e.Group("/api")
	api.GET("/mappings", h.ListMappings)
	api.POST("/mappings", h.CreateMapping)
	api.DELETE("/mappings/:id", h.DeleteMapping)
	api.POST("/cleanup", h.Sweep)
	api.GET("/stats", h.Stats)
	api.GET("/tickets", h.ListTickets)
	api.POST("/servers", h.CreateServer)
	api.GET("/servers/:id/test", h.TestServer)
}

func jsonError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrServerNotFound), errors.Is(err, models.ErrServiceNotFound):
		return http.StatusNotFound
	}
	switch forwarding.KindOf(err) {
	case forwarding.KindInvalidConfig:
		return http.StatusBadRequest
	case forwarding.KindNotNatEligible:
		return http.StatusUnprocessableEntity
	case forwarding.KindMappingNotFound:
		return http.StatusNotFound
	case forwarding.KindPortInUse, forwarding.KindNoCapacity:
		return http.StatusConflict
	case forwarding.KindRemoteRuleCreationFailed, forwarding.KindRemoteRuleDeletionFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func idParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return uint(id), nil
}

func (h *Handler) UpsertService(c echo.Context) error {
	var svc models.Service
	if err := c.Bind(&svc); err != nil {
		return err
	}
	if svc.ID == 0 {
		return jsonError(c, http.StatusBadRequest, "id is required")
	}
	if strings.ContainsAny(svc.Domain+svc.OwnerEmail, "\r\n") {
		return jsonError(c, http.StatusBadRequest, "domain and owner_email must be single line")
	}
	if err := h.Registry.UpsertService(c.Request().Context(), &svc); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, svc)
}

func (h *Handler) Provisioned(c echo.Context) error {
	var ev forwarding.ProvisionEvent
	if err := c.Bind(&ev); err != nil {
		return err
	}
	if ev.ServiceID == 0 || ev.ServerID == 0 {
		return jsonError(c, http.StatusBadRequest, "service_id and server_id are required")
	}

	res, err := h.Hooks.OnServiceProvisioned(c.Request().Context(), ev)
	if err != nil {
		body := map[string]any{"error": err.Error()}
		if res.Ticket != nil {
			body["ticket"] = res.Ticket.Number
		}
		return c.JSON(statusFor(err), body)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Terminated(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := h.Hooks.OnServiceTerminated(c.Request().Context(), id); err != nil {
		return jsonError(c, statusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Suspended(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := h.Hooks.OnServiceSuspended(c.Request().Context(), id); err != nil {
		return jsonError(c, statusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Sweep(c echo.Context) error {
	report, err := h.Hooks.OnScheduledSweep(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListMappings(c echo.Context) error {
	mappings, err := h.Mappings.List(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, mappings)
}

func (h *Handler) CreateMapping(c echo.Context) error {
	var req struct {
		ServiceID   uint   `json:"service_id"`
		ServerID    uint   `json:"server_id"`
		VPSUUID     string `json:"vps_uuid"`
		PrivateIP   string `json:"private_ip"`
		PrivatePort int    `json:"private_port"`
		PublicPort  int    `json:"public_port"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ServiceID == 0 || req.ServerID == 0 || req.PrivateIP == "" {
		return jsonError(c, http.StatusBadRequest, "service_id, server_id and private_ip are required")
	}
	if req.PublicPort < 0 || req.PublicPort > 65535 || req.PrivatePort < 0 || req.PrivatePort > 65535 {
		return jsonError(c, http.StatusBadRequest, "port out of range")
	}

	ctx := c.Request().Context()
	server, err := h.Registry.GetServer(ctx, req.ServerID)
	if err != nil {
		return jsonError(c, statusFor(err), err.Error())
	}
	cfg, err := config.NATConfigFromServer(*server)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	m, err := h.Reconciler.CreateMapping(ctx, forwarding.CreateRequest{
		ServiceID:   req.ServiceID,
		ServerID:    req.ServerID,
		VPSUUID:     req.VPSUUID,
		PrivateIP:   req.PrivateIP,
		PrivatePort: req.PrivatePort,
		PublicPort:  req.PublicPort,
	}, cfg)
	if err != nil {
		return jsonError(c, statusFor(err), err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) DeleteMapping(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if _, err := h.Reconciler.DeleteMappingByID(c.Request().Context(), id); err != nil {
		return jsonError(c, statusFor(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type serverStats struct {
	ServerID uint   `json:"server_id"`
	Name     string `json:"name"`
	forwarding.Usage
}

func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	total, err := h.Mappings.Count(ctx)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	servers, err := h.Registry.ListServers(ctx)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	perServer := []serverStats{}
	for _, s := range servers {
		cfg, err := config.NATConfigFromServer(s)
		if err != nil || !cfg.Enabled {
			continue
		}
		u, err := h.Reconciler.Usage(ctx, cfg.PortRange)
		if err != nil {
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		perServer = append(perServer, serverStats{ServerID: s.ID, Name: s.Name, Usage: u})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"total_mappings": total,
		"servers":        perServer,
	})
}

func (h *Handler) ListTickets(c echo.Context) error {
	tickets, err := h.Tickets.OpenTickets(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tickets)
}

func (h *Handler) CreateServer(c echo.Context) error {
	var req struct {
		Name         string `json:"name"`
		Hostname     string `json:"hostname"`
		IPAddress    string `json:"ip_address"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		NATEnabled   bool   `json:"nat_enabled"`
		NATPublicIP  string `json:"nat_public_ip"`
		NATPortRange string `json:"nat_port_range"`
		NATDestPort  int    `json:"nat_dest_port"`
		NATIPRange   string `json:"nat_ip_range"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Name == "" || (req.Hostname == "" && req.IPAddress == "") {
		return jsonError(c, http.StatusBadRequest, "name and hostname or ip_address are required")
	}
	if req.NATPortRange != "" && !config.ValidPortRange(req.NATPortRange) {
		return jsonError(c, http.StatusBadRequest, "invalid nat_port_range")
	}
	if req.NATIPRange != "" && !cidr.Valid(req.NATIPRange) {
		return jsonError(c, http.StatusBadRequest, "invalid nat_ip_range")
	}

	enc, err := h.Credentials.Encrypt(req.Password)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	server := &models.Server{
		Name:         req.Name,
		Hostname:     req.Hostname,
		IPAddress:    req.IPAddress,
		Username:     req.Username,
		PasswordEnc:  enc,
		NATEnabled:   req.NATEnabled,
		NATPublicIP:  req.NATPublicIP,
		NATPortRange: req.NATPortRange,
		NATDestPort:  req.NATDestPort,
		NATIPRange:   req.NATIPRange,
	}
	if err := h.Registry.CreateServer(c.Request().Context(), server); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	h.Log.Info().Uint("server_id", server.ID).Str("name", server.Name).Msg("Server registered")
	return c.JSON(http.StatusCreated, server)
}

func (h *Handler) TestServer(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	n, err := h.Proxies.TestConnection(c.Request().Context(), id, h.ProxyTimeout)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "rules": n})
}
