// Package handlers provides the HTTP API handlers for the management server.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaybothq/relaybot/internal/fleet"
)

// FleetObserver exposes the observed listener state. Satisfied by the fleet
// registry.
type FleetObserver interface {
	List() []fleet.Handle
}

// StatusHandler serves liveness and the fleet state snapshot.
type StatusHandler struct {
	fleet  FleetObserver
	logger *slog.Logger
}

// TenantStatus is one tenant's row in the status snapshot.
type TenantStatus struct {
	TenantID  int64     `json:"tenant_id"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// StatusResponse is the body for GET /api/status.
type StatusResponse struct {
	Tenants []TenantStatus `json:"tenants"`
}

// NewStatusHandler creates a status handler over the fleet registry.
func NewStatusHandler(log *slog.Logger, observer FleetObserver) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{
		fleet:  observer,
		logger: log.With(slog.String("handler", "status")),
	}
}

// Register mounts GET /health and GET /api/status on the Echo instance.
func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/api/status", h.Status)
}

// Health returns 200 JSON {"status":"ok"}.
func (h *StatusHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the per-tenant listener state snapshot.
func (h *StatusHandler) Status(c echo.Context) error {
	handles := h.fleet.List()
	tenants := make([]TenantStatus, 0, len(handles))
	for _, hd := range handles {
		tenants = append(tenants, TenantStatus{
			TenantID:  hd.TenantID,
			State:     string(hd.State),
			Failures:  hd.Failures,
			StartedAt: hd.StartedAt,
		})
	}
	return c.JSON(http.StatusOK, StatusResponse{Tenants: tenants})
}
