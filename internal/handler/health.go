// Package handler serves the admin HTTP endpoints.
package handler

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"ua-rewrite-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// ProxyState reports the live state of the interception listener.
type ProxyState interface {
	Addrs() []net.Addr
	Active() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	state   ProxyState
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, state ProxyState, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, state: state, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the /proxy/status endpoint.
type StatusResponse struct {
	Status            string   `json:"status"`
	Version           string   `json:"version"`
	Listen            []string `json:"listen"`
	Header            string   `json:"header"`
	Value             string   `json:"value"`
	Resolver          string   `json:"resolver"`
	ActiveConnections int64    `json:"active_connections"`
	MaxConnections    int      `json:"max_connections"`
}

// Status returns proxy status information. The status is "starting" until
// the listener has bound its addresses.
func (h *HealthHandler) Status(c echo.Context) error {
	addrs := h.state.Addrs()
	listen := make([]string, 0, len(addrs))
	for _, a := range addrs {
		listen = append(listen, a.String())
	}

	status := "ok"
	if len(listen) == 0 {
		status = "starting"
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:            status,
		Version:           string(h.version),
		Listen:            listen,
		Header:            h.cfg.Rewrite.Header,
		Value:             h.cfg.Rewrite.Value,
		Resolver:          h.cfg.Resolver.Mode,
		ActiveConnections: h.state.Active(),
		MaxConnections:    h.cfg.Server.MaxConnections,
	})
}
