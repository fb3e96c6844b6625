package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"model-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status              string `json:"status"`
	Service             string `json:"service"`
	Model               string `json:"model,omitempty"`
	Version             string `json:"version"`
	Upstream            string `json:"upstream"`
	FilterReasoning     bool   `json:"filter_reasoning"`
	DisableThinkingTags bool   `json:"disable_thinking_tags"`
	AuthEnabled         bool   `json:"auth_enabled"`
}

// HealthHandler serves health and status endpoints for one gateway.
type HealthHandler struct {
	svc      *config.ServiceConfig
	upstream string
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *config.ServiceConfig, upstream string, v Version) *HealthHandler {
	return &HealthHandler{svc: svc, upstream: upstream, version: v}
}

// Healthz returns a simple OK response for liveness probes. It does not
// contact the backend.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:              "ok",
		Service:             h.svc.Name,
		Model:               h.svc.Model,
		Version:             string(h.version),
		Upstream:            h.upstream,
		FilterReasoning:     h.svc.FilterReasoning,
		DisableThinkingTags: h.svc.DisableThinkingTags,
		AuthEnabled:         h.svc.AuthEnabled(),
	})
}
