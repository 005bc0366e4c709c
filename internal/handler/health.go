package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"miniproxy-go/internal/config"
	"miniproxy-go/internal/guard"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	policy  *guard.Policy
	version Version
}

// StatusResponse is the body of /proxy/status.
type StatusResponse struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	ProxyPath            string `json:"proxy_path"`
	PublicURL            string `json:"public_url,omitempty"`
	AllowPatterns        int    `json:"allow_patterns"`
	DenyPatterns         int    `json:"deny_patterns"`
	BlockPrivateNetworks bool   `json:"block_private_networks"`
	Anonymize            bool   `json:"anonymize"`
	ForceCORS            bool   `json:"force_cors"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, p *guard.Policy, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, policy: p, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Pattern contents are not exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:               "ok",
		Version:              string(h.version),
		ProxyPath:            h.cfg.Proxy.Path,
		PublicURL:            h.cfg.Proxy.PublicURL,
		AllowPatterns:        len(h.policy.Allow),
		DenyPatterns:         len(h.policy.Deny),
		BlockPrivateNetworks: h.policy.BlockPrivateNetworks,
		Anonymize:            h.policy.Anonymize,
		ForceCORS:            h.policy.ForceCORS,
	})
}
