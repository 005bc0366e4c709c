package handler

import (
	"github.com/labstack/echo/v4"

	"miniproxy-go/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, landing *LandingHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/robots.txt", landing.Robots)
	e.GET("/", landing.Index)

	e.Any(cfg.Proxy.Path, proxy.Handle)
	e.Any(cfg.Proxy.Path+"/*", proxy.Handle)
}
