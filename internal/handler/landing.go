package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"miniproxy-go/internal/config"
	"miniproxy-go/internal/urls"
)

//go:embed templates/landing.html
var templateFS embed.FS

var landingTemplate = template.Must(template.ParseFS(templateFS, "templates/landing.html"))

const robotsTxt = "User-agent: *\nDisallow: /\n"

// LandingHandler serves the entry page and robots.txt.
type LandingHandler struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewLandingHandler creates a LandingHandler.
func NewLandingHandler(cfg *config.Config, logger *slog.Logger) *LandingHandler {
	return &LandingHandler{
		cfg:    cfg,
		logger: logger.With("component", "landing_handler"),
	}
}

// Index redirects to the proxied start URL when one is configured and
// renders the URL form otherwise.
func (h *LandingHandler) Index(c echo.Context) error {
	prefix := proxyPrefix(c, h.cfg)

	if start := h.cfg.Proxy.StartURL; start != "" {
		u, err := urls.Classify(start)
		if err != nil {
			h.logger.Error("invalid start url", "err", err)
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		return c.Redirect(http.StatusFound, prefix+u.String())
	}

	data := struct {
		Action      string
		ExampleURL  string
		ExampleLink string
	}{
		Action: h.cfg.Proxy.Path,
	}
	if ex := h.cfg.Proxy.LandingExampleURL; ex != "" {
		if u, err := urls.Classify(ex); err == nil {
			data.ExampleURL = u.String()
			data.ExampleLink = prefix + u.String()
		}
	}

	var buf bytes.Buffer
	if err := landingTemplate.Execute(&buf, data); err != nil {
		h.logger.Error("render landing page", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	c.Response().Header().Set("X-Robots-Tag", "noindex, nofollow")
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

// Robots asks crawlers to stay away from everything behind the proxy.
func (h *LandingHandler) Robots(c echo.Context) error {
	return c.String(http.StatusOK, robotsTxt)
}
