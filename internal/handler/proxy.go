package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"miniproxy-go/internal/config"
	"miniproxy-go/internal/model"
	"miniproxy-go/internal/rewrite"
	"miniproxy-go/internal/service"
)

// targetParam carries the target when it is not appended to the proxy path.
const targetParam = "url"

// deniedMessage is shared by every policy rejection so clients cannot tell
// an explicit rule from a private or unresolvable address.
const deniedMessage = "target not allowed"

// ProxyHandler fetches targets through the proxy service and writes the
// result back to the client.
type ProxyHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to its target and streams the response back.
// The target follows the proxy path, as in /p/https://example.net/page, or
// arrives in the "url" query parameter.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target := h.target(c)
	if target == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing target url",
		})
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        target,
		Prefix:        proxyPrefix(c, h.cfg),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientIP:      c.RealIP(),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if resp.ContentLength >= 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out when copying fails, so the client
	// sees a truncated body; all that is left is to log it.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target", target,
		)
	}

	return nil
}

// target extracts the raw target from the request URI so that the target's
// own query string survives untouched.
func (h *ProxyHandler) target(c echo.Context) string {
	uri := c.Request().RequestURI
	if uri == "" {
		uri = c.Request().URL.RequestURI()
	}
	rest, ok := strings.CutPrefix(uri, h.cfg.Proxy.Path)
	if !ok {
		return ""
	}
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" || strings.HasPrefix(rest, "?") {
		return strings.TrimSpace(c.QueryParam(targetParam))
	}
	// Some clients escape the whole target.
	if !strings.Contains(rest, ":/") && strings.Contains(strings.ToLower(rest), "%3a") {
		if unescaped, err := url.PathUnescape(rest); err == nil {
			rest = unescaped
		}
	}
	return rest
}

// proxyPrefix returns the URL that rewritten references are appended to.
// Without a configured public URL it is derived from the request.
func proxyPrefix(c echo.Context, cfg *config.Config) string {
	base := cfg.Proxy.PublicURL
	if base == "" {
		base = c.Scheme() + "://" + c.Request().Host
	}
	return strings.TrimRight(base, "/") + cfg.Proxy.Path + "/"
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
	)

	status, msg := classifyError(err)
	return c.JSON(status, map[string]string{"error": msg})
}

// classifyError maps a Forward error onto a status code and a message that
// is safe to show to clients.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrMalformedTarget):
		return http.StatusBadRequest, "malformed target url"
	case errors.Is(err, service.ErrUnsupportedScheme), errors.Is(err, service.ErrPolicyDenied):
		return http.StatusForbidden, deniedMessage
	case errors.Is(err, service.ErrBodyTooLarge):
		return http.StatusBadGateway, "upstream response too large"
	case errors.Is(err, rewrite.ErrRewrite):
		return http.StatusBadGateway, "upstream response could not be rewritten"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return http.StatusBadGateway, "upstream connection failed"
	}

	return http.StatusBadGateway, "upstream request failed"
}
