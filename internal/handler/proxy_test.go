package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"miniproxy-go/internal/client"
	"miniproxy-go/internal/config"
	"miniproxy-go/internal/guard"
	"miniproxy-go/internal/rewrite"
	"miniproxy-go/internal/service"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, guard.ErrNoAddresses
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{Path: "/p"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxBodyBytes:    1 << 20,
			UserAgent:       "miniproxy-test/1.0",
		},
	}
}

func newTestProxyService(t *testing.T, cfg *config.Config, opts guard.PolicyOptions) (*service.ProxyService, *guard.Policy) {
	t.Helper()
	p, err := guard.NewPolicy(opts)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	r := staticResolver{"internal.example": {netip.MustParseAddr("10.1.2.3")}}
	g := guard.NewGuard(r, testLogger(), nil)
	f := client.NewFetcher(cfg, testLogger(), nil)
	return service.NewProxyService(f, g, p, cfg, testLogger(), nil), p
}

func newTestProxyHandler(t *testing.T, cfg *config.Config, opts guard.PolicyOptions) *ProxyHandler {
	t.Helper()
	svc, _ := newTestProxyService(t, cfg, opts)
	return NewProxyHandler(svc, cfg, testLogger())
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestProxyHandler_Handle_RewritesHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "x=1" {
			t.Errorf("upstream query = %q, want %q", r.URL.RawQuery, "x=1")
		}
		if r.Header.Get("X-Forwarded-For") != "" {
			t.Error("X-Forwarded-For reached the upstream")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head></head><body><a href="/x">x</a><img src="i.png"></body></html>`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), guard.PolicyOptions{Anonymize: true})

	req := httptest.NewRequest(http.MethodGet, "/p/"+upstream.URL+"/page?x=1", http.NoBody)
	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	prefix := "http://example.com/p/"
	body := rec.Body.String()
	for _, want := range []string{
		`href="` + prefix + upstream.URL + `/x"`,
		`src="` + prefix + upstream.URL + `/i.png"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q:\n%s", want, body)
		}
	}
	if got := rec.Header().Get(echo.HeaderContentLength); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, want %d", got, len(body))
	}
	if got := rec.Header().Get("X-Robots-Tag"); got != "noindex, nofollow" {
		t.Errorf("X-Robots-Tag = %q", got)
	}
}

func TestProxyHandler_Handle_PublicURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(`a{background:url(/bg.png)}`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.PublicURL = "https://proxy.example/"
	h := newTestProxyHandler(t, cfg, guard.PolicyOptions{})

	req := httptest.NewRequest(http.MethodGet, "/p/"+upstream.URL+"/site.css", http.NoBody)
	rec := serve(t, h, req)

	want := "a{background:url(https://proxy.example/p/" + upstream.URL + "/bg.png)}"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestProxyHandler_Handle_QueryParamTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("path=" + r.URL.Path))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), guard.PolicyOptions{})

	req := httptest.NewRequest(http.MethodGet, "/p?url="+url.QueryEscape(upstream.URL+"/hello"), http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "path=/hello" {
		t.Errorf("got %d %q, want 200 %q", rec.Code, rec.Body.String(), "path=/hello")
	}
}

func TestProxyHandler_Handle_StreamsBinary(t *testing.T) {
	payload := strings.Repeat("\x00\x01\x02binary", 1000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), guard.PolicyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/p/"+upstream.URL+"/file.bin", http.NoBody))

	if rec.Body.String() != payload {
		t.Errorf("body differs from upstream payload (%d vs %d bytes)", rec.Body.Len(), len(payload))
	}
	if got := rec.Header().Get(echo.HeaderContentLength); got != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", got, len(payload))
	}
}

func TestProxyHandler_Handle_Redirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), guard.PolicyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/p/"+upstream.URL+"/start", http.NoBody))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if got, want := rec.Header().Get("Location"), "http://example.com/p/"+upstream.URL+"/next"; got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestProxyHandler_Handle_PostBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "%s %s %d", r.Method, b, r.ContentLength)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), guard.PolicyOptions{})
	req := httptest.NewRequest(http.MethodPost, "/p/"+upstream.URL+"/form", strings.NewReader("a=1&b=2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(t, h, req)

	if got := rec.Body.String(); got != "POST a=1&b=2 7" {
		t.Errorf("body = %q", got)
	}
}

func TestProxyHandler_Handle_Errors(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name       string
		path       string
		opts       guard.PolicyOptions
		wantStatus int
		wantError  string
	}{
		{"missing target", "/p/", guard.PolicyOptions{}, http.StatusBadRequest, "missing target url"},
		{"malformed target", "/p/http://", guard.PolicyOptions{}, http.StatusBadRequest, "malformed target url"},
		{"private literal", "/p/http://127.0.0.1:9/", guard.PolicyOptions{BlockPrivateNetworks: true}, http.StatusForbidden, deniedMessage},
		{"private by dns", "/p/http://internal.example/", guard.PolicyOptions{BlockPrivateNetworks: true}, http.StatusForbidden, deniedMessage},
		{"unresolvable", "/p/http://nowhere.example/", guard.PolicyOptions{BlockPrivateNetworks: true}, http.StatusForbidden, deniedMessage},
		{"denied pattern", "/p/http://blocked.example/", guard.PolicyOptions{Deny: []string{"blocked.example"}}, http.StatusForbidden, deniedMessage},
		{"unsupported scheme", "/p/ftp://example.net/", guard.PolicyOptions{}, http.StatusForbidden, deniedMessage},
		{"unreachable", "/p/" + closedURL + "/", guard.PolicyOptions{}, http.StatusBadGateway, "upstream connection failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestProxyHandler(t, testConfig(), tt.opts)
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorBody(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestProxyHandler_Handle_RewriteFailureFailsClosed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><style>a{background:url(/x.png)} b{content:"open</style></head></html>`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), guard.PolicyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/p/"+upstream.URL+"/", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if strings.Contains(rec.Body.String(), upstream.URL) {
		t.Error("partially rewritten markup leaked to the client")
	}
}

func TestProxyHandler_Target(t *testing.T) {
	h := NewProxyHandler(nil, testConfig(), testLogger())

	tests := []struct {
		uri  string
		want string
	}{
		{"/p/http://example.net/a?b=1", "http://example.net/a?b=1"},
		{"/p/https://example.net/", "https://example.net/"},
		{"/p/example.net/a", "example.net/a"},
		{"/p/http:/example.net/", "http:/example.net/"},
		{"/p/http%3A%2F%2Fexample.net%2Fx", "http://example.net/x"},
		{"/p?url=http%3A%2F%2Fexample.net%2F", "http://example.net/"},
		{"/p/?url=example.net", "example.net"},
		{"/p/", ""},
		{"/p", ""},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, tt.uri, http.NoBody), httptest.NewRecorder())
			if got := h.target(c); got != tt.want {
				t.Errorf("target(%q) = %q, want %q", tt.uri, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"malformed", fmt.Errorf("%w: x", service.ErrMalformedTarget), http.StatusBadRequest},
		{"scheme", fmt.Errorf("%w: x", service.ErrUnsupportedScheme), http.StatusForbidden},
		{"policy", fmt.Errorf("%w: x", service.ErrPolicyDenied), http.StatusForbidden},
		{"too large", fmt.Errorf("%w: x", service.ErrBodyTooLarge), http.StatusBadGateway},
		{"rewrite", fmt.Errorf("rewrite html: %w", rewrite.ErrRewrite), http.StatusBadGateway},
		{"deadline", fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"net timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutError{}}, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusBadGateway},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classifyError(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if msg == "" || strings.Contains(msg, tt.err.Error()) {
				t.Errorf("message %q is empty or echoes the error", msg)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
