package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"miniproxy-go/internal/client"
	"miniproxy-go/internal/config"
	"miniproxy-go/internal/guard"
	"miniproxy-go/internal/metrics"
	"miniproxy-go/internal/model"
	"miniproxy-go/internal/rewrite"
)

const testPrefix = "https://proxy.example/p/"

type stubFetcher struct {
	calls int
	last  *model.UpstreamRequest
	ctx   context.Context
	resp  *model.UpstreamResponse
	err   error
}

func (f *stubFetcher) Fetch(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	f.calls++
	f.last = req
	f.ctx = ctx
	return f.resp, f.err
}

func respond(status int, contentType, body string) *model.UpstreamResponse {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &model.UpstreamResponse{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, guard.ErrNoAddresses
	}
	return addrs, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			IdleConnections: 4,
			MaxBodyBytes:    1 << 20,
			UserAgent:       "miniproxy-test/1.0",
		},
	}
}

func newService(t *testing.T, f Fetcher, opts guard.PolicyOptions, cfg *config.Config, m *metrics.Metrics) *ProxyService {
	t.Helper()
	p, err := guard.NewPolicy(opts)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	r := staticResolver{
		"example.net":      {netip.MustParseAddr("93.184.215.14")},
		"internal.example": {netip.MustParseAddr("127.0.0.1")},
		"mixed.example":    {netip.MustParseAddr("93.184.215.14"), netip.MustParseAddr("fd00::1")},
	}
	g := guard.NewGuard(r, testLogger(), m)
	return NewProxyService(f, g, p, cfg, testLogger(), m)
}

func request(method, target string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   method,
		Target:   target,
		Prefix:   testPrefix,
		Header:   http.Header{},
		Body:     http.NoBody,
		ClientIP: "203.0.113.7",
	}
}

func readBody(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestForward_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Security-Policy", "script-src 'none'")
		_, _ = w.Write([]byte(`<html><body><a href="/x">x</a></body></html>`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	f := client.NewFetcher(cfg, testLogger(), nil)
	// httptest listens on loopback, so the private network check is off here.
	s := newService(t, f, guard.PolicyOptions{}, cfg, nil)

	resp, err := s.Forward(request(http.MethodGet, upstream.URL+"/page"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	want := `href="` + testPrefix + upstream.URL + `/x"`
	if !strings.Contains(body, want) {
		t.Errorf("body %q does not contain %q", body, want)
	}
	if !strings.Contains(body, "<!--"+rewrite.Marker+"-->") {
		t.Error("rewritten body carries no marker")
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html; charset=UTF-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); got != "" {
		t.Errorf("Content-Security-Policy = %q, want dropped", got)
	}
	if got := resp.Header.Get("X-Robots-Tag"); got != "noindex, nofollow" {
		t.Errorf("X-Robots-Tag = %q", got)
	}
	if resp.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(body))
	}
}

func TestForward_DeniedBeforeFetch(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		opts    guard.PolicyOptions
		wantErr error
	}{
		{"resolves to loopback", "http://internal.example/admin", guard.PolicyOptions{BlockPrivateNetworks: true}, ErrPolicyDenied},
		{"one private address", "http://mixed.example/", guard.PolicyOptions{BlockPrivateNetworks: true}, ErrPolicyDenied},
		{"loopback literal", "http://127.0.0.1:8080/", guard.PolicyOptions{BlockPrivateNetworks: true}, ErrPolicyDenied},
		{"ipv6 loopback literal", "http://[::1]/", guard.PolicyOptions{BlockPrivateNetworks: true}, ErrPolicyDenied},
		{"link-local metadata", "http://169.254.169.254/latest/meta-data/", guard.PolicyOptions{BlockPrivateNetworks: true}, ErrPolicyDenied},
		{"unresolvable", "http://nowhere.example/", guard.PolicyOptions{BlockPrivateNetworks: true}, ErrPolicyDenied},
		{"deny list", "http://example.net/", guard.PolicyOptions{Deny: []string{"example.net"}}, ErrPolicyDenied},
		{"not on allow list", "http://example.net/", guard.PolicyOptions{Allow: []string{"other.example"}}, ErrPolicyDenied},
		{"unsupported scheme", "ftp://example.net/file", guard.PolicyOptions{}, ErrUnsupportedScheme},
		{"malformed", "http://", guard.PolicyOptions{}, ErrMalformedTarget},
		{"empty", "", guard.PolicyOptions{}, ErrMalformedTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &stubFetcher{resp: respond(http.StatusOK, "text/plain", "secret")}
			s := newService(t, f, tt.opts, testConfig(), nil)

			_, err := s.Forward(request(http.MethodGet, tt.target))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Forward() error = %v, want %v", err, tt.wantErr)
			}
			if f.calls != 0 {
				t.Errorf("fetcher called %d times, want 0", f.calls)
			}
		})
	}
}

func TestForward_PinsResolvedAddresses(t *testing.T) {
	f := &stubFetcher{resp: respond(http.StatusOK, "text/plain", "ok")}
	s := newService(t, f, guard.PolicyOptions{BlockPrivateNetworks: true}, testConfig(), nil)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	pinned, ok := guard.PinnedAddrs(f.ctx)
	if !ok {
		t.Fatal("no addresses pinned into the fetch context")
	}
	if len(pinned) != 1 || pinned[0] != netip.MustParseAddr("93.184.215.14") {
		t.Errorf("pinned = %v", pinned)
	}
	if f.last.URL != "http://example.net/" {
		t.Errorf("upstream URL = %q", f.last.URL)
	}
}

func TestForward_RewritesLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"root relative", "/next?a=1", testPrefix + "http://example.net/next?a=1"},
		{"relative", "other", testPrefix + "http://example.net/dir/other"},
		{"absolute", "https://elsewhere.example/", testPrefix + "https://elsewhere.example/"},
		{"network path", "//cdn.example/a", testPrefix + "http://cdn.example/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := respond(http.StatusFound, "", "")
			up.Header.Set("Location", tt.location)
			f := &stubFetcher{resp: up}
			s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

			resp, err := s.Forward(request(http.MethodGet, "http://example.net/dir/page"))
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			if resp.StatusCode != http.StatusFound {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusFound)
			}
			if got := resp.Header.Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_Passthrough(t *testing.T) {
	png := "\x89PNG\r\n\x1a\nrest"
	up := respond(http.StatusOK, "image/png", png)
	up.Header.Set("Cache-Control", "max-age=60")
	up.Header.Set("Strict-Transport-Security", "max-age=31536000")
	up.Header.Set("Connection", "close, X-Hop")
	up.Header.Set("X-Hop", "1")
	f := &stubFetcher{resp: up}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/logo.png"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if got := readBody(t, resp); got != png {
		t.Errorf("body = %q, want %q", got, png)
	}
	if resp.ContentLength != int64(len(png)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(png))
	}

	tests := []struct {
		key  string
		want string
	}{
		{"Content-Type", "image/png"},
		{"Cache-Control", "max-age=60"},
		{"Strict-Transport-Security", ""},
		{"Connection", ""},
		{"X-Hop", ""},
		{"X-Robots-Tag", "noindex, nofollow"},
	}
	for _, tt := range tests {
		if got := resp.Header.Get(tt.key); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestForward_UndecodedEncodingIsNotRewritten(t *testing.T) {
	up := respond(http.StatusOK, "text/html", "compressed-bytes")
	up.Header.Set("Content-Encoding", "x-custom")
	f := &stubFetcher{resp: up}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if got := readBody(t, resp); got != "compressed-bytes" {
		t.Errorf("body = %q", got)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "x-custom" {
		t.Errorf("Content-Encoding = %q, want x-custom", got)
	}
}

func TestForward_RewritesCSS(t *testing.T) {
	f := &stubFetcher{resp: respond(http.StatusOK, "text/css", `body{background:url(bg.png)}`)}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/css/site.css"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	want := "body{background:url(" + testPrefix + "http://example.net/css/bg.png)}"
	if got := readBody(t, resp); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/css; charset=UTF-8" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestForward_SniffsMissingContentType(t *testing.T) {
	f := &stubFetcher{resp: respond(http.StatusOK, "", `<!DOCTYPE html><html><body><img src="a.png"></body></html>`)}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, testPrefix+"http://example.net/a.png") {
		t.Errorf("sniffed HTML was not rewritten: %q", body)
	}
}

func TestForward_TranscodesToUTF8(t *testing.T) {
	latin1 := "<html><body><p>caf\xe9</p><a href=\"/x\">x</a></body></html>"
	f := &stubFetcher{resp: respond(http.StatusOK, "text/html; charset=iso-8859-1", latin1)}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if body := readBody(t, resp); !strings.Contains(body, "café") {
		t.Errorf("body was not transcoded: %q", body)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html; charset=UTF-8" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestForward_FailsClosed(t *testing.T) {
	m := metrics.New("/p")
	f := &stubFetcher{resp: respond(http.StatusOK, "text/css", `a{content:"unterminated}`)}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), m)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/broken.css"))
	if !errors.Is(err, rewrite.ErrRewrite) {
		t.Fatalf("Forward() error = %v, want ErrRewrite", err)
	}
	if resp != nil {
		t.Error("a response was returned alongside a rewrite failure")
	}
	if got := counterValue(t, m, "miniproxy_rewrites_total", map[string]string{"kind": "css", "outcome": "error"}); got != 1 {
		t.Errorf("rewrite error counter = %v, want 1", got)
	}
}

func TestForward_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.MaxBodyBytes = 16
	f := &stubFetcher{resp: respond(http.StatusOK, "text/html", strings.Repeat("<p>x</p>", 10))}
	s := newService(t, f, guard.PolicyOptions{}, cfg, nil)

	if _, err := s.Forward(request(http.MethodGet, "http://example.net/")); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Forward() error = %v, want ErrBodyTooLarge", err)
	}

	// The cap only applies to bodies that have to be buffered.
	f.resp = respond(http.StatusOK, "application/octet-stream", strings.Repeat("x", 64))
	resp, err := s.Forward(request(http.MethodGet, "http://example.net/blob"))
	if err != nil {
		t.Fatalf("Forward() streamed body error = %v", err)
	}
	if got := readBody(t, resp); len(got) != 64 {
		t.Errorf("streamed %d bytes, want 64", len(got))
	}
}

func TestForward_UpstreamError(t *testing.T) {
	f := &stubFetcher{err: context.DeadlineExceeded}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	_, err := s.Forward(request(http.MethodGet, "http://example.net/"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Forward() error = %v, want wrapped DeadlineExceeded", err)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want exactly 1", f.calls)
	}
}

func TestForward_UpstreamHeaders(t *testing.T) {
	tests := []struct {
		name      string
		anonymize bool
		in        http.Header
		want      map[string]string
	}{
		{
			name:      "anonymized",
			anonymize: true,
			in: http.Header{
				"Host":             {"proxy.example"},
				"Accept-Encoding":  {"gzip"},
				"Content-Length":   {"12"},
				"X-Forwarded-For":  {"10.0.0.1"},
				"X-Real-Ip":        {"10.0.0.1"},
				"Forwarded":        {"for=10.0.0.1"},
				"Cf-Connecting-Ip": {"10.0.0.1"},
				"Connection":       {"keep-alive, X-Private"},
				"X-Private":        {"1"},
				"Origin":           {"https://proxy.example"},
				"Referer":          {testPrefix + "http://example.net/from#frag"},
				"Accept":           {"text/html"},
				"Cookie":           {"a=b"},
			},
			want: map[string]string{
				"Host":             "",
				"Accept-Encoding":  "",
				"Content-Length":   "",
				"X-Forwarded-For":  "",
				"X-Real-Ip":        "",
				"Forwarded":        "",
				"Cf-Connecting-Ip": "",
				"Connection":       "",
				"X-Private":        "",
				"Origin":           "http://example.net",
				"Referer":          "http://example.net/from",
				"Accept":           "text/html",
				"Cookie":           "a=b",
				"User-Agent":       "miniproxy-test/1.0",
			},
		},
		{
			name:      "forwarded for",
			anonymize: false,
			in: http.Header{
				"X-Forwarded-For": {"198.51.100.1"},
				"User-Agent":      {"Browser/1.0"},
				"Referer":         {"https://proxy.example/"},
			},
			want: map[string]string{
				"X-Forwarded-For": "198.51.100.1, 203.0.113.7",
				"User-Agent":      "Browser/1.0",
				"Referer":         "",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &stubFetcher{resp: respond(http.StatusOK, "text/plain", "ok")}
			s := newService(t, f, guard.PolicyOptions{Anonymize: tt.anonymize}, testConfig(), nil)

			pr := request(http.MethodGet, "http://example.net/page")
			pr.Header = tt.in
			resp, err := s.Forward(pr)
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			for key, want := range tt.want {
				if got := f.last.Header.Get(key); got != want {
					t.Errorf("upstream %s = %q, want %q", key, got, want)
				}
			}
			if got := tt.in.Get("Origin"); tt.anonymize && got != "https://proxy.example" {
				t.Errorf("inbound headers were modified: Origin = %q", got)
			}
		})
	}
}

func TestForward_RequestBody(t *testing.T) {
	f := &stubFetcher{resp: respond(http.StatusOK, "text/plain", "ok")}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

	pr := request(http.MethodPost, "http://example.net/form")
	pr.Body = io.NopCloser(strings.NewReader("q=1"))
	pr.ContentLength = 3
	pr.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if f.last.Method != http.MethodPost {
		t.Errorf("method = %q", f.last.Method)
	}
	if f.last.ContentLength != 3 {
		t.Errorf("ContentLength = %d, want 3", f.last.ContentLength)
	}
	b, _ := io.ReadAll(f.last.Body)
	if string(b) != "q=1" {
		t.Errorf("body = %q", b)
	}
}

func TestForward_ForceCORS(t *testing.T) {
	t.Run("preflight answered locally", func(t *testing.T) {
		f := &stubFetcher{}
		s := newService(t, f, guard.PolicyOptions{ForceCORS: true, BlockPrivateNetworks: true}, testConfig(), nil)

		pr := request(http.MethodOptions, "http://example.net/api")
		pr.Header.Set("Origin", "https://app.example")
		pr.Header.Set("Access-Control-Request-Method", "PUT")
		pr.Header.Set("Access-Control-Request-Headers", "X-Token, Content-Type")

		resp, err := s.Forward(pr)
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		if f.calls != 0 {
			t.Errorf("fetcher called %d times for a preflight", f.calls)
		}
		want := map[string]string{
			"Access-Control-Allow-Origin":      "https://app.example",
			"Access-Control-Allow-Credentials": "true",
			"Access-Control-Allow-Methods":     "PUT",
			"Access-Control-Allow-Headers":     "X-Token, Content-Type",
		}
		for key, v := range want {
			if got := resp.Header.Get(key); got != v {
				t.Errorf("%s = %q, want %q", key, got, v)
			}
		}
		if resp.ContentLength != 0 {
			t.Errorf("ContentLength = %d, want 0", resp.ContentLength)
		}
	})

	t.Run("regular response", func(t *testing.T) {
		f := &stubFetcher{resp: respond(http.StatusOK, "application/json", "{}")}
		s := newService(t, f, guard.PolicyOptions{ForceCORS: true}, testConfig(), nil)

		resp, err := s.Forward(request(http.MethodGet, "http://example.net/api"))
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		_ = resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
		}
	})

	t.Run("options forwarded without force_cors", func(t *testing.T) {
		f := &stubFetcher{resp: respond(http.StatusNoContent, "", "")}
		s := newService(t, f, guard.PolicyOptions{}, testConfig(), nil)

		pr := request(http.MethodOptions, "http://example.net/api")
		pr.Header.Set("Access-Control-Request-Method", "PUT")
		resp, err := s.Forward(pr)
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		_ = resp.Body.Close()
		if f.calls != 1 {
			t.Errorf("fetcher called %d times, want 1", f.calls)
		}
	})
}

func TestForward_RecordsRewriteMetrics(t *testing.T) {
	m := metrics.New("/p")
	f := &stubFetcher{resp: respond(http.StatusOK, "text/html", "<p>hi</p>")}
	s := newService(t, f, guard.PolicyOptions{}, testConfig(), m)

	resp, err := s.Forward(request(http.MethodGet, "http://example.net/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := counterValue(t, m, "miniproxy_rewrites_total", map[string]string{"kind": "html", "outcome": "ok"}); got != 1 {
		t.Errorf("rewrite ok counter = %v, want 1", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		ct   string
		want contentKind
	}{
		{"text/html", kindHTML},
		{"text/html; charset=utf-8", kindHTML},
		{"TEXT/HTML", kindHTML},
		{"application/xhtml+xml", kindHTML},
		{"text/css", kindCSS},
		{"text/css;charset=windows-1252", kindCSS},
		{"application/javascript", ""},
		{"image/png", ""},
		{"text/html; charset", kindHTML},
	}

	for _, tt := range tests {
		if got, _ := kindOf(tt.ct); got != tt.want {
			t.Errorf("kindOf(%q) = %q, want %q", tt.ct, got, tt.want)
		}
	}
}

func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			got := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Logf("metric %s%v not found", name, labels)
	return 0
}

func TestForward_BufferedBodyDeadline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>"))
		w.(http.Flusher).Flush()
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	s := newService(t, client.NewFetcher(cfg, testLogger(), nil), guard.PolicyOptions{}, cfg, nil)

	start := time.Now()
	_, err := s.Forward(request(http.MethodGet, upstream.URL+"/"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Forward() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Forward() took %v, want about the upstream timeout", elapsed)
	}
}

func TestForward_PassthroughStreamsPastTimeout(t *testing.T) {
	chunk := strings.Repeat("x", 1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		for i := range 4 {
			if i > 0 {
				time.Sleep(500 * time.Millisecond)
			}
			_, _ = w.Write([]byte(chunk))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	s := newService(t, client.NewFetcher(cfg, testLogger(), nil), guard.PolicyOptions{}, cfg, nil)

	resp, err := s.Forward(request(http.MethodGet, upstream.URL+"/file.bin"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if body := readBody(t, resp); len(body) != 4*len(chunk) {
		t.Errorf("streamed %d bytes, want %d", len(body), 4*len(chunk))
	}
}

func TestForward_HeadWithContentEncoding(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig()
	s := newService(t, client.NewFetcher(cfg, testLogger(), nil), guard.PolicyOptions{}, cfg, nil)

	resp, err := s.Forward(request(http.MethodHead, upstream.URL+"/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
