// Package client provides the upstream HTTP client that fetches proxied targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"miniproxy-go/internal/config"
	"miniproxy-go/internal/guard"
	"miniproxy-go/internal/metrics"
	"miniproxy-go/internal/model"
)

// Fetcher sends requests to proxied targets. It never follows redirects and
// never retries.
type Fetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFetcher creates a Fetcher with connection pooling and timeouts. The
// timeouts bound connecting and waiting for response headers; reading the
// body is left to the caller so large downloads can stream.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	dialer := &net.Dialer{
		Timeout:   cfg.Upstream.Timeout(),
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.Upstream.Timeout(),
		ResponseHeaderTimeout: cfg.Upstream.Timeout(),
		DisableCompression:    true,
		DialContext:           pinnedDial(dialer),
	}

	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "fetcher"),
		metrics: m,
	}
}

// pinnedDial dials the addresses pinned in the request context, keeping the
// port from addr. Without a pin it dials addr as usual.
func pinnedDial(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		pinned, ok := guard.PinnedAddrs(ctx)
		if !ok {
			return d.DialContext(ctx, network, addr)
		}
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, a := range pinned {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}

// Fetch executes req and returns the upstream response with its body decoded.
// The caller is responsible for closing the response body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (f *Fetcher) Fetch(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}

	f.logger.Debug("upstream request",
		"method", req.Method,
		"host", httpReq.URL.Host,
	)

	start := time.Now()
	resp, err := f.httpClient.Do(httpReq) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if f.metrics != nil {
			f.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if f.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		f.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		f.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	length := resp.ContentLength
	// Responses that cannot carry a body keep their headers as sent: a HEAD
	// or 304 response describes the entity it stands for. An empty body has
	// nothing left to decode.
	bodyless := !model.HasBody(req.Method, resp.StatusCode)
	if bodyless || length == 0 {
		if !bodyless {
			resp.Header.Del("Content-Encoding")
		}
		return &model.UpstreamResponse{
			StatusCode:    resp.StatusCode,
			Header:        resp.Header,
			Body:          resp.Body,
			ContentLength: length,
			URL:           resp.Request.URL.String(),
		}, nil
	}

	body, decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	if decoded {
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		length = -1
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          body,
		ContentLength: length,
		URL:           resp.Request.URL.String(),
	}, nil
}
