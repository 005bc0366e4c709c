// Package service implements the core proxy forwarding logic: it checks the
// target, fetches it and assembles the response, rewriting HTML and CSS so
// that every reference they contain routes back through the proxy.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"miniproxy-go/internal/config"
	"miniproxy-go/internal/guard"
	"miniproxy-go/internal/metrics"
	"miniproxy-go/internal/model"
	"miniproxy-go/internal/urls"
)

var (
	// ErrMalformedTarget is returned when the target cannot be parsed.
	ErrMalformedTarget = errors.New("malformed target url")
	// ErrUnsupportedScheme is returned for targets that are not http or https.
	ErrUnsupportedScheme = errors.New("unsupported target scheme")
	// ErrPolicyDenied is returned when the access policy rejects the target.
	ErrPolicyDenied = errors.New("target denied by policy")
	// ErrBodyTooLarge is returned when a body that must be rewritten exceeds
	// upstream.max_body_bytes.
	ErrBodyTooLarge = errors.New("upstream body too large")
)

const tracerName = "miniproxy-go/internal/service"

// Fetcher performs the upstream request.
type Fetcher interface {
	Fetch(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	fetcher Fetcher
	guard   *guard.Guard
	policy  *guard.Policy
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewProxyService creates a ProxyService. The metrics parameter is optional;
// pass nil to disable rewrite metrics.
func NewProxyService(
	f Fetcher,
	g *guard.Guard,
	p *guard.Policy,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		fetcher: f,
		guard:   g,
		policy:  p,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Forward fetches the target of pr and returns the response to send back.
// The caller is responsible for closing the response body.
//
// The target is parsed and checked by the guard before anything is sent
// upstream. Redirects are not followed; their Location is rewritten instead.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := urls.Classify(pr.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTarget, err)
	}

	if s.policy.ForceCORS && isPreflight(pr.Method, pr.Header) {
		return &model.ProxyResponse{
			StatusCode:    http.StatusOK,
			Header:        preflightHeaders(pr.Header),
			Body:          http.NoBody,
			ContentLength: 0,
		}, nil
	}

	ctx, span := s.tracer.Start(pr.Ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(pr.Method),
			semconv.ServerAddress(target.Host),
		),
	)
	defer span.End()

	d := s.guard.Validate(ctx, target, s.policy)
	if !d.Allowed {
		span.SetAttributes(attribute.String("miniproxy.deny_reason", string(d.Reason)))
		span.SetStatus(codes.Error, "denied")
		if d.Reason == guard.ReasonUnsupportedScheme {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedScheme, d.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrPolicyDenied, d.Err())
	}
	if len(d.Addrs) > 0 {
		ctx = guard.WithPinnedAddrs(ctx, d.Addrs)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host,
	)

	// The fetch context outlives Forward when the body streams; closing the
	// body releases it.
	fetchCtx, cancel := context.WithCancel(ctx)
	up, err := s.fetcher.Fetch(fetchCtx, &model.UpstreamRequest{
		Method:        pr.Method,
		URL:           target.String(),
		Header:        s.upstreamHeaders(pr.Header, target, pr.Prefix, pr.ClientIP),
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
	})
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(up.StatusCode))
	up.Body = &cancelBody{ReadCloser: up.Body, cancel: cancel}

	resp, err := s.assemble(ctx, pr, target, up, cancel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assemble")
		return nil, err
	}
	return resp, nil
}

// cancelBody cancels the upstream request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
