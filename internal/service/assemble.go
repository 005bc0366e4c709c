package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"miniproxy-go/internal/model"
	"miniproxy-go/internal/rewrite"
	"miniproxy-go/internal/urls"
)

// sniffLen is how much of a body without Content-Type is inspected.
const sniffLen = 3072

type contentKind string

const (
	kindHTML contentKind = "html"
	kindCSS  contentKind = "css"
)

// assemble turns the upstream response into the client response. HTML and
// CSS bodies are buffered and rewritten; everything else streams through
// untouched.
func (s *ProxyService) assemble(ctx context.Context, pr *model.ProxyRequest, target *urls.URL, up *model.UpstreamResponse, cancel context.CancelFunc) (*model.ProxyResponse, error) {
	rc := rewrite.NewContext(target, pr.Prefix)
	header := s.clientHeaders(up.Header, rc)
	if s.policy.ForceCORS {
		applyCORS(header, pr.Header.Get("Origin"))
	}

	passthrough := &model.ProxyResponse{
		StatusCode:    up.StatusCode,
		Header:        header,
		Body:          up.Body,
		ContentLength: up.ContentLength,
	}

	// A Content-Encoding that survived the fetcher could not be decoded, so
	// the body is opaque.
	if !model.HasBody(pr.Method, up.StatusCode) || header.Get("Content-Encoding") != "" {
		return passthrough, nil
	}

	ct := header.Get("Content-Type")
	if ct == "" && up.ContentLength != 0 {
		sniffed, body, err := sniff(up.Body)
		if err != nil {
			_ = up.Body.Close()
			return nil, fmt.Errorf("sniff upstream body: %w", err)
		}
		ct = sniffed
		header.Set("Content-Type", ct)
		passthrough.Body = body
	}

	kind, mediaType := kindOf(ct)
	if kind == "" {
		return passthrough, nil
	}
	return s.rewriteBody(ctx, rc, kind, mediaType, ct, passthrough, cancel)
}

func (s *ProxyService) rewriteBody(ctx context.Context, rc *rewrite.Context, kind contentKind, mediaType, ct string, resp *model.ProxyResponse, cancel context.CancelFunc) (*model.ProxyResponse, error) {
	defer func() { _ = resp.Body.Close() }()

	raw, err := s.readBuffered(resp.Body, cancel)
	if err != nil {
		return nil, err
	}
	limit := s.cfg.Upstream.MaxBodyBytes
	if int64(len(raw)) > limit {
		s.recordRewrite(kind, "too_large", len(raw))
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}

	_, span := s.tracer.Start(ctx, "proxy.rewrite")
	defer span.End()
	span.SetAttributes(
		attribute.String("miniproxy.content_kind", string(kind)),
		attribute.Int("miniproxy.input_bytes", len(raw)),
	)

	out, err := s.transform(rc, kind, raw, ct)
	if err != nil {
		s.recordRewrite(kind, "error", len(raw))
		span.RecordError(err)
		span.SetStatus(codes.Error, "rewrite")
		s.logger.Warn("rewrite failed", "kind", string(kind), "host", rc.DocumentURL.Host, "err", err)
		return nil, fmt.Errorf("rewrite %s: %w", kind, err)
	}
	s.recordRewrite(kind, "ok", len(raw))

	if kind == kindHTML {
		for _, name := range contentSecurityHeaders {
			resp.Header.Del(name)
		}
	}
	resp.Header.Set("Content-Type", mediaType+"; charset=UTF-8")

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(out)),
		ContentLength: int64(len(out)),
	}, nil
}

// readBuffered reads at most max_body_bytes+1 bytes of a body that is about
// to be rewritten. The whole read must finish within the upstream timeout;
// on expiry the upstream request is canceled.
func (s *ProxyService) readBuffered(body io.Reader, cancel context.CancelFunc) ([]byte, error) {
	var expired atomic.Bool
	if d := s.cfg.Upstream.Timeout(); d > 0 {
		timer := time.AfterFunc(d, func() {
			expired.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	raw, err := io.ReadAll(io.LimitReader(body, s.cfg.Upstream.MaxBodyBytes+1))
	if err != nil {
		if expired.Load() {
			return nil, fmt.Errorf("read upstream body: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return raw, nil
}

func (s *ProxyService) transform(rc *rewrite.Context, kind contentKind, raw []byte, ct string) ([]byte, error) {
	text, _, err := rewrite.DecodeText(raw, ct)
	if err != nil {
		return nil, err
	}
	switch kind {
	case kindHTML:
		return rc.HTML(text)
	case kindCSS:
		out, err := rc.CSS(string(text))
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}
	return text, nil
}

func (s *ProxyService) recordRewrite(kind contentKind, outcome string, n int) {
	if s.metrics == nil {
		return
	}
	s.metrics.Rewrites.WithLabelValues(string(kind), outcome).Inc()
	s.metrics.RewriteBytes.WithLabelValues(string(kind)).Observe(float64(n))
}

// kindOf maps a Content-Type onto the rewriter that handles it. Unknown
// media types yield an empty kind.
func kindOf(ct string) (contentKind, string) {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return kindHTML, mediaType
	case "text/css":
		return kindCSS, mediaType
	}
	return "", mediaType
}

// sniff detects the media type of a body sent without Content-Type. The
// returned reader yields the complete body.
func sniff(body io.ReadCloser) (string, io.ReadCloser, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, err
	}
	head = head[:n]
	mt := mimetype.Detect(head)
	return mt.String(), readCloser{io.MultiReader(bytes.NewReader(head), body), body}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
