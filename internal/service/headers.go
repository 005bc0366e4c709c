package service

import (
	"net/http"
	"strings"

	"miniproxy-go/internal/rewrite"
	"miniproxy-go/internal/urls"
)

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identityHeaders reveal the client's address and are removed when
// anonymization is on.
var identityHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
	"Forwarded",
	"Via",
	"Client-Ip",
	"True-Client-Ip",
	"X-Client-Ip",
	"X-Cluster-Client-Ip",
	"Cf-Connecting-Ip",
	"Fastly-Client-Ip",
}

// droppedResponseHeaders describe the upstream connection or bind the
// upstream origin, and make no sense coming from the proxy's origin.
var droppedResponseHeaders = []string{
	"Content-Length",
	"Strict-Transport-Security",
	"Public-Key-Pins",
	"Alt-Svc",
}

// contentSecurityHeaders would block the injected client script.
var contentSecurityHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"X-Webkit-Csp",
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// upstreamHeaders derives the request headers sent to target from the
// inbound ones.
func (s *ProxyService) upstreamHeaders(src http.Header, target *urls.URL, prefix, clientIP string) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopByHop(h)
	h.Del("Host")
	h.Del("Content-Length")
	h.Del("Accept-Encoding")

	if s.policy.Anonymize {
		for _, name := range identityHeaders {
			h.Del(name)
		}
	} else if clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}

	if h.Get("Origin") != "" {
		h.Set("Origin", target.Origin())
	}
	if ref := h.Get("Referer"); ref != "" {
		if orig, ok := unwrapReferer(ref, prefix); ok {
			h.Set("Referer", orig)
		} else {
			h.Del("Referer")
		}
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", s.cfg.Upstream.UserAgent)
	}
	return h
}

// unwrapReferer turns a referer pointing into the proxy back into the page
// the client was looking at.
func unwrapReferer(ref, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	u, err := urls.Classify(strings.TrimPrefix(ref, prefix))
	if err != nil {
		return "", false
	}
	u.Fragment, u.ForceFragment = "", false
	return u.String(), true
}

// clientHeaders filters the upstream response headers for the client and
// points Location headers back through the proxy.
func (s *ProxyService) clientHeaders(src http.Header, rc *rewrite.Context) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopByHop(h)
	for _, name := range droppedResponseHeaders {
		h.Del(name)
	}
	for _, name := range []string{"Location", "Content-Location"} {
		if v := h.Get(name); v != "" {
			h.Set(name, rc.Proxify(v))
		}
	}
	h.Set("X-Robots-Tag", "noindex, nofollow")
	return h
}

// applyCORS marks the response as readable from any origin. A request
// carrying Origin gets it echoed back so credentials keep working.
func applyCORS(h http.Header, origin string) {
	if origin == "" {
		h.Set("Access-Control-Allow-Origin", "*")
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}

func isPreflight(method string, h http.Header) bool {
	return method == http.MethodOptions && h.Get("Access-Control-Request-Method") != ""
}

// preflightHeaders answers a CORS preflight by mirroring what the browser
// asked for.
func preflightHeaders(req http.Header) http.Header {
	h := make(http.Header)
	applyCORS(h, req.Get("Origin"))
	h.Set("Access-Control-Allow-Methods", req.Get("Access-Control-Request-Method"))
	if v := req.Get("Access-Control-Request-Headers"); v != "" {
		h.Set("Access-Control-Allow-Headers", v)
	}
	h.Set("Access-Control-Max-Age", "86400")
	h.Set("X-Robots-Tag", "noindex, nofollow")
	return h
}
