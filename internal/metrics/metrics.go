// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseBytes    *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	GuardDenials *prometheus.CounterVec
	Rewrites     *prometheus.CounterVec
	RewriteBytes *prometheus.HistogramVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. proxyPath is the mount point of the proxy endpoint and becomes
// one of the bounded path labels.
func New(proxyPath string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miniproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniproxy_http_response_bytes",
			Help:    "Size of response bodies sent to clients.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniproxy_upstream_request_duration_seconds",
			Help:    "Upstream fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniproxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		GuardDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniproxy_guard_denials_total",
			Help: "Targets rejected by the access guard, by reason.",
		}, []string{"reason"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniproxy_rewrites_total",
			Help: "Rewritten response bodies by content kind and outcome.",
		}, []string{"kind", "outcome"}),

		RewriteBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniproxy_rewrite_input_bytes",
			Help:    "Size of buffered bodies passed to the rewriter.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.GuardDenials,
		m.Rewrites,
		m.RewriteBytes,
	)

	m.prefixes = []string{"/healthz", "/proxy/status", "/metrics", "/robots.txt"}
	if p := strings.TrimSuffix(proxyPath, "/"); p != "" {
		m.prefixes = append([]string{p}, m.prefixes...)
	}

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics. Proxied
// targets all collapse onto the proxy mount point.
func (m *Metrics) NormalizePath(path string) string {
	if path == "/" {
		return "/"
	}
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
