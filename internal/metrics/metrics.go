// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// KindKey is the echo context key under which handlers store the request
// classification used as the "kind" label.
const KindKey = "proxy_kind"

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Redirects      *prometheus.CounterVec
	PageInjections *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slug_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "kind"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slug_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "kind"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slug_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slug_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slug_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		Redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slug_proxy_redirects_total",
			Help: "Slug redirects issued, by slug.",
		}, []string{"slug"}),

		PageInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slug_proxy_page_injections_total",
			Help: "Markup injections into transformed pages, by insertion point.",
		}, []string{"point"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.Redirects,
		m.PageInjections,
	)

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

// knownKinds lists the allowed kind label values.
var knownKinds = map[string]bool{
	"preflight": true, "asset": true, "api": true, "slug": true, "page": true,
	"health": true, "metrics": true,
}

// NormalizeKind returns a bounded kind label from the value a handler stored
// under KindKey. Requests that never reached a handler report "other".
func NormalizeKind(v any) string {
	if s, ok := v.(string); ok && knownKinds[s] {
		return s
	}
	return "other"
}
