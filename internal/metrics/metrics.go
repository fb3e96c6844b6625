// Package metrics provides Prometheus metrics for the gateways.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets. Completions are slow, so the tail is long.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds all Prometheus metric collectors. One instance is shared by
// every gateway in the process; the service label tells them apart.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec
	AuthFailures     *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	ReasoningFieldsRemoved *prometheus.CounterVec
	ThinkSpansRemoved      *prometheus.CounterVec
	MalformedBodies        *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"service", "method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "model_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including streamed bodies.",
			Buckets: defaultBuckets,
		}, []string{"service", "method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}, []string{"service"}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_auth_failures_total",
			Help: "Requests rejected for a missing or invalid bearer token.",
		}, []string{"service"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "model_gateway_upstream_request_duration_seconds",
			Help:    "Time until the backend returned response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"service", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_upstream_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"service", "method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_upstream_errors_total",
			Help: "Failed backend exchanges by kind (unavailable, timeout, client_abort, other).",
		}, []string{"service", "kind"}),

		ReasoningFieldsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_reasoning_fields_removed_total",
			Help: "Reasoning fields removed from responses.",
		}, []string{"service", "mode"}),

		ThinkSpansRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_think_spans_removed_total",
			Help: "Inline <think> spans removed from response content.",
		}, []string{"service", "mode"}),

		MalformedBodies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_malformed_upstream_bodies_total",
			Help: "Upstream bodies or event lines passed through unfiltered because they were not JSON.",
		}, []string{"service", "mode"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuthFailures,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.ReasoningFieldsRemoved,
		m.ThinkSpansRemoved,
		m.MalformedBodies,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
	"/v1/audio/speech",
	"/v1/audio/transcriptions",
	"/v1/models",
	"/healthz",
	"/proxy/status",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
