// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ua-rewrite-proxy/internal/model"
)

// Histogram buckets for upstream connect latency.
var connectBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Directions of relayed bytes.
const (
	DirUpstream   = "upstream"
	DirDownstream = "downstream"
)

// Metrics holds all Prometheus metric collectors for the proxy. Every
// collector is safe for concurrent use; connections only ever add to them.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ConnectionsAborted  *prometheus.CounterVec

	RequestsRewritten prometheus.Counter
	Passthrough       *prometheus.CounterVec

	RelayBytes      *prometheus.CounterVec
	ConnectDuration prometheus.Histogram

	AdminRequests *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ua_proxy_connections_accepted_total",
			Help: "Total redirected connections accepted.",
		}),

		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ua_proxy_connections_rejected_total",
			Help: "Connections closed at accept time, by reason.",
		}, []string{"reason"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ua_proxy_connections_active",
			Help: "Number of connections currently being handled.",
		}),

		ConnectionsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ua_proxy_connections_aborted_total",
			Help: "Connections aborted before or during relay, by cause.",
		}, []string{"cause"}),

		RequestsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ua_proxy_requests_rewritten_total",
			Help: "Requests whose target header was rewritten.",
		}),

		Passthrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ua_proxy_passthrough_total",
			Help: "Connections relayed without modification, by reason.",
		}, []string{"reason"}),

		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ua_proxy_relay_bytes_total",
			Help: "Bytes relayed, by direction.",
		}, []string{"direction"}),

		ConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ua_proxy_upstream_connect_duration_seconds",
			Help:    "Upstream connect latency in seconds, including failed attempts.",
			Buckets: connectBuckets,
		}),

		AdminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ua_proxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.ConnectionsActive,
		m.ConnectionsAborted,
		m.RequestsRewritten,
		m.Passthrough,
		m.RelayBytes,
		m.ConnectDuration,
		m.AdminRequests,
	)

	return m
}

// Rejected records a connection refused at accept time.
func (m *Metrics) Rejected(reason model.RejectReason) {
	m.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
}

// Aborted records an aborted connection.
func (m *Metrics) Aborted(cause model.AbortCause) {
	m.ConnectionsAborted.WithLabelValues(string(cause)).Inc()
}

// PassedThrough records a connection relayed without modification.
func (m *Metrics) PassedThrough(reason model.PassthroughReason) {
	m.Passthrough.WithLabelValues(string(reason)).Inc()
}

// Relayed adds relayed byte counts for both directions.
func (m *Metrics) Relayed(upstream, downstream int64) {
	m.RelayBytes.WithLabelValues(DirUpstream).Add(float64(upstream))
	m.RelayBytes.WithLabelValues(DirDownstream).Add(float64(downstream))
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

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
