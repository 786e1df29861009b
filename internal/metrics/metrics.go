// Package metrics provides Prometheus instrumentation for the connection
// manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "cd11connman"

// Outcome labels for HandshakesTotal.
const (
	OutcomeRedirected = "redirected"
	OutcomeIgnored    = "ignored"
	OutcomeFailed     = "failed"
)

// Metrics holds the collectors for one broker. Each Metrics owns its own
// registry so several brokers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	AcceptErrors        prometheus.Counter
	HandshakesTotal     *prometheus.CounterVec
	HandshakeDuration   prometheus.Histogram
	ActiveHandshakes    prometheus.Gauge
	ChecksumFailures    prometheus.Counter
	ProviderMismatches  prometheus.Counter
	RegisteredStations  prometheus.Gauge
	ConnectionLogSize   prometheus.Gauge
}

// New creates a Metrics instance with all counters, gauges, and histograms
// registered on a fresh registry. An empty namespace uses DefaultNamespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of TCP connections accepted by the broker",
		}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of transient accept errors",
		}),
		HandshakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of completed handshakes by outcome",
		}, []string{"outcome"}),
		HandshakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from accept to socket close for each handshake",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 15},
		}),
		ActiveHandshakes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_handshakes",
			Help:      "Number of handshakes currently in progress",
		}),
		ChecksumFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_failures_total",
			Help:      "Total number of frames received with an invalid checksum",
		}),
		ProviderMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_mismatches_total",
			Help:      "Total number of connection requests from an unexpected provider address",
		}),
		RegisteredStations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_stations",
			Help:      "Number of stations in the routing table",
		}),
		ConnectionLogSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_log_entries",
			Help:      "Number of entries held in the connection log",
		}),
	}
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the metrics in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHandshake records a finished handshake.
func (m *Metrics) ObserveHandshake(outcome string, started time.Time) {
	m.HandshakesTotal.WithLabelValues(outcome).Inc()
	m.HandshakeDuration.Observe(time.Since(started).Seconds())
}
