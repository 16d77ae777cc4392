// Package metrics exposes the server's Prometheus instrumentation: a
// supplemented observability feature (SPEC_FULL.md "DOMAIN STACK").
// Metrics are served on a dedicated listener, never on the WebSocket
// port, so the accept loop itself stays free of any HTTP framework.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters/gauges/histograms the server updates.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	FramesReceived    *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	HandshakeSuccess  prometheus.Counter
	HandshakeFailure  prometheus.Counter
	CloseCodes        *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
}

// New registers and returns a fresh Metrics bundle against reg. Pass
// prometheus.NewRegistry() for test isolation, or nil to use the
// default global registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsserver",
			Name:      "active_connections",
			Help:      "Number of connections currently tracked by the server.",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsserver",
			Name:      "frames_received_total",
			Help:      "Frames received from clients, by opcode.",
		}, []string{"opcode"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsserver",
			Name:      "frames_sent_total",
			Help:      "Frames sent to clients, by opcode.",
		}, []string{"opcode"}),
		HandshakeSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wsserver",
			Name:      "handshake_success_total",
			Help:      "Successful HTTP Upgrade handshakes.",
		}),
		HandshakeFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wsserver",
			Name:      "handshake_failure_total",
			Help:      "Failed HTTP Upgrade handshakes.",
		}),
		CloseCodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsserver",
			Name:      "close_codes_total",
			Help:      "Close frames observed, by status code.",
		}, []string{"code"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wsserver",
			Name:      "maintenance_sweep_duration_seconds",
			Help:      "Duration of each maintenance sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
