// Package metrics provides Prometheus metrics for the event daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	PublishedTotal    *prometheus.CounterVec
	DeliveredTotal    *prometheus.CounterVec
	DroppedTotal      prometheus.Counter
	ReplayedTotal     prometheus.Counter
	ConnectionsActive prometheus.Gauge
	HeartbeatTimeouts prometheus.Counter
	BuffersActive     prometheus.Gauge
	PublishDuration   prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsed_events_published_total",
				Help: "Total events accepted by the bus, by kind.",
			},
			[]string{"kind"},
		),
		DeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsed_events_delivered_total",
				Help: "Total events enqueued to subscriber connections, by kind.",
			},
			[]string{"kind"},
		),
		DroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsed_events_dropped_total",
				Help: "Events dropped from saturated outbound queues.",
			},
		),
		ReplayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsed_events_replayed_total",
				Help: "Events re-sent to clients during catch-up replay.",
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulsed_connections_active",
				Help: "Number of open client connections.",
			},
		),
		HeartbeatTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsed_heartbeat_timeouts_total",
				Help: "Connections closed by the heartbeat sweep.",
			},
		),
		BuffersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulsed_replay_buffers_active",
				Help: "Number of live per-project replay buffers.",
			},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulsed_publish_duration_seconds",
				Help:    "Time spent in Publish, including fan-out.",
				Buckets: prometheus.DefBuckets,
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.PublishedTotal)
	reg.MustRegister(m.DeliveredTotal)
	reg.MustRegister(m.DroppedTotal)
	reg.MustRegister(m.ReplayedTotal)
	reg.MustRegister(m.ConnectionsActive)
	reg.MustRegister(m.HeartbeatTimeouts)
	reg.MustRegister(m.BuffersActive)
	reg.MustRegister(m.PublishDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
