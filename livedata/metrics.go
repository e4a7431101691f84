package livedata

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
)

const metricsService = "livedata"

// liveMetrics methods are safe on a nil receiver.
type liveMetrics struct {
	clients       *prometheus.GaugeVec
	subscriptions *prometheus.GaugeVec
	connections   prometheus.Counter
	sent          *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	syncs         prometheus.Counter
}

func newLiveMetrics(registry *metric.MetricsRegistry) (*liveMetrics, error) {
	m := &liveMetrics{
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "clients_connected",
			Help:      "Number of connected live data sockets",
		}, []string{"kind"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "subscribed_sensors",
			Help:      "Number of sensors with at least one subscriber",
		}, []string{"kind"}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "connections_total",
			Help:      "Total number of accepted live data sockets",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "messages_sent_total",
			Help:      "Batches handed to live data sockets",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "messages_dropped_total",
			Help:      "Batches dropped because a socket send buffer was full",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "requests_rejected_total",
			Help:      "Socket requests that were rejected",
		}, []string{"reason"}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "livedata",
			Name:      "route_syncs_total",
			Help:      "Route sync commands published to the routers",
		}),
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"clients_connected", func() error { return registry.RegisterGaugeVec(metricsService, "clients_connected", m.clients) }},
		{"subscribed_sensors", func() error {
			return registry.RegisterGaugeVec(metricsService, "subscribed_sensors", m.subscriptions)
		}},
		{"connections_total", func() error { return registry.RegisterCounter(metricsService, "connections_total", m.connections) }},
		{"messages_sent_total", func() error { return registry.RegisterCounterVec(metricsService, "messages_sent_total", m.sent) }},
		{"messages_dropped_total", func() error {
			return registry.RegisterCounterVec(metricsService, "messages_dropped_total", m.dropped)
		}},
		{"requests_rejected_total", func() error {
			return registry.RegisterCounterVec(metricsService, "requests_rejected_total", m.rejected)
		}},
		{"route_syncs_total", func() error { return registry.RegisterCounter(metricsService, "route_syncs_total", m.syncs) }},
	}
	for i, step := range steps {
		if err := step.fn(); err != nil {
			for _, done := range steps[:i] {
				registry.Unregister(metricsService, done.name)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *liveMetrics) connected(kind message.Kind) {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.clients.WithLabelValues(kind.String()).Inc()
}

func (m *liveMetrics) disconnected(kind message.Kind) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(kind.String()).Dec()
}

func (m *liveMetrics) subscribed(kind message.Kind, sensors int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind.String()).Set(float64(sensors))
}

func (m *liveMetrics) delivered(kind message.Kind, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.sent.WithLabelValues(kind.String()).Inc()
		return
	}
	m.dropped.WithLabelValues(kind.String()).Inc()
}

func (m *liveMetrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *liveMetrics) synced() {
	if m == nil {
		return
	}
	m.syncs.Inc()
}
