package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
)

const metricsService = "router"

// Drop reasons
const (
	dropReasonOverflow      = "overflow"
	dropReasonRejected      = "rejected"
	dropReasonInvalidSensor = "invalid_sensor"
	dropReasonUnknownSensor = "unknown_sensor"
)

// routerMetrics methods are safe on a nil receiver.
type routerMetrics struct {
	measurementRequests prometheus.Counter
	messageRequests     prometheus.Counter
	controlRequests     prometheus.Counter
	dropped             *prometheus.CounterVec
	failures            *prometheus.CounterVec
	forwarded           *prometheus.CounterVec
	batchDuration       prometheus.Histogram
}

func newRouterMetrics(registry *metric.MetricsRegistry) (*routerMetrics, error) {
	m := &routerMetrics{
		measurementRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "measurement_requests_total",
			Help:      "Total amount of measurement routing requests.",
		}),
		messageRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "message_requests_total",
			Help:      "Total amount of message routing requests.",
		}),
		controlRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "control_requests_total",
			Help:      "Total amount of control message routing requests.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Items dropped by the ingress queue or the drain loop",
		}, []string{"reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "processing_failures_total",
			Help:      "Drain batch stages that failed",
		}, []string{"stage"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "forwarded_total",
			Help:      "Items forwarded to live data instances",
		}, []string{"kind"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one drained batch",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"measurement_requests_total", func() error {
			return registry.RegisterCounter(metricsService, "measurement_requests_total", m.measurementRequests)
		}},
		{"message_requests_total", func() error {
			return registry.RegisterCounter(metricsService, "message_requests_total", m.messageRequests)
		}},
		{"control_requests_total", func() error {
			return registry.RegisterCounter(metricsService, "control_requests_total", m.controlRequests)
		}},
		{"dropped_total", func() error {
			return registry.RegisterCounterVec(metricsService, "dropped_total", m.dropped)
		}},
		{"processing_failures_total", func() error {
			return registry.RegisterCounterVec(metricsService, "processing_failures_total", m.failures)
		}},
		{"forwarded_total", func() error {
			return registry.RegisterCounterVec(metricsService, "forwarded_total", m.forwarded)
		}},
		{"batch_duration_seconds", func() error {
			return registry.RegisterHistogram(metricsService, "batch_duration_seconds", m.batchDuration)
		}},
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

func (m *routerMetrics) drop(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *routerMetrics) fail(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

func (m *routerMetrics) forward(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwarded.WithLabelValues(kind).Add(float64(n))
}

func (m *routerMetrics) request(kind message.Kind) {
	if m == nil {
		return
	}
	switch kind {
	case message.KindMeasurement:
		m.measurementRequests.Inc()
	case message.KindMessage:
		m.messageRequests.Inc()
	case message.KindControl:
		m.controlRequests.Inc()
	}
}
