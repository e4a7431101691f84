package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the platform.
const Namespace = "sensate"

// Metrics contains the platform-level metrics shared by all services.
type Metrics struct {
	ServiceStatus *prometheus.GaugeVec
	ErrorsTotal   *prometheus.CounterVec

	BusConnected      prometheus.Gauge
	BusReconnects     prometheus.Counter
	BusCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by service and error class",
			},
			[]string{"service", "class"},
		),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Message bus connection status (0=disconnected, 1=connected)",
		}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Total number of message bus reconnections",
		}),
		BusCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "circuit_breaker",
			Help:      "Message bus circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus,
		m.ErrorsTotal,
		m.BusConnected,
		m.BusReconnects,
		m.BusCircuitBreaker,
	}
}

// RecordServiceStatus records the lifecycle status of a service
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError counts an error for a service under the given class label
func (m *Metrics) RecordError(service, class string) {
	m.ErrorsTotal.WithLabelValues(service, class).Inc()
}

// RecordBusStatus records whether the bus connection is up
func (m *Metrics) RecordBusStatus(connected bool) {
	if connected {
		m.BusConnected.Set(1)
		return
	}
	m.BusConnected.Set(0)
}

// RecordCircuitBreaker records the circuit breaker state
func (m *Metrics) RecordCircuitBreaker(open bool) {
	if open {
		m.BusCircuitBreaker.Set(1)
		return
	}
	m.BusCircuitBreaker.Set(0)
}
