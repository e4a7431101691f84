package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensate-iot/platform-network/metric"
)

// bufferMetrics holds Prometheus metrics for buffer operations.
type bufferMetrics struct {
	registry *metric.MetricsRegistry
	prefix   string

	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

var bufferMetricNames = []string{
	"buffer_writes", "buffer_reads", "buffer_overflows", "buffer_drops", "buffer_size", "buffer_utilization",
}

// newBufferMetrics creates and registers buffer metrics with the provided registry.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &bufferMetrics{
		registry: registry,
		prefix:   prefix,
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of items written to the buffer",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Total number of items read from the buffer",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "overflows_total",
			ConstLabels: labels,
			Help:        "Total number of writes against a full buffer",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in buffer",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Buffer utilization (0.0 to 1.0), 0 for unbounded buffers",
		}),
	}

	collectors := []prometheus.Collector{m.writes, m.reads, m.overflows, m.drops, m.size, m.utilization}
	for i, c := range collectors {
		var err error
		switch c := c.(type) {
		case prometheus.Gauge:
			err = registry.RegisterGauge(prefix, bufferMetricNames[i], c)
		case prometheus.Counter:
			err = registry.RegisterCounter(prefix, bufferMetricNames[i], c)
		}
		if err != nil {
			for _, name := range bufferMetricNames[:i] {
				registry.Unregister(prefix, name)
			}
			return nil, err
		}
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(n, size, capacity int) {
	m.writes.Add(float64(n))
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(n, size, capacity int) {
	m.reads.Add(float64(n))
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow(drops int) {
	m.overflows.Inc()
	m.drops.Add(float64(drops))
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	if capacity > 0 {
		m.utilization.Set(float64(size) / float64(capacity))
	}
}

func (m *bufferMetrics) unregister() {
	for _, name := range bufferMetricNames {
		m.registry.Unregister(m.prefix, name)
	}
}
