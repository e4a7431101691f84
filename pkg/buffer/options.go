package buffer

import (
	"github.com/sensate-iot/platform-network/metric"
)

// Option configures a buffer.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
	registry       *metric.MetricsRegistry
	component      string // "component" label and registry service name
}

// WithOverflowPolicy sets the policy of a bounded buffer, DropOldest by
// default.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *bufferOptions[T]) { o.overflowPolicy = policy }
}

// WithMetrics exports the statistics under the given component label. A nil
// registry or empty component disables export.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(o *bufferOptions[T]) {
		if registry == nil || component == "" {
			return
		}
		o.registry = registry
		o.component = component
	}
}

// WithDropCallback is called outside the buffer lock for every discarded
// item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *bufferOptions[T]) { o.dropCallback = callback }
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	o := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
