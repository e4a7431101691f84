package cache

import (
	"time"

	"github.com/sensate-iot/platform-network/metric"
)

// Option configures a MemoryCache.
type Option[K comparable, V any] func(*cacheOptions[K, V])

type cacheOptions[K comparable, V any] struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	sliding       bool
	clock         func() time.Time

	metricsReg    *metric.MetricsRegistry
	metricsPrefix string

	evictCallback EvictCallback[K, V]
}

// WithDefaultTTL sets the TTL applied by Add. Zero means entries never expire.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		if ttl > 0 {
			opts.defaultTTL = ttl
		}
	}
}

// WithSweepInterval sets how often the background sweep runs. A non-positive
// interval disables the background sweep; Sweep can still be called directly.
func WithSweepInterval[K comparable, V any](interval time.Duration) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		opts.sweepInterval = interval
	}
}

// WithSlidingExpiration makes every hit extend the entry's lifetime by its TTL.
func WithSlidingExpiration[K comparable, V any]() Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		opts.sliding = true
	}
}

// WithMetrics enables Prometheus metrics export for cache statistics.
// If registry is nil, this option is ignored.
func WithMetrics[K comparable, V any](registry *metric.MetricsRegistry, prefix string) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked when the sweep deletes an expired entry.
func WithEvictionCallback[K comparable, V any](callback EvictCallback[K, V]) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		opts.evictCallback = callback
	}
}

func withClock[K comparable, V any](clock func() time.Time) Option[K, V] {
	return func(opts *cacheOptions[K, V]) {
		opts.clock = clock
	}
}

func applyOptions[K comparable, V any](options ...Option[K, V]) *cacheOptions[K, V] {
	opts := &cacheOptions[K, V]{
		sweepInterval: 30 * time.Second,
		clock:         time.Now,
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
