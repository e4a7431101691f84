package natsclient

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/sensate-iot/platform-network/metric"
)

// Option configures a Client
type Option func(*settings)

type settings struct {
	name          string
	logger        *slog.Logger
	metrics       *metric.Metrics
	tls           *tls.Config
	username      string
	password      string
	token         string
	maxReconnects int // -1 retries forever
	reconnectWait time.Duration
	dialTimeout   time.Duration
	drainTimeout  time.Duration
	handlerTTL    time.Duration
	tripAfter     int32
	maxBackoff    time.Duration
}

func defaultSettings() settings {
	return settings{
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		dialTimeout:   5 * time.Second,
		drainTimeout:  30 * time.Second,
		handlerTTL:    30 * time.Second,
		tripAfter:     defaultTripAfter,
		maxBackoff:    defaultMaxBackoff,
	}
}

// WithName sets the connection name reported to the server
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports connection and breaker state to the bus gauges.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *settings) {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
	}
}

// WithTLS dials the servers over TLS
func WithTLS(cfg *tls.Config) Option {
	return func(s *settings) { s.tls = cfg }
}

// WithCredentials sets user/password authentication
func WithCredentials(username, password string) Option {
	return func(s *settings) {
		s.username = username
		s.password = password
	}
}

// WithToken sets token authentication
func WithToken(token string) Option {
	return func(s *settings) { s.token = token }
}

// WithMaxReconnects bounds automatic reconnects after a connection loss.
// Negative values retry forever.
func WithMaxReconnects(n int) Option {
	return func(s *settings) { s.maxReconnects = n }
}

// WithReconnectWait sets the pause between reconnect attempts
func WithReconnectWait(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.reconnectWait = d
		}
	}
}

// WithTimeout sets the dial timeout of a single connect attempt
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithHandlerTimeout bounds the context handed to subscription handlers
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.handlerTTL = d
		}
	}
}

// WithCircuitBreakerThreshold sets how many consecutive connect failures
// open the circuit.
func WithCircuitBreakerThreshold(n int32) Option {
	return func(s *settings) {
		if n > 0 {
			s.tripAfter = n
		}
	}
}
