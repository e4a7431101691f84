// Package router implements the ingress router: an HTTP API that validates
// telemetry and enqueues it, and a drain loop that hands queued batches to a
// worker pool for storage, trigger evaluation, publishing and live data
// forwarding.
package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/health"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/pkg/worker"
	"github.com/sensate-iot/platform-network/storage"
)

// Dependencies are the collaborators of a Router. Evaluator and Routes are
// optional.
type Dependencies struct {
	Store     storage.Store
	Buckets   MeasurementStore
	Evaluator Evaluator
	Bus       bus.Client
	Routes    RouteTable
}

// Router is the ingress service.
type Router struct {
	cfg            config.RouterConfig
	store          storage.Store
	bus            bus.Client
	routes         RouteTable
	queue          *Queue
	processor      *Processor
	pool           *worker.Pool[[]message.Routable]
	server         *gateway.Server
	registry       *metric.MetricsRegistry
	metrics        *routerMetrics
	logger         *slog.Logger
	now            func() time.Time
	maxRequestSize int64
	tlsConfig      *tls.Config

	mu         sync.Mutex
	started    time.Time
	cancel     context.CancelFunc
	poolCancel context.CancelFunc
	done       chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics registers router, queue and pool metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Router) { r.registry = registry }
}

// WithClock replaces the clock used for platform timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithTLS serves the ingress API over TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(r *Router) { r.tlsConfig = cfg }
}

// WithMaxRequestSize bounds request bodies.
func WithMaxRequestSize(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxRequestSize = n
		}
	}
}

// New creates a router from its configuration.
func New(cfg config.RouterConfig, deps Dependencies, opts ...Option) (*Router, error) {
	if deps.Store == nil || deps.Buckets == nil || deps.Bus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Router", "New", "check dependencies")
	}

	r := &Router{
		cfg:            cfg,
		store:          deps.Store,
		bus:            deps.Bus,
		routes:         deps.Routes,
		logger:         slog.Default(),
		now:            time.Now,
		maxRequestSize: gateway.DefaultMaxRequestSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")

	if r.registry != nil {
		m, err := newRouterMetrics(r.registry)
		if err != nil {
			r.logger.Warn("Failed to register router metrics", "error", err)
		} else {
			r.metrics = m
		}
	}

	queue, err := NewQueue(cfg.QueueCapacity, cfg.OverflowPolicy, r.registry)
	if err != nil {
		return nil, err
	}
	queue.metrics = r.metrics
	r.queue = queue

	r.processor = NewProcessor(deps.Buckets, deps.Evaluator, deps.Store, deps.Bus, deps.Routes, r.logger)
	r.processor.metrics = r.metrics

	var poolOpts []worker.Option[[]message.Routable]
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[[]message.Routable](r.registry, "router_drain"))
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.Workers*2, r.processor.Process, poolOpts...)

	if cfg.Port > 0 {
		r.server = gateway.NewServer("router", fmt.Sprintf(":%d", cfg.Port), r.Handler(), r.logger)
		r.server.UseTLS(r.tlsConfig)
	}
	return r, nil
}

// Name implements service.Service.
func (r *Router) Name() string { return "router" }

// Queue exposes the ingress queue.
func (r *Router) Queue() *Queue { return r.queue }

// Start subscribes to router commands, starts the worker pool, the drain
// loop and the HTTP server.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Router", "Start", "start router")
	}

	if r.routes != nil {
		if err := r.bus.Subscribe(ctx, bus.SubjectRouterCommands, r.handleCommand); err != nil {
			return errors.WrapTransient(err, "Router", "Start", "subscribe to router commands")
		}
	}

	poolCtx, poolCancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := r.pool.Start(poolCtx); err != nil {
		poolCancel()
		return errors.WrapTransient(err, "Router", "Start", "start drain pool")
	}

	if r.server != nil {
		if err := r.server.Start(ctx); err != nil {
			_ = r.pool.Stop(time.Second)
			poolCancel()
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.poolCancel = poolCancel
	r.done = make(chan struct{})
	r.started = r.now()
	go r.drainLoop(loopCtx, r.done)

	r.logger.Info("Router started", "workers", r.cfg.Workers, "queue_capacity", r.cfg.QueueCapacity,
		"overflow_policy", r.cfg.OverflowPolicy)
	return nil
}

// Stop stops accepting requests, drains what is queued into the pool and
// waits at most timeout for in-flight batches.
func (r *Router) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done == nil {
		return nil
	}

	var serverErr error
	if r.server != nil {
		serverErr = r.server.Stop(timeout)
	}

	r.cancel()
	<-r.done
	r.done = nil

	_ = r.queue.Close()
	r.drain(context.Background())

	poolErr := r.pool.Stop(timeout)
	r.poolCancel()

	if poolErr != nil {
		return errors.WrapTransient(poolErr, "Router", "Stop", "stop drain pool")
	}
	return serverErr
}

func (r *Router) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := r.cfg.DrainInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.queue.Ready():
		case <-ticker.C:
		}
		r.drain(ctx)
	}
}

// drain hands queued items to the pool until the queue is empty. Submission
// waits for room in the pool; a cancelled ctx only stops the loop between
// batches so nothing dequeued is lost.
func (r *Router) drain(ctx context.Context) {
	size := r.cfg.BatchSize
	if size <= 0 {
		size = 1000
	}

	for ctx.Err() == nil {
		batch := r.queue.Dequeue(size)
		if len(batch) == 0 {
			return
		}
		if err := r.pool.SubmitWait(context.WithoutCancel(ctx), batch); err != nil {
			r.metrics.drop(dropReasonRejected, len(batch))
			r.logger.Error("Unable to submit drained batch", "items", len(batch), "error", err)
			return
		}
	}
}

// Health reports the queue depth and pool counters.
func (r *Router) Health() health.Status {
	r.mu.Lock()
	running, started := r.done != nil, r.started
	r.mu.Unlock()

	if !running {
		return health.NewUnhealthy(r.Name(), "router not running")
	}

	stats := r.pool.Stats()
	status := health.NewHealthy(r.Name(), fmt.Sprintf("queue depth %d", r.queue.Size()))
	return status.WithMetrics(&health.Metrics{
		Uptime:            r.now().Sub(started),
		ErrorCount:        int(stats.Failed),
		MessagesProcessed: stats.Processed,
	})
}
