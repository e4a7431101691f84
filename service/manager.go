package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/health"
	"github.com/sensate-iot/platform-network/metric"
)

// checkTimeout bounds a single dependency check.
const checkTimeout = 2 * time.Second

type entry struct {
	svc    Service
	status Status
}

type check struct {
	name string
	fn   CheckFunc
}

// Manager owns the lifecycle of the registered services.
type Manager struct {
	system  string
	logger  *slog.Logger
	metrics *metric.Metrics
	monitor *health.Monitor
	port    int
	server  *gateway.Server

	mu       sync.RWMutex
	services []*entry
	checks   []check
	running  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records service status in the core metrics of registry.
func WithMetrics(registry *metric.MetricsRegistry) ManagerOption {
	return func(m *Manager) {
		if registry != nil {
			m.metrics = registry.CoreMetrics()
		}
	}
}

// WithHealthPort serves the health endpoints on port.
func WithHealthPort(port int) ManagerOption {
	return func(m *Manager) { m.port = port }
}

// NewManager creates a manager. system names the aggregated status.
func NewManager(system string, opts ...ManagerOption) *Manager {
	m := &Manager{
		system:  system,
		logger:  slog.Default(),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "service-manager")
	if m.port > 0 {
		m.server = gateway.NewServer("health", fmt.Sprintf(":%d", m.port), m.Handler(), m.logger)
	}
	return m
}

// Register adds svc. Services start in registration order.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Register", "register "+svc.Name())
	}
	for _, e := range m.services {
		if e.svc.Name() == svc.Name() {
			return errors.WrapInvalid(errors.ErrDuplicateKey, "Manager", "Register", "register "+svc.Name())
		}
	}
	m.services = append(m.services, &entry{svc: svc, status: StatusStopped})
	m.recordStatus(svc.Name(), StatusStopped)
	return nil
}

// AddCheck reports fn as a dependency next to the services.
func (m *Manager) AddCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, fn: fn})
}

// StartAll starts every service in order and then the health server. When
// a service fails to start, the ones already running are stopped in reverse
// order.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "StartAll", "start services")
	}

	for i, e := range m.services {
		name := e.svc.Name()
		m.setStatus(e, StatusStarting)
		m.logger.Debug("Starting service", "service", name)

		if err := e.svc.Start(ctx); err != nil {
			m.setStatus(e, StatusFailed)
			m.logger.Error("Failed to start service", "service", name, "error", err)
			m.stopLocked(m.services[:i], 5*time.Second)
			return fmt.Errorf("start service %s: %w", name, err)
		}
		m.setStatus(e, StatusRunning)
	}

	if m.server != nil {
		if err := m.server.Start(ctx); err != nil {
			m.stopLocked(m.services, 5*time.Second)
			return err
		}
	}

	m.running = true
	m.logger.Info("All services started", "count", len(m.services))
	return nil
}

// StopAll stops the health server and every service in reverse order.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	var errs []error
	if m.server != nil {
		if err := m.server.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, m.stopLocked(m.services, timeout)...)
	return stderrors.Join(errs...)
}

func (m *Manager) stopLocked(services []*entry, timeout time.Duration) []error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		e := services[i]
		if e.status != StatusRunning {
			continue
		}

		name := e.svc.Name()
		start := time.Now()
		m.setStatus(e, StatusStopping)
		if err := e.svc.Stop(timeout); err != nil {
			m.setStatus(e, StatusFailed)
			m.logger.Error("Service stop failed", "service", name,
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			errs = append(errs, fmt.Errorf("stop service %s: %w", name, err))
			continue
		}
		m.setStatus(e, StatusStopped)
		m.logger.Debug("Service stopped", "service", name, "duration_ms", time.Since(start).Milliseconds())
	}
	return errs
}

func (m *Manager) setStatus(e *entry, status Status) {
	e.status = status
	m.recordStatus(e.svc.Name(), status)
}

func (m *Manager) recordStatus(name string, status Status) {
	if m.metrics != nil {
		m.metrics.RecordServiceStatus(name, int(status))
	}
}

// Status returns the lifecycle status of the named service.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.services {
		if e.svc.Name() == name {
			return e.status, true
		}
	}
	return StatusStopped, false
}

// Health polls every service and dependency check and aggregates them.
func (m *Manager) Health(ctx context.Context) health.Status {
	m.mu.RLock()
	services := make([]Service, len(m.services))
	for i, e := range m.services {
		services[i] = e.svc
	}
	checks := append([]check(nil), m.checks...)
	m.mu.RUnlock()

	m.monitor.Check(checkers(services)...)
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		m.monitor.Update(c.name, health.FromError(c.name, c.fn(checkCtx)))
		cancel()
	}
	return m.monitor.Aggregate(m.system)
}

func checkers(services []Service) []health.Checker {
	out := make([]health.Checker, len(services))
	for i, s := range services {
		out[i] = s
	}
	return out
}

// Handler serves the health endpoints.
func (m *Manager) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := m.Health(r.Context())
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		gateway.WriteJSON(w, code, status)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if m.Health(r.Context()).IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})
	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		m.mu.RLock()
		list := make([]map[string]any, 0, len(m.services))
		for _, e := range m.services {
			list = append(list, map[string]any{"name": e.svc.Name(), "status": e.status.String()})
		}
		m.mu.RUnlock()
		gateway.WriteJSON(w, http.StatusOK, map[string]any{"services": list, "count": len(list)})
	})
	return r
}
