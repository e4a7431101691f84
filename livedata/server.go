// Package livedata serves websocket subscriptions to the live telemetry of
// individual sensors. Sockets authenticate with a bearer token, subscribe
// per sensor, and receive every batch the routers forward for it. The
// server periodically tells the routers which sensors it holds subscribers
// for.
package livedata

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/health"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/storage"
)

// Kinds served, in subscription order.
var Kinds = []message.Kind{message.KindMeasurement, message.KindMessage, message.KindControl}

// Dependencies are the collaborators of a Server.
type Dependencies struct {
	Sensors storage.SensorRepository
	Links   storage.SensorLinkRepository
	Bus     bus.Client
}

// Server is the live data fan-out service.
type Server struct {
	cfg             config.LiveDataConfig
	target          string
	sensors         storage.SensorRepository
	links           storage.SensorLinkRepository
	bus             bus.Client
	tokens          *Authenticator
	subs            *Registry
	upgrader        websocket.Upgrader
	server          *gateway.Server
	tlsConfig       *tls.Config
	metricsRegistry *metric.MetricsRegistry
	metrics         *liveMetrics
	logger          *slog.Logger
	now             func() time.Time

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
	handlers  sync.WaitGroup

	// syncNow asks the sync loop for an early sync
	syncNow chan struct{}

	mu      sync.Mutex
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers live data metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metricsRegistry = registry }
}

// WithTLS serves the sockets over TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithClock replaces the clock used for token and timestamp checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a live data server. target is the platform ID routers
// forward to.
func New(cfg config.LiveDataConfig, target string, deps Dependencies, opts ...Option) (*Server, error) {
	if deps.Sensors == nil || deps.Links == nil || deps.Bus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "check dependencies")
	}
	if target == "" || cfg.JWTSecret == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "check target and token secret")
	}

	s := &Server{
		cfg:     cfg,
		target:  target,
		sensors: deps.Sensors,
		links:   deps.Links,
		bus:     deps.Bus,
		subs:    NewRegistry(),
		clients: make(map[*Client]struct{}),
		syncNow: make(chan struct{}, 1),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "livedata")
	s.tokens = NewAuthenticator(cfg.JWTSecret, s.now)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Sockets authenticate with a token, not cookies.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	if s.metricsRegistry != nil {
		m, err := newLiveMetrics(s.metricsRegistry)
		if err != nil {
			s.logger.Warn("Failed to register live data metrics", "error", err)
		} else {
			s.metrics = m
		}
	}

	if cfg.Port > 0 {
		s.server = gateway.NewServer("livedata", fmt.Sprintf(":%d", cfg.Port), s.Handler(), s.logger)
		s.server.UseTLS(s.tlsConfig)
	}
	return s, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return "livedata" }

// Registry exposes the subscription registry.
func (s *Server) Registry() *Registry { return s.subs }

// Handler serves /live/v1/{kind}.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/live/v1/{kind}", s.serveSocket)
	return r
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	kind, ok := message.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, kind, s.cfg.SendBuffer, s.cfg.SubscribeRPS)
	c.setState(StateAuthenticating, "")
	if token := BearerToken(r); token != "" {
		if userID, err := s.tokens.Authenticate(token); err != nil {
			c.setState(StateUnauthorized, "")
			s.metrics.reject("token")
			s.logger.Info("Bearer token rejected", "client", c.id, "error", err)
		} else {
			c.setState(StateAuthorized, userID)
		}
	}

	if !s.register(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.metrics.connected(kind)
	s.logger.Debug("Live data client connected", "client", c.id, "kind", kind.String(), "remote", r.RemoteAddr)

	go c.writePump()
	s.readPump(r.Context(), c)
}

// register adds c unless the server is stopped.
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) readPump(ctx context.Context, c *Client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Live data socket closed", "client", c.id, "error", err)
			}
			return
		}

		err = s.handleRequest(ctx, c, data)
		switch {
		case err == nil:
		case errors.IsUnauthorized(err):
			s.metrics.reject("unauthorized")
			s.logger.Info("Closing unauthorized live data socket", "client", c.id, "error", err)
			c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
			return
		case errors.IsStorage(err):
			s.metrics.reject("storage")
			s.logger.Error("Live data request failed", "client", c.id, "error", err)
		case errors.IsTransient(err):
			s.metrics.reject("rate_limited")
			s.logger.Warn("Live data request throttled", "client", c.id, "error", err)
		default:
			s.metrics.reject("invalid")
			s.logger.Warn("Live data request rejected", "client", c.id, "error", err)
		}
	}
}

// disconnect removes every subscription of c and closes it.
func (s *Server) disconnect(c *Client) {
	s.subs.RemoveAll(c, c.Sensors())
	c.close()

	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if ok {
		s.metrics.disconnected(c.kind)
		for _, kind := range Kinds {
			s.metrics.subscribed(kind, s.subs.Len(kind))
		}
		s.handlers.Done()
	}
}

// Start subscribes to the live subjects of this target, starts the HTTP
// server and the route sync loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start live data server")
	}

	for _, kind := range Kinds {
		if err := s.bus.Subscribe(ctx, bus.LiveSubject(s.target, kind), s.dispatcher(kind)); err != nil {
			return errors.WrapTransient(err, "Server", "Start", "subscribe to "+kind.String())
		}
	}

	if s.server != nil {
		if err := s.server.Start(ctx); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = s.now()
	go s.syncLoop(loopCtx, s.done)

	s.logger.Info("Live data server started", "target", s.target, "sync_interval", s.cfg.SyncInterval)
	return nil
}

// Stop stops the server and closes every socket.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	<-s.done
	s.done = nil
	s.mu.Unlock()

	var serverErr error
	if s.server != nil {
		serverErr = s.server.Stop(timeout)
	}

	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	waited := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "wait for sockets")
	}
	return serverErr
}

// syncLoop announces the routes once at start, on every tick and whenever a
// sensor gets its first subscriber.
func (s *Server) syncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.syncOrWarn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.syncNow:
		}
		s.syncOrWarn(ctx)
	}
}

func (s *Server) syncOrWarn(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("Unable to sync live data routes", "error", err)
	}
}

// requestSync schedules an early sync. Requests made while one is pending
// are merged.
func (s *Server) requestSync() {
	select {
	case s.syncNow <- struct{}{}:
	default:
	}
}

// Sync publishes the sensors this server holds subscribers for on the
// router command subject.
func (s *Server) Sync(ctx context.Context) error {
	sensors := s.subs.Sensors()
	cmd, err := bus.NewCommand(bus.CommandSyncLiveDataSensors, bus.SyncLiveDataSensors{
		Target:  s.target,
		Sensors: sensors,
	})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, bus.SubjectRouterCommands, cmd); err != nil {
		return errors.WrapDispatch(err, "Server", "Sync", "publish sync command")
	}
	s.metrics.synced()
	s.logger.Debug("Live data routes synced", "sensors", len(sensors))
	return nil
}

// dispatcher sends each batch of a bus payload to the subscribers of its
// sensor.
func (s *Server) dispatcher(kind message.Kind) func(context.Context, []byte) {
	return func(_ context.Context, data []byte) {
		var batches []json.RawMessage
		if err := bus.Decode(data, &batches); err != nil {
			s.logger.Warn("Invalid live data payload", "kind", kind.String(), "error", err)
			return
		}

		for _, raw := range batches {
			var head struct {
				SensorID message.SensorID `json:"sensorId"`
			}
			if err := json.Unmarshal(raw, &head); err != nil || head.SensorID.IsZero() {
				s.logger.Debug("Skipping live data batch without sensor", "kind", kind.String())
				continue
			}
			for _, c := range s.subs.Subscribers(kind, head.SensorID) {
				ok := c.enqueue(raw)
				s.metrics.delivered(kind, ok)
				if !ok {
					s.logger.Debug("Live data client send buffer full", "client", c.id)
				}
			}
		}
	}
}

// Health reports connected sockets and subscribed sensors.
func (s *Server) Health() health.Status {
	s.mu.Lock()
	running, started := s.done != nil, s.started
	s.mu.Unlock()

	if !running {
		return health.NewUnhealthy(s.Name(), "live data server not running")
	}

	s.clientsMu.Lock()
	clients := len(s.clients)
	s.clientsMu.Unlock()

	status := health.NewHealthy(s.Name(), fmt.Sprintf("%d sockets, %d sensors", clients, len(s.subs.Sensors())))
	return status.WithMetrics(&health.Metrics{Uptime: s.now().Sub(started)})
}
