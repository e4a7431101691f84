package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sensate-iot/platform-network/errors"
)

// ConnectionStatus is the state of the bus connection
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "circuit_open"}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ErrNotConnected is returned by Publish, Subscribe and RTT without a live connection.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Snapshot is a point-in-time view of the client
type Snapshot struct {
	Status      ConnectionStatus
	Failures    int32
	LastFailure time.Time
	RTT         time.Duration
}

// Client is the platform's NATS connection. It satisfies bus.Client.
type Client struct {
	servers string
	cfg     settings
	breaker *breaker
	state   atomic.Int32

	mu   sync.RWMutex
	conn *nats.Conn
	subs []*nats.Subscription

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a disconnected client. servers is a single URL or a
// comma separated list of cluster URLs.
func NewClient(servers string, opts ...Option) (*Client, error) {
	if servers == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsclient", "NewClient", "empty server list")
	}

	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.With("component", "natsclient")

	return &Client{
		servers: servers,
		cfg:     cfg,
		breaker: newBreaker(cfg.tripAfter, cfg.maxBackoff),
	}, nil
}

// URL returns the configured server list
func (c *Client) URL() string { return c.servers }

// Status returns the connection state
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.state.Load())
}

// IsHealthy reports whether the connection is up
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures returns the connect failures since the last successful connect
func (c *Client) Failures() int32 {
	n, _, _ := c.breaker.snapshot()
	return n
}

// Backoff returns how long the circuit stays open the next time it trips
func (c *Client) Backoff() time.Duration {
	_, d, _ := c.breaker.snapshot()
	return d
}

// Snapshot returns the current state together with the server round trip.
func (c *Client) Snapshot() Snapshot {
	failures, _, last := c.breaker.snapshot()
	s := Snapshot{Status: c.Status(), Failures: failures, LastFailure: last}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

// Check implements a service health check: it fails unless the connection
// is up and answers a ping.
func (c *Client) Check(_ context.Context) error {
	if status := c.Status(); status != StatusConnected {
		return errors.WrapTransient(errors.ErrNoConnection, "natsclient", "Check", "connection "+status.String())
	}
	_, err := c.RTT()
	return err
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.state.Store(int32(status))
	c.report(status)
}

func (c *Client) report(status ConnectionStatus) {
	if c.cfg.metrics == nil {
		return
	}
	c.cfg.metrics.RecordBusStatus(status == StatusConnected)
	c.cfg.metrics.RecordCircuitBreaker(status == StatusCircuitOpen)
}

// recordFailure feeds the breaker and opens the circuit when it trips. The
// circuit half-opens again once the backoff elapses.
func (c *Client) recordFailure() {
	tripped, wait := c.breaker.fail()
	if !tripped {
		return
	}

	for {
		current := c.state.Load()
		if ConnectionStatus(current) == StatusCircuitOpen {
			c.cfg.logger.Warn("Circuit breaker still open", "backoff", c.Backoff())
			return
		}
		if c.state.CompareAndSwap(current, int32(StatusCircuitOpen)) {
			break
		}
	}
	c.report(StatusCircuitOpen)
	c.cfg.logger.Warn("Circuit breaker opened", "open_for", wait)

	time.AfterFunc(wait, func() {
		if c.state.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
			c.report(StatusDisconnected)
			c.cfg.logger.Debug("Circuit breaker half open")
		}
	})
}

// resetCircuit clears the breaker and closes an open circuit
func (c *Client) resetCircuit() {
	c.breaker.reset()
	if c.state.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
		c.report(StatusDisconnected)
	}
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.maxReconnects),
		nats.ReconnectWait(c.cfg.reconnectWait),
		nats.Timeout(c.cfg.dialTimeout),
		nats.DrainTimeout(c.cfg.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			c.cfg.logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setStatus(StatusConnected)
			c.resetCircuit()
			c.cfg.logger.Info("Reconnected to NATS", "server", conn.ConnectedUrl())
			if c.cfg.metrics != nil {
				c.cfg.metrics.BusReconnects.Inc()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) { c.setStatus(StatusDisconnected) }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				c.cfg.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
				return
			}
			c.cfg.logger.Error("NATS error", "error", err)
		}),
	}

	if c.cfg.name != "" {
		opts = append(opts, nats.Name(c.cfg.name))
	}
	if c.cfg.username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.username, c.cfg.password))
	}
	if c.cfg.token != "" {
		opts = append(opts, nats.Token(c.cfg.token))
	}
	if c.cfg.tls != nil {
		opts = append(opts, nats.Secure(c.cfg.tls))
	}
	return opts
}

// Connect dials the servers once. Consecutive failures open the circuit,
// after which Connect fails fast with errors.ErrCircuitOpen until the
// backoff elapses.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "natsclient", "Connect", "check circuit")
	}

	c.setStatus(StatusConnecting)
	c.cfg.logger.Info("Connecting to NATS", "servers", c.servers)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	opts := c.buildConnectionOptions()
	go func() {
		conn, err := nats.Connect(c.servers, opts...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		// a late connection is not wanted anymore
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}

	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return errors.WrapTransient(errors.ErrCircuitOpen, "natsclient", "Connect", res.err.Error())
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "natsclient", "Connect", "dial "+c.servers)
	}

	c.mu.Lock()
	c.conn = res.conn
	c.mu.Unlock()

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.cfg.logger.Info("Connected to NATS", "server", res.conn.ConnectedUrl())
	return nil
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "natsclient", "WaitForConnection",
				ctx.Err().Error())
		case <-ticker.C:
		}
	}
	return nil
}

// Close unsubscribes, drains the connection within the drain timeout or the
// ctx deadline, whichever is shorter, and forgets the credentials. Later
// calls return the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Client) close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "natsclient", "Close", "unsubscribe "+sub.Subject))
		}
	}
	c.subs = nil

	if conn := c.conn; conn != nil {
		c.conn = nil

		drainCtx, cancel := context.WithTimeout(ctx, c.cfg.drainTimeout)
		defer cancel()

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "natsclient", "Close", "drain"))
			}
		case <-drainCtx.Done():
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain: %w", drainCtx.Err()), "natsclient", "Close", "drain"))
		}
		conn.Close()
	}

	c.cfg.username, c.cfg.password, c.cfg.token = "", "", ""
	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

func (c *Client) liveConn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil
	}
	return c.conn
}

// RTT pings the server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.liveConn()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Publish sends data on subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.liveConn()
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "natsclient", "Publish", subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", subject)
	}
	return nil
}

// Subscribe registers handler for subject until Close. Each call gets a
// context derived from ctx and bounded by the handler timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn := c.liveConn()
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "natsclient", "Subscribe", subject)
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.cfg.handlerTTL)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "natsclient", "Subscribe", err.Error())
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}
