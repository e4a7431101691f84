package livedata

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sensate-iot/platform-network/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// State is the authorization state of a socket.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorized
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Client is one live data socket.
type Client struct {
	id      string
	kind    message.Kind
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu      sync.Mutex
	state   State
	userID  string
	sensors map[message.SensorID]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, kind message.Kind, sendBuffer int, rps float64) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &Client{
		id:      uuid.NewString(),
		kind:    kind,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(limit, burst),
		state:   StateConnecting,
		sensors: make(map[message.SensorID]struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Kind returns the pool the client belongs to.
func (c *Client) Kind() message.Kind { return c.kind }

// State returns the authorization state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authorized user, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setState(state State, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.userID = userID
}

func (c *Client) authorized() bool {
	return c.State() == StateAuthorized
}

func (c *Client) track(sensor message.SensorID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[sensor] = struct{}{}
}

func (c *Client) untrack(sensor message.SensorID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sensors[sensor]
	delete(c.sensors, sensor)
	return ok
}

// Sensors returns the sensors the client is subscribed to.
func (c *Client) Sensors() []message.SensorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.SensorID, 0, len(c.sensors))
	for s := range c.sensors {
		out = append(out, s)
	}
	return out
}

// enqueue hands data to the write pump. It reports false when the client is
// closed or its send buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// closeWith sends a close frame before closing the connection.
func (c *Client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	c.close()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
