package livedata

import (
	"bytes"
	"sort"
	"sync"

	"github.com/sensate-iot/platform-network/message"
)

// Registry indexes subscribed clients per kind and sensor.
type Registry struct {
	mu    sync.RWMutex
	pools map[message.Kind]map[message.SensorID]map[*Client]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[message.Kind]map[message.SensorID]map[*Client]struct{})}
}

// Add subscribes c to sensor in the pool of kind. It reports whether c is
// the first subscriber of sensor in any pool.
func (r *Registry) Add(kind message.Kind, sensor message.SensorID, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := true
	for _, pool := range r.pools {
		if len(pool[sensor]) > 0 {
			first = false
			break
		}
	}

	pool, ok := r.pools[kind]
	if !ok {
		pool = make(map[message.SensorID]map[*Client]struct{})
		r.pools[kind] = pool
	}
	clients, ok := pool[sensor]
	if !ok {
		clients = make(map[*Client]struct{})
		pool[sensor] = clients
	}
	clients[c] = struct{}{}
	return first
}

// Remove unsubscribes c from sensor in the pool of kind.
func (r *Registry) Remove(kind message.Kind, sensor message.SensorID, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(kind, sensor, c)
}

// RemoveAll unsubscribes c from every given sensor in every pool.
func (r *Registry) RemoveAll(c *Client, sensors []message.SensorID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind := range r.pools {
		for _, sensor := range sensors {
			r.removeLocked(kind, sensor, c)
		}
	}
}

func (r *Registry) removeLocked(kind message.Kind, sensor message.SensorID, c *Client) {
	pool := r.pools[kind]
	clients, ok := pool[sensor]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(pool, sensor)
	}
}

// Subscribers returns a snapshot of the clients subscribed to sensor.
func (r *Registry) Subscribers(kind message.Kind, sensor message.SensorID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := r.pools[kind][sensor]
	if len(clients) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(clients))
	for c := range clients {
		out = append(out, c)
	}
	return out
}

// Sensors returns every sensor with at least one subscriber in any pool,
// sorted.
func (r *Registry) Sensors() []message.SensorID {
	r.mu.RLock()
	seen := make(map[message.SensorID]struct{})
	for _, pool := range r.pools {
		for sensor := range pool {
			seen[sensor] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]message.SensorID, 0, len(seen))
	for sensor := range seen {
		out = append(out, sensor)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Len returns the number of subscribed sensors of kind.
func (r *Registry) Len(kind message.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools[kind])
}
