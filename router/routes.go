package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/pkg/cache"
	"github.com/sensate-iot/platform-network/storage/redisstore"
)

// RouteTable maps sensors to the live data instances holding subscribers.
type RouteTable interface {
	Sync(ctx context.Context, target string, sensors []message.SensorID) error
	Targets(ctx context.Context, sensor message.SensorID) ([]string, error)
}

var (
	_ RouteTable = (*MemoryRouteTable)(nil)
	_ RouteTable = (*redisstore.RouteTable)(nil)
)

// MemoryRouteTable keeps routes in a TTL cache local to one router.
type MemoryRouteTable struct {
	mu     sync.Mutex
	routes *cache.MemoryCache[message.SensorID, map[string]time.Time]
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryRouteTable creates a route table whose entries expire after ttl.
// The sweep loop stops with ctx.
func NewMemoryRouteTable(ctx context.Context, ttl time.Duration, registry *metric.MetricsRegistry) (*MemoryRouteTable, error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "MemoryRouteTable", "New", "route ttl must be positive")
	}

	opts := []cache.Option[message.SensorID, map[string]time.Time]{
		cache.WithDefaultTTL[message.SensorID, map[string]time.Time](ttl),
		cache.WithSweepInterval[message.SensorID, map[string]time.Time](ttl),
	}
	if registry != nil {
		opts = append(opts, cache.WithMetrics[message.SensorID, map[string]time.Time](registry, "router_routes"))
	}

	routes, err := cache.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &MemoryRouteTable{routes: routes, ttl: ttl, now: time.Now}, nil
}

// Sync refreshes the routes from target to sensors.
func (t *MemoryRouteTable) Sync(ctx context.Context, target string, sensors []message.SensorID) error {
	if target == "" {
		return errors.WrapInvalid(errors.ErrMissingTarget, "MemoryRouteTable", "Sync", "check target")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	expiry := now.Add(t.ttl)
	for _, sensor := range sensors {
		current, _ := t.routes.TryGet(sensor)
		next := make(map[string]time.Time, len(current)+1)
		for k, v := range current {
			if v.After(now) {
				next[k] = v
			}
		}
		next[target] = expiry
		if err := t.routes.AddOrUpdate(sensor, next, t.ttl); err != nil {
			return errors.WrapStorage(err, "MemoryRouteTable", "Sync", "store route")
		}
	}
	return nil
}

// Targets returns the targets with an unexpired route to sensor, sorted.
func (t *MemoryRouteTable) Targets(_ context.Context, sensor message.SensorID) ([]string, error) {
	current, ok := t.routes.TryGet(sensor)
	if !ok {
		return nil, nil
	}

	now := t.now()
	targets := make([]string, 0, len(current))
	for target, expiry := range current {
		if expiry.After(now) {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)
	return targets, nil
}

// Close stops the sweep loop.
func (t *MemoryRouteTable) Close() error {
	return t.routes.Close()
}
