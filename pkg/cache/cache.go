package cache

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensate-iot/platform-network/errors"
)

// EvictCallback is called for every entry the sweep deletes because it expired.
// Tombstoned entries were removed explicitly and do not trigger the callback.
type EvictCallback[K comparable, V any] func(key K, value V)

type entry[V any] struct {
	value   V
	ttl     time.Duration
	expires atomic.Int64 // unix nanoseconds, 0 means no expiry
	removed atomic.Bool
	gen     uint64
}

func (e *entry[V]) expiredAt(now int64) bool {
	exp := e.expires.Load()
	return exp != 0 && now >= exp
}

func (e *entry[V]) liveAt(now int64) bool {
	return !e.removed.Load() && !e.expiredAt(now)
}

// MemoryCache is a generic TTL cache with tombstone-based removal.
type MemoryCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[V]

	defaultTTL    time.Duration
	sweepInterval time.Duration
	sliding       bool
	now           func() time.Time

	generation atomic.Uint64
	sweeping   atomic.Bool

	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[K, V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a MemoryCache. When a sweep interval is configured a background
// goroutine sweeps the cache until ctx is cancelled or Close is called.
func New[K comparable, V any](ctx context.Context, options ...Option[K, V]) (*MemoryCache[K, V], error) {
	opts := applyOptions(options...)

	c := &MemoryCache[K, V]{
		entries:       make(map[K]*entry[V]),
		defaultTTL:    opts.defaultTTL,
		sweepInterval: opts.sweepInterval,
		sliding:       opts.sliding,
		now:           opts.clock,
		stats:         NewStatistics(),
		evictFn:       opts.evictCallback,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	if opts.metricsReg != nil {
		metrics, err := newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "MemoryCache", "New", "register metrics")
		}
		c.metrics = metrics
	}

	if c.sweepInterval > 0 {
		go c.sweepLoop(ctx)
	} else {
		close(c.done)
	}

	return c, nil
}

// isNilKey reports nil references only. Zero values such as "" or 0 are
// valid keys.
func isNilKey[K comparable](key K) bool {
	v := any(key)
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Chan, reflect.Map, reflect.Func, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

func (c *MemoryCache[K, V]) newEntry(value V, ttl time.Duration, now time.Time) *entry[V] {
	e := &entry[V]{
		value: value,
		ttl:   ttl,
		gen:   c.generation.Add(1),
	}
	if ttl > 0 {
		e.expires.Store(now.Add(ttl).UnixNano())
	}
	return e
}

// Add inserts key with the default TTL. It fails with ErrDuplicateKey when a
// live entry for key already exists and with ErrNilKey for a nil key.
func (c *MemoryCache[K, V]) Add(key K, value V) error {
	return c.insert("Add", key, value, c.defaultTTL, false)
}

// AddWithTTL inserts key with an explicit TTL. A non-positive ttl never expires.
func (c *MemoryCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) error {
	return c.insert("AddWithTTL", key, value, ttl, false)
}

// AddOrUpdate inserts key or replaces its current value, resetting the TTL.
func (c *MemoryCache[K, V]) AddOrUpdate(key K, value V, ttl time.Duration) error {
	return c.insert("AddOrUpdate", key, value, ttl, true)
}

func (c *MemoryCache[K, V]) insert(op string, key K, value V, ttl time.Duration, overwrite bool) error {
	if isNilKey(key) {
		return errors.WrapInvalid(errors.ErrNilKey, "MemoryCache", op, "validate key")
	}

	now := c.now()

	c.mu.Lock()
	if current, ok := c.entries[key]; ok && !overwrite && current.liveAt(now.UnixNano()) {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDuplicateKey, "MemoryCache", op, "insert entry")
	}
	c.entries[key] = c.newEntry(value, ttl, now)
	size := len(c.entries)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return nil
}

// TryGet returns the value for key if it is present, not tombstoned and not
// expired. With sliding expiration enabled a hit extends the expiry by the
// entry's original TTL.
func (c *MemoryCache[K, V]) TryGet(key K) (V, bool) {
	var zero V
	if isNilKey(key) {
		return zero, false
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	now := c.now()
	if !ok || !e.liveAt(now.UnixNano()) {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	if c.sliding && e.ttl > 0 {
		e.expires.Store(now.Add(e.ttl).UnixNano())
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return e.value, true
}

// TryRemove tombstones key. It reports whether a live entry was removed: a
// missing, expired or already removed key returns false.
func (c *MemoryCache[K, V]) TryRemove(key K) bool {
	if isNilKey(key) {
		return false
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expiredAt(c.now().UnixNano()) {
		return false
	}
	if !e.removed.CompareAndSwap(false, true) {
		return false
	}

	c.stats.Delete()
	if c.metrics != nil {
		c.metrics.recordDelete()
	}
	return true
}

// Remove tombstones key. Removing an absent key is a no-op, a nil key
// returns ErrNilKey.
func (c *MemoryCache[K, V]) Remove(key K) error {
	if isNilKey(key) {
		return errors.WrapInvalid(errors.ErrNilKey, "MemoryCache", "Remove", "validate key")
	}
	c.TryRemove(key)
	return nil
}

// Count returns the number of live entries.
func (c *MemoryCache[K, V]) Count() int {
	now := c.now().UnixNano()

	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, e := range c.entries {
		if e.liveAt(now) {
			count++
		}
	}
	return count
}

// Keys returns the keys of all live entries.
func (c *MemoryCache[K, V]) Keys() []K {
	now := c.now().UnixNano()

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.entries))
	for k, e := range c.entries {
		if e.liveAt(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clear tombstones every entry. The next sweep releases the memory.
func (c *MemoryCache[K, V]) Clear() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		e.removed.Store(true)
	}
}

// Stats returns the cache statistics.
func (c *MemoryCache[K, V]) Stats() *Statistics {
	return c.stats
}

type sweepCandidate[K comparable] struct {
	key K
	gen uint64
}

// Sweep physically deletes tombstoned and expired entries and returns the
// number of entries deleted. If another sweep is in progress Sweep returns 0
// without scanning.
func (c *MemoryCache[K, V]) Sweep() int {
	if !c.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer c.sweeping.Store(false)

	now := c.now().UnixNano()

	var candidates []sweepCandidate[K]
	c.mu.RLock()
	for k, e := range c.entries {
		if !e.liveAt(now) {
			candidates = append(candidates, sweepCandidate[K]{key: k, gen: e.gen})
		}
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	type evicted struct {
		key   K
		value V
	}
	var expired []evicted
	deleted := 0

	c.mu.Lock()
	for _, cand := range candidates {
		e, ok := c.entries[cand.key]
		if !ok || e.gen != cand.gen || e.liveAt(now) {
			continue
		}
		delete(c.entries, cand.key)
		deleted++
		if !e.removed.Load() {
			expired = append(expired, evicted{key: cand.key, value: e.value})
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}

	for _, ev := range expired {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
		if c.evictFn != nil {
			c.evictFn(ev.key, ev.value)
		}
	}

	return deleted
}

func (c *MemoryCache[K, V]) sweepLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close stops the background sweep.
func (c *MemoryCache[K, V]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			err = errors.WrapTransient(errors.ErrConnectionTimeout, "MemoryCache", "Close", "wait for sweep")
		}
	})
	return err
}
