package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache[K comparable, V any](t *testing.T, clock *fakeClock, opts ...Option[K, V]) *MemoryCache[K, V] {
	t.Helper()
	opts = append([]Option[K, V]{WithSweepInterval[K, V](0), withClock[K, V](clock.Now)}, opts...)
	c, err := New[K, V](context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAdd_DuplicateKey(t *testing.T) {
	c := newTestCache[int, int](t, newFakeClock())

	require.NoError(t, c.Add(1, 2))
	err := c.Add(1, 3)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
	assert.True(t, errors.IsInvalid(err))

	v, ok := c.TryGet(1)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestAdd_NilKey(t *testing.T) {
	c := newTestCache[*string, int](t, newFakeClock())

	err := c.Add(nil, 1)
	assert.ErrorIs(t, err, errors.ErrNilKey)

	var ch chan int
	cc := newTestCache[chan int, int](t, newFakeClock())
	assert.ErrorIs(t, cc.Add(ch, 1), errors.ErrNilKey)

	var iface any
	ic := newTestCache[any, int](t, newFakeClock())
	assert.ErrorIs(t, ic.Add(iface, 1), errors.ErrNilKey)
	assert.ErrorIs(t, ic.Remove(iface), errors.ErrNilKey)
}

func TestAdd_ZeroValueKeys(t *testing.T) {
	s := newTestCache[string, int](t, newFakeClock())
	require.NoError(t, s.Add("", 1), "the empty string is a key like any other")
	v, ok := s.TryGet("")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	require.NoError(t, s.Remove(""))
	_, ok = s.TryGet("")
	assert.False(t, ok)

	n := newTestCache[int, string](t, newFakeClock())
	require.NoError(t, n.Add(0, "zero"))
	v2, ok := n.TryGet(0)
	require.True(t, ok)
	assert.Equal(t, "zero", v2)
}

func TestAdd_ReplacesExpiredEntry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string, string](t, clock)

	require.NoError(t, c.AddWithTTL("k", "old", time.Second))
	clock.Advance(2 * time.Second)

	require.NoError(t, c.Add("k", "new"))
	v, ok := c.TryGet("k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestTryGet_ExpiresBeforeSweep(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string, int](t, clock)

	require.NoError(t, c.AddWithTTL("k", 1, time.Minute))

	clock.Advance(59 * time.Second)
	_, ok := c.TryGet("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.TryGet("k")
	assert.False(t, ok, "expired entries are absent even before the sweep")
	assert.Equal(t, 0, c.Count())
	assert.Equal(t, int64(1), c.Stats().CurrentSize())
}

func TestTryGet_NoSlideByDefault(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string, int](t, clock)

	require.NoError(t, c.AddWithTTL("k", 1, time.Minute))
	clock.Advance(40 * time.Second)
	_, ok := c.TryGet("k")
	require.True(t, ok)

	clock.Advance(30 * time.Second)
	_, ok = c.TryGet("k")
	assert.False(t, ok)
}

func TestTryGet_SlidingExpiration(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string, int](t, clock, WithSlidingExpiration[string, int]())

	require.NoError(t, c.AddWithTTL("k", 1, time.Minute))
	clock.Advance(40 * time.Second)
	_, ok := c.TryGet("k")
	require.True(t, ok)

	clock.Advance(40 * time.Second)
	_, ok = c.TryGet("k")
	assert.True(t, ok, "hit extended the expiry by the original TTL")

	clock.Advance(61 * time.Second)
	_, ok = c.TryGet("k")
	assert.False(t, ok)
}

func TestTryRemove(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int, int](t, clock)

	require.NoError(t, c.Add(1, 2))

	assert.False(t, c.TryRemove(2), "absent key")
	assert.True(t, c.TryRemove(1))
	assert.False(t, c.TryRemove(1), "already removed")

	_, ok := c.TryGet(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Count())

	require.NoError(t, c.AddWithTTL(3, 3, time.Second))
	clock.Advance(2 * time.Second)
	assert.False(t, c.TryRemove(3), "expired key")
}

func TestRemove_AbsentKeyIsNoop(t *testing.T) {
	c := newTestCache[int, int](t, newFakeClock())
	assert.NoError(t, c.Remove(42))
}

func TestSweep_DeletesTombstonesAndExpired(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	c := newTestCache[string, int](t, clock, WithEvictionCallback[string, int](func(k string, _ int) {
		evicted = append(evicted, k)
	}))

	require.NoError(t, c.Add("removed", 1))
	require.NoError(t, c.AddWithTTL("expired", 2, time.Second))
	require.NoError(t, c.Add("live", 3))
	require.True(t, c.TryRemove("removed"))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, int64(1), c.Stats().CurrentSize())
	assert.Equal(t, 1, c.Count())
	assert.Equal(t, []string{"expired"}, evicted)
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestSweep_DoesNotClobberReAddedKey(t *testing.T) {
	c := newTestCache[int, string](t, newFakeClock())

	require.NoError(t, c.Add(1, "first"))
	require.True(t, c.TryRemove(1))
	require.NoError(t, c.Add(1, "second"))

	c.Sweep()

	v, ok := c.TryGet(1)
	require.True(t, ok)
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, c.Count())
}

func TestSweep_StaleCandidateSkipped(t *testing.T) {
	c := newTestCache[int, string](t, newFakeClock())

	require.NoError(t, c.Add(1, "first"))
	require.True(t, c.TryRemove(1))

	c.mu.RLock()
	staleGen := c.entries[1].gen
	c.mu.RUnlock()

	require.NoError(t, c.Add(1, "second"))

	c.mu.RLock()
	freshGen := c.entries[1].gen
	c.mu.RUnlock()
	assert.NotEqual(t, staleGen, freshGen)
}

func TestSweep_NeverConcurrent(t *testing.T) {
	c := newTestCache[int, int](t, newFakeClock())
	require.NoError(t, c.Add(1, 1))
	require.True(t, c.TryRemove(1))

	c.sweeping.Store(true)
	assert.Equal(t, 0, c.Sweep(), "a sweep in progress blocks a second one")
	assert.Equal(t, int64(1), c.Stats().CurrentSize())

	c.sweeping.Store(false)
	assert.Equal(t, 1, c.Sweep())
}

func TestBackgroundSweep(t *testing.T) {
	c, err := New[int, int](context.Background(), WithSweepInterval[int, int](10*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Add(1, 2))
	require.True(t, c.TryRemove(1))

	assert.Eventually(t, func() bool {
		return c.Stats().CurrentSize() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClose_StopsSweepOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := New[int, int](ctx, WithSweepInterval[int, int](time.Millisecond))
	require.NoError(t, err)

	cancel()
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestKeysAndClear(t *testing.T) {
	c := newTestCache[string, int](t, newFakeClock())
	require.NoError(t, c.Add("a", 1))
	require.NoError(t, c.Add("b", 2))
	require.True(t, c.TryRemove("b"))

	assert.Equal(t, []string{"a"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Count())
	assert.Equal(t, 2, c.Sweep())
}

func TestAddOrUpdate(t *testing.T) {
	c := newTestCache[string, int](t, newFakeClock())
	require.NoError(t, c.Add("a", 1))
	require.NoError(t, c.AddOrUpdate("a", 2, 0))

	v, ok := c.TryGet("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache[int, int](t, newFakeClock())
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := w*1000 + i
				_ = c.Add(key, i)
				c.TryGet(key)
				c.TryRemove(key)
				if i%50 == 0 {
					c.Sweep()
				}
			}
		}(w)
	}
	wg.Wait()

	c.Sweep()
	assert.Equal(t, 0, c.Count())
	assert.Equal(t, int64(0), c.Stats().CurrentSize())
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := newTestCache[string, int](t, newFakeClock(), WithMetrics[string, int](registry, "sensors"))

	require.NoError(t, c.Add("a", 1))
	c.TryGet("a")
	c.TryGet("b")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.misses))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.size))

	_, err := New[string, int](context.Background(), WithMetrics[string, int](registry, "sensors"))
	assert.Error(t, err, "duplicate metric prefix")
}

func TestConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{DefaultTTL: -1}.Validate())
	assert.Error(t, Config{Sliding: true}.Validate())

	opts := Options[string, int](Config{DefaultTTL: time.Minute, Sliding: true})
	applied := applyOptions(opts...)
	assert.Equal(t, time.Minute, applied.defaultTTL)
	assert.True(t, applied.sliding)
}
