// Package cache provides MemoryCache, a generic thread-safe key/value store
// with per-entry expiration and deferred, scan-based removal.
//
// # Removal Model
//
// Entries are never deleted from the backing map on the caller's goroutine.
// TryRemove and Remove mark the entry as a tombstone and expired entries are
// treated as absent on every read. A sweep, run by a background ticker or by
// calling Sweep directly, scans the map and physically deletes tombstoned and
// expired entries. At most one sweep runs at a time and readers never wait
// for it: the scan happens under the read lock and only the final deletion
// takes the write lock.
//
// Every entry carries a generation number. A key that is removed and then
// added again before the sweep runs gets a new generation, so the sweep can
// tell the stale tombstone from the fresh entry and leaves the latter alone.
//
// # Quick Start
//
//	c, err := cache.New[string, *types.Sensor](ctx,
//		cache.WithDefaultTTL[string, *types.Sensor](5*time.Minute),
//		cache.WithSweepInterval[string, *types.Sensor](time.Minute),
//	)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	if err := c.Add(id, sensor); errors.Is(err, errors.ErrDuplicateKey) {
//		// already cached
//	}
//	sensor, ok := c.TryGet(id)
//
// # Statistics and Metrics
//
// Statistics are always collected. Prometheus metrics are exported when the
// cache is created with WithMetrics.
package cache
