// Package cached decorates a storage.Store with TTL caches for the lookups
// on the ingress hot path: sensors and API keys.
//
// Misses are not cached, so a sensor created after a failed lookup becomes
// visible on the next request. Writes through the decorator invalidate the
// cached entry.
package cached

import (
	"context"
	"log/slog"
	"time"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/pkg/cache"
	"github.com/sensate-iot/platform-network/storage"
)

// Store caches sensor and API key lookups of an underlying store.
type Store struct {
	storage.Store

	sensors *cache.MemoryCache[message.SensorID, storage.Sensor]
	keys    *cache.MemoryCache[string, storage.APIKey]
	ttl     time.Duration
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New wraps next. A nil registry disables cache metrics.
func New(ctx context.Context, next storage.Store, cfg cache.Config, registry *metric.MetricsRegistry,
	logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sensorOpts := cache.Options[message.SensorID, storage.Sensor](cfg)
	keyOpts := cache.Options[string, storage.APIKey](cfg)
	if registry != nil {
		sensorOpts = append(sensorOpts, cache.WithMetrics[message.SensorID, storage.Sensor](registry, "sensor_cache"))
		keyOpts = append(keyOpts, cache.WithMetrics[string, storage.APIKey](registry, "apikey_cache"))
	}

	sensors, err := cache.New[message.SensorID, storage.Sensor](ctx, sensorOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "CachedStore", "New", "create sensor cache")
	}
	keys, err := cache.New[string, storage.APIKey](ctx, keyOpts...)
	if err != nil {
		_ = sensors.Close()
		return nil, errors.Wrap(err, "CachedStore", "New", "create API key cache")
	}

	return &Store{
		Store:   next,
		sensors: sensors,
		keys:    keys,
		ttl:     cfg.DefaultTTL,
		logger:  logger.With("component", "cached-store"),
	}, nil
}

// GetSensor returns the cached sensor or loads it from the underlying store.
func (s *Store) GetSensor(ctx context.Context, id message.SensorID) (*storage.Sensor, error) {
	if sensor, ok := s.sensors.TryGet(id); ok {
		return &sensor, nil
	}

	sensor, err := s.Store.GetSensor(ctx, id)
	if err != nil || sensor == nil {
		return sensor, err
	}

	if err := s.sensors.AddOrUpdate(id, *sensor, s.ttl); err != nil {
		s.logger.Debug("Failed to cache sensor", "sensor_id", id, "error", err)
	}
	return sensor, nil
}

// CreateSensor writes through and drops any cached copy.
func (s *Store) CreateSensor(ctx context.Context, sensor storage.Sensor) error {
	if err := s.Store.CreateSensor(ctx, sensor); err != nil {
		return err
	}
	s.sensors.TryRemove(sensor.ID)
	return nil
}

// DeleteSensor deletes through and drops any cached copy.
func (s *Store) DeleteSensor(ctx context.Context, id message.SensorID) error {
	s.sensors.TryRemove(id)
	return s.Store.DeleteSensor(ctx, id)
}

// GetAPIKey returns the cached key or loads it from the underlying store.
func (s *Store) GetAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	if key == "" {
		return nil, nil
	}
	if k, ok := s.keys.TryGet(key); ok {
		return &k, nil
	}

	k, err := s.Store.GetAPIKey(ctx, key)
	if err != nil || k == nil {
		return k, err
	}

	if err := s.keys.AddOrUpdate(key, *k, s.ttl); err != nil {
		s.logger.Debug("Failed to cache API key", "error", err)
	}
	return k, nil
}

// CreateAPIKey writes through and drops any cached copy.
func (s *Store) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	if err := s.Store.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	s.keys.TryRemove(key.Key)
	return nil
}

// Close stops the cache sweepers.
func (s *Store) Close() error {
	sensorErr := s.sensors.Close()
	if err := s.keys.Close(); err != nil {
		return err
	}
	return sensorErr
}
