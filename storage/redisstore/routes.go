// Package redisstore keeps the live data route table in Redis so that every
// router instance forwards to the live data servers holding subscribers.
//
// Each sensor maps to a hash whose fields are live data targets and whose
// values are the unix millisecond expiry of the route. The hash itself
// expires after the route TTL so sensors nobody watches disappear.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/pkg/retry"
)

// KeyPrefix prefixes the route hash of every sensor.
const KeyPrefix = "sensate:route:"

// RouteTable is a Redis backed live data route table.
type RouteTable struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Connect creates a client for cfg and waits until Redis answers.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := retry.Do(ctx, retry.Startup(), func() error {
		err := client.Ping(ctx).Err()
		if err != nil && logger != nil {
			logger.Warn("Redis not reachable yet", "addr", cfg.Addr, "error", err)
		}
		return err
	})
	if err != nil {
		_ = client.Close()
		return nil, errors.WrapFatal(err, "redisstore", "Connect", "ping "+cfg.Addr)
	}
	return client, nil
}

// NewRouteTable creates a route table whose entries live for ttl.
func NewRouteTable(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RouteTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteTable{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "redis-route-table"),
	}
}

func routeKey(sensor message.SensorID) string {
	return KeyPrefix + sensor.String()
}

// Sync refreshes the routes from target to every sensor in one transaction.
func (t *RouteTable) Sync(ctx context.Context, target string, sensors []message.SensorID) error {
	if target == "" {
		return errors.WrapInvalid(errors.ErrMissingTarget, "RouteTable", "Sync", "check target")
	}
	if len(sensors) == 0 {
		return nil
	}

	expiry := strconv.FormatInt(t.now().Add(t.ttl).UnixMilli(), 10)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sensor := range sensors {
			key := routeKey(sensor)
			pipe.HSet(ctx, key, target, expiry)
			pipe.Expire(ctx, key, t.ttl)
		}
		return nil
	})
	if err != nil {
		return errors.WrapStorage(err, "RouteTable", "Sync", fmt.Sprintf("sync %d routes", len(sensors)))
	}
	return nil
}

// Targets returns the live data targets with an unexpired route to sensor.
// Expired fields are removed on the way.
func (t *RouteTable) Targets(ctx context.Context, sensor message.SensorID) ([]string, error) {
	key := routeKey(sensor)
	fields, err := t.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.WrapStorage(err, "RouteTable", "Targets", "read routes")
	}

	now := t.now().UnixMilli()
	var targets, expired []string
	for target, raw := range fields {
		expiry, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expiry <= now {
			expired = append(expired, target)
			continue
		}
		targets = append(targets, target)
	}

	if len(expired) > 0 {
		if err := t.client.HDel(ctx, key, expired...).Err(); err != nil {
			t.logger.Debug("Failed to remove expired routes", "sensor", sensor.String(), "error", err)
		}
	}
	return targets, nil
}

// Remove drops the route from target to sensor.
func (t *RouteTable) Remove(ctx context.Context, target string, sensor message.SensorID) error {
	if err := t.client.HDel(ctx, routeKey(sensor), target).Err(); err != nil {
		return errors.WrapStorage(err, "RouteTable", "Remove", "delete route")
	}
	return nil
}
