package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sensate-iot/platform-network/bucket"
	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/livedata"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/pkg/tlsutil"
	"github.com/sensate-iot/platform-network/router"
	"github.com/sensate-iot/platform-network/service"
	"github.com/sensate-iot/platform-network/storage"
	"github.com/sensate-iot/platform-network/storage/cached"
	"github.com/sensate-iot/platform-network/storage/memory"
	"github.com/sensate-iot/platform-network/storage/postgres"
	"github.com/sensate-iot/platform-network/storage/redisstore"
	"github.com/sensate-iot/platform-network/trigger"
)

// backends are the stores shared by the services of one process.
type backends struct {
	store    storage.Store
	buckets  bucket.Backend
	triggers trigger.Repository
	routes   router.RouteTable
	db       *postgres.DB
	closers  []io.Closer
}

// Close releases the backends in reverse order of creation.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry,
	logger *slog.Logger) (*backends, error) {
	b := &backends{}

	var base storage.Store
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		db, err := postgres.Connect(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		b.db = db
		b.closers = append(b.closers, db)
		base = postgres.NewStore(db)
		b.buckets = postgres.NewBucketBackend(db, bucket.Cap)
		b.triggers = postgres.NewTriggerRepository(db)
	default:
		base = memory.New()
		b.buckets = bucket.NewMemoryBackend()
		b.triggers = trigger.NewMemoryRepository()
	}

	store, err := cached.New(ctx, base, cfg.Storage.SensorCache, registry, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.store = store
	b.closers = append(b.closers, store)

	if cfg.Redis.Enabled {
		client, err := redisstore.Connect(ctx, cfg.Redis, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client)
		b.routes = redisstore.NewRouteTable(client, cfg.Router.RouteTTL, logger)
	} else {
		routes, err := router.NewMemoryRouteTable(ctx, cfg.Router.RouteTTL, registry)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, routes)
		b.routes = routes
	}
	return b, nil
}

// cooldowns converts the configured minutes per channel.
func cooldowns(c config.ChannelCooldowns) map[trigger.ChannelType]time.Duration {
	return map[trigger.ChannelType]time.Duration{
		trigger.ChannelMQTT:           time.Duration(c.MQTT) * time.Minute,
		trigger.ChannelEmail:          time.Duration(c.Email) * time.Minute,
		trigger.ChannelSMS:            time.Duration(c.SMS) * time.Minute,
		trigger.ChannelControlMessage: time.Duration(c.ControlMessage) * time.Minute,
		trigger.ChannelHTTPWebhook:    time.Duration(c.HTTPWebhook) * time.Minute,
	}
}

func newTriggerEngine(cfg config.TriggerConfig, b *backends, client bus.Client, patterns *trigger.Patterns,
	registry *metric.MetricsRegistry, logger *slog.Logger) (*trigger.Engine, error) {
	webhookTLS, err := tlsutil.LoadClientConfig(cfg.Webhook.TLS)
	if err != nil {
		return nil, err
	}

	notifier := trigger.NewBusNotifier(client)
	return trigger.NewEngine(trigger.Dependencies{
		Triggers:  b.triggers,
		Sensors:   b.store,
		Users:     b.store,
		Publisher: client,
		Patterns:  patterns,
		Channels: []trigger.Channel{
			trigger.NewMQTTChannel(client),
			trigger.NewEmailChannel(notifier),
			trigger.NewSMSChannel(notifier),
			trigger.NewControlChannel(client, b.store, b.store),
			trigger.NewWebhookChannel(cfg.Webhook.Timeout, cfg.Webhook.Retry).WithTLS(webhookTLS),
		},
	},
		trigger.WithCooldowns(cooldowns(cfg.Cooldowns)),
		trigger.WithLogger(logger),
		trigger.WithMetrics(registry),
	), nil
}

// registerServices builds every enabled service and registers it with manager
// in start order: live data first so its subjects exist before the router
// forwards, the router next, then the admin and metrics endpoints.
func registerServices(cfg *config.Config, manager *service.Manager, b *backends, client bus.Client,
	registry *metric.MetricsRegistry, logger *slog.Logger) error {
	serverTLS, err := tlsutil.LoadServerConfig(cfg.TLS)
	if err != nil {
		return err
	}

	if cfg.LiveData.Enabled {
		live, err := livedata.New(cfg.LiveData, cfg.Platform.ID, livedata.Dependencies{
			Sensors: b.store,
			Links:   b.store,
			Bus:     client,
		}, livedata.WithLogger(logger), livedata.WithMetrics(registry), livedata.WithTLS(serverTLS))
		if err != nil {
			return fmt.Errorf("create live data server: %w", err)
		}
		if err := manager.Register(live); err != nil {
			return err
		}
	}

	buckets := bucket.NewStore(b.buckets, bucket.WithLogger(logger), bucket.WithMetrics(registry))
	buckets.Subscribe(bucket.NewNotifier(client, logger))

	var evaluator router.Evaluator
	if cfg.Trigger.Enabled {
		patterns, err := trigger.NewPatterns(cfg.Trigger.RegexCacheSize, cfg.Trigger.MaxPatternLength)
		if err != nil {
			return errors.WrapFatal(err, "main", "registerServices", "create pattern cache")
		}
		engine, err := newTriggerEngine(cfg.Trigger, b, client, patterns, registry, logger)
		if err != nil {
			return err
		}
		evaluator = engine

		if cfg.Trigger.AdminPort > 0 {
			admin := trigger.NewAdminHandler(b.triggers, b.store, buckets, patterns, logger)
			server := gateway.NewServer("trigger-admin", fmt.Sprintf(":%d", cfg.Trigger.AdminPort),
				admin.Routes(), logger)
			server.UseTLS(serverTLS)
			if err := manager.Register(newHTTPService("trigger-admin", server)); err != nil {
				return err
			}
		}
	}

	if cfg.Router.Enabled {
		r, err := router.New(cfg.Router, router.Dependencies{
			Store:     b.store,
			Buckets:   buckets,
			Evaluator: evaluator,
			Bus:       client,
			Routes:    b.routes,
		}, router.WithLogger(logger), router.WithMetrics(registry), router.WithTLS(serverTLS))
		if err != nil {
			return fmt.Errorf("create router: %w", err)
		}
		if err := manager.Register(r); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		svc := &metricsService{
			server: metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry),
			port:   cfg.Metrics.Port,
		}
		if err := manager.Register(svc); err != nil {
			return err
		}
	}
	return nil
}
