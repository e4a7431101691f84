package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/pkg/cache"
	"github.com/sensate-iot/platform-network/pkg/tlsutil"
)

// Storage backend constants
const (
	StorageBackendMemory   = "memory"   // In-process repositories, for development and tests
	StorageBackendPostgres = "postgres" // sqlx + lib/pq repositories
)

// Overflow policies for a bounded ingress queue
const (
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

// Config represents the complete application configuration
type Config struct {
	Platform PlatformConfig       `json:"platform"`
	NATS     NATSConfig           `json:"nats"`
	Storage  StorageConfig        `json:"storage"`
	Postgres PostgresConfig       `json:"postgres"`
	Redis    RedisConfig          `json:"redis"`
	Router   RouterConfig         `json:"router"`
	Trigger  TriggerConfig        `json:"trigger"`
	LiveData LiveDataConfig       `json:"live_data"`
	Metrics  MetricsConfig        `json:"metrics"`
	Health   HealthConfig         `json:"health"`
	TLS      tlsutil.ServerConfig `json:"tls"` // Router, trigger admin and live data listeners
}

// PlatformConfig defines the identity of this instance
type PlatformConfig struct {
	ID          string `json:"id"`                    // Instance identifier, used as the live data target name
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs           []string      `json:"urls,omitempty"`
	MaxReconnects  int           `json:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`

	TLS *tlsutil.ClientConfig `json:"tls,omitempty"` // nil dials plain TCP
}

// StorageConfig selects the repository implementation
type StorageConfig struct {
	Backend     string       `json:"backend"`
	SensorCache cache.Config `json:"sensor_cache"` // Sensor and API key lookups
}

// PostgresConfig defines the relational store connection
type PostgresConfig struct {
	DSN             string        `json:"dsn,omitempty"`
	MaxOpenConns    int           `json:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty"`
	InitSchema      bool          `json:"init_schema"`
}

// RedisConfig defines the shared live route table connection
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// RouterConfig configures the ingress router
type RouterConfig struct {
	Enabled        bool          `json:"enabled"`
	Port           int           `json:"port"`
	QueueCapacity  int           `json:"queue_capacity"` // 0 is unbounded
	OverflowPolicy string        `json:"overflow_policy"`
	BatchSize      int           `json:"batch_size"`
	Workers        int           `json:"workers"`
	DrainInterval  time.Duration `json:"drain_interval"`
	RouteTTL       time.Duration `json:"route_ttl"` // Live data routes expire after this period
}

// ChannelCooldowns holds the per channel trigger timeout in minutes
type ChannelCooldowns struct {
	MQTT           int `json:"mqtt"`
	Email          int `json:"email"`
	SMS            int `json:"sms"`
	ControlMessage int `json:"control_message"`
	HTTPWebhook    int `json:"http_webhook"`
}

// WebhookConfig configures the HTTP webhook channel
type WebhookConfig struct {
	Timeout time.Duration        `json:"timeout"`
	Retry   errors.RetryConfig   `json:"retry"`
	TLS     tlsutil.ClientConfig `json:"tls"`
}

// TriggerConfig configures the trigger matching engine
type TriggerConfig struct {
	Enabled          bool             `json:"enabled"`
	AdminPort        int              `json:"admin_port"`
	Cooldowns        ChannelCooldowns `json:"cooldowns"`
	Webhook          WebhookConfig    `json:"webhook"`
	RegexCacheSize   int              `json:"regex_cache_size"`
	MaxPatternLength int              `json:"max_pattern_length"`
}

// LiveDataConfig configures the live subscription fan-out
type LiveDataConfig struct {
	Enabled      bool          `json:"enabled"`
	Port         int           `json:"port"`
	JWTSecret    string        `json:"jwt_secret,omitempty"`
	Skew         time.Duration `json:"skew"`
	SyncInterval time.Duration `json:"sync_interval"`
	SendBuffer   int           `json:"send_buffer"`
	SubscribeRPS float64       `json:"subscribe_rps"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// HealthConfig configures the health endpoint served by the service manager
type HealthConfig struct {
	Port int `json:"port"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			ID:          "sensate-network-1",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:     StorageBackendMemory,
			SensorCache: cache.DefaultConfig(),
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			InitSchema:      true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Router: RouterConfig{
			Enabled:        true,
			Port:           8080,
			OverflowPolicy: OverflowDropOldest,
			BatchSize:      1000,
			Workers:        4,
			DrainInterval:  100 * time.Millisecond,
			RouteTTL:       2 * time.Minute,
		},
		Trigger: TriggerConfig{
			Enabled:   true,
			AdminPort: 8081,
			Cooldowns: ChannelCooldowns{
				MQTT:           0,
				Email:          60,
				SMS:            60,
				ControlMessage: 1,
				HTTPWebhook:    1,
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
				Retry:   errors.DefaultRetryConfig(),
			},
			RegexCacheSize:   512,
			MaxPatternLength: 1024,
		},
		LiveData: LiveDataConfig{
			Enabled:      true,
			Port:         8082,
			Skew:         250 * time.Millisecond,
			SyncInterval: time.Minute,
			SendBuffer:   256,
			SubscribeRPS: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Port: 8090,
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return invalid("platform.id is required")
	}
	if !isValidSubjectPart(c.Platform.ID) {
		return invalid(fmt.Sprintf(
			"platform.id '%s' is not valid for bus subjects (must be alphanumeric with dashes and underscores)",
			c.Platform.ID))
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for _, u := range c.NATS.URLs {
		if _, err := url.Parse(u); err != nil {
			return invalid(fmt.Sprintf("nats url '%s': %v", u, err))
		}
	}

	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendPostgres:
		if c.Postgres.DSN == "" {
			return invalid("postgres.dsn is required for the postgres storage backend")
		}
	default:
		return invalid(fmt.Sprintf("unknown storage.backend '%s'", c.Storage.Backend))
	}
	if err := c.Storage.SensorCache.Validate(); err != nil {
		return errors.WrapFatal(err, "Config", "Validate", "storage.sensor_cache")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return invalid("redis.addr is required when redis is enabled")
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return invalid("tls.cert_file and tls.key_file are required when tls is enabled")
	}

	if err := c.Router.validate(); err != nil {
		return err
	}
	if err := c.Trigger.validate(); err != nil {
		return err
	}
	return c.LiveData.validate()
}

func (r RouterConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	if r.QueueCapacity < 0 {
		return invalid("router.queue_capacity cannot be negative")
	}
	if r.OverflowPolicy != OverflowDropOldest && r.OverflowPolicy != OverflowReject {
		return invalid(fmt.Sprintf("unknown router.overflow_policy '%s'", r.OverflowPolicy))
	}
	if r.BatchSize <= 0 {
		return invalid("router.batch_size must be positive")
	}
	if r.Workers <= 0 {
		return invalid("router.workers must be positive")
	}
	if r.DrainInterval <= 0 {
		return invalid("router.drain_interval must be positive")
	}
	return nil
}

func (t TriggerConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	cd := t.Cooldowns
	if cd.MQTT < 0 || cd.Email < 0 || cd.SMS < 0 || cd.ControlMessage < 0 || cd.HTTPWebhook < 0 {
		return invalid("trigger.cooldowns cannot be negative")
	}
	if t.Webhook.Timeout <= 0 {
		return invalid("trigger.webhook.timeout must be positive")
	}
	if t.Webhook.Retry.MaxRetries < 0 {
		return invalid("trigger.webhook.retry.max_retries cannot be negative")
	}
	if t.RegexCacheSize <= 0 {
		return invalid("trigger.regex_cache_size must be positive")
	}
	return nil
}

func (l LiveDataConfig) validate() error {
	if !l.Enabled {
		return nil
	}
	if l.JWTSecret == "" {
		return invalid("live_data.jwt_secret is required")
	}
	if l.Skew <= 0 {
		return invalid("live_data.skew must be positive")
	}
	if l.SyncInterval <= 0 {
		return invalid("live_data.sync_interval must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// isValidSubjectPart checks if a string can be used as a single bus subject token.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	masked.NATS.Password = mask(masked.NATS.Password)
	masked.NATS.Token = mask(masked.NATS.Token)
	masked.Redis.Password = mask(masked.Redis.Password)
	masked.LiveData.JWTSecret = mask(masked.LiveData.JWTSecret)
	if i := strings.Index(masked.Postgres.DSN, "@"); i > 0 {
		masked.Postgres.DSN = "****" + masked.Postgres.DSN[i:]
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
