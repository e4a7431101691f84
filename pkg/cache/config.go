package cache

import (
	"fmt"
	"time"

	"github.com/sensate-iot/platform-network/errors"
)

// Config is the serializable configuration of a MemoryCache.
type Config struct {
	// DefaultTTL is applied to entries added without an explicit TTL.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`

	// SweepInterval is how often tombstoned and expired entries are deleted.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// Sliding extends an entry's expiry on every hit.
	Sliding bool `json:"sliding" yaml:"sliding"`
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.DefaultTTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("default_ttl cannot be negative, got %v", c.DefaultTTL))
	}
	if c.SweepInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("sweep_interval cannot be negative, got %v", c.SweepInterval))
	}
	if c.Sliding && c.DefaultTTL == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			"sliding expiration requires a default_ttl")
	}
	return nil
}

// Options converts the configuration into cache options.
func Options[K comparable, V any](c Config) []Option[K, V] {
	opts := []Option[K, V]{
		WithDefaultTTL[K, V](c.DefaultTTL),
		WithSweepInterval[K, V](c.SweepInterval),
	}
	if c.Sliding {
		opts = append(opts, WithSlidingExpiration[K, V]())
	}
	return opts
}
