// Package config provides configuration loading for the network platform.
//
// Configuration is built from the compiled defaults, then from any number of
// JSON or YAML file layers, then from SENSATE_* environment variables.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.json") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Layer Merging
//
// Layers are merged key by key: a nested object in a later layer only
// replaces the keys it names. Arrays and scalars are replaced whole.
//
// # Durations
//
// Duration fields accept Go duration strings ("30s", "5m") and a day suffix
// ("14d"). Numeric values are read as nanoseconds.
//
// # Environment Overrides
//
//	SENSATE_PLATFORM_ID, SENSATE_NATS_URLS (comma separated), SENSATE_NATS_TOKEN,
//	SENSATE_STORAGE_BACKEND, SENSATE_POSTGRES_DSN, SENSATE_REDIS_ADDR,
//	SENSATE_LIVE_DATA_JWT_SECRET, SENSATE_ROUTER_PORT, SENSATE_METRICS_PORT, ...
//
// # Security
//
// Config files are size limited, must be regular files and may not escape the
// working directory through relative parent references. JSON nesting depth is
// bounded.
package config
