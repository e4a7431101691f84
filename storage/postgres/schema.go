package postgres

import (
	"context"

	"github.com/sensate-iot/platform-network/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		email           TEXT NOT NULL DEFAULT '',
		email_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		phone_number    TEXT NOT NULL DEFAULT '',
		phone_confirmed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id     CHAR(24) PRIMARY KEY,
		name   TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL,
		owner  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_links (
		sensor_id CHAR(24) NOT NULL REFERENCES sensors (id) ON DELETE CASCADE,
		user_id   TEXT NOT NULL,
		PRIMARY KEY (sensor_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key     TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type    INTEGER NOT NULL DEFAULT 0,
		revoked BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS measurement_buckets (
		id                BIGSERIAL PRIMARY KEY,
		sensor_id         CHAR(24) NOT NULL,
		bucket_start      TIMESTAMPTZ NOT NULL,
		first_timestamp   TIMESTAMPTZ NOT NULL,
		last_timestamp    TIMESTAMPTZ NOT NULL,
		measurement_count INTEGER NOT NULL,
		measurements      JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS measurement_buckets_sensor_start
		ON measurement_buckets (sensor_id, bucket_start, measurement_count)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		id         BIGSERIAL PRIMARY KEY,
		sensor_id  CHAR(24) NOT NULL,
		key        TEXT NOT NULL,
		lower_edge NUMERIC,
		upper_edge NUMERIC,
		pattern    TEXT NOT NULL DEFAULT '',
		type       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS triggers_sensor ON triggers (sensor_id)`,
	`CREATE TABLE IF NOT EXISTS trigger_actions (
		id              BIGSERIAL PRIMARY KEY,
		trigger_id      BIGINT NOT NULL REFERENCES triggers (id) ON DELETE CASCADE,
		channel         INTEGER NOT NULL,
		target          TEXT NOT NULL DEFAULT '',
		message         TEXT NOT NULL,
		last_invocation TIMESTAMPTZ,
		UNIQUE (trigger_id, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS trigger_invocations (
		id         BIGSERIAL PRIMARY KEY,
		trigger_id BIGINT NOT NULL REFERENCES triggers (id) ON DELETE CASCADE,
		bucket_id  TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL,
		UNIQUE (trigger_id, bucket_id, idx)
	)`,
}

// InitializeSchema creates the tables and indexes that do not exist yet.
func (d *DB) InitializeSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapStorage(err, "postgres", "InitializeSchema", "create schema")
		}
	}
	d.logger.Debug("Schema initialized", "statements", len(schema))
	return nil
}
