// Package postgres implements the platform repositories and the measurement
// bucket backend on PostgreSQL through sqlx and lib/pq.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/pkg/retry"
)

// PostgreSQL error codes mapped to validation errors.
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
)

// DB owns the connection pool shared by the repositories.
type DB struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewDB wraps an open connection pool.
func NewDB(db *sqlx.DB, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{db: db, logger: logger.With("component", "postgres")}
}

// Connect opens the pool described by cfg, retrying while the server is not
// reachable, and creates the schema when cfg.InitSchema is set.
func Connect(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "postgres", "Connect", "read DSN")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var conn *sqlx.DB
	err := retry.Do(ctx, retry.Startup(), func() error {
		var err error
		conn, err = sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
		if err != nil {
			logger.Warn("PostgreSQL not reachable yet", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "postgres", "Connect", "connect")
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	db := NewDB(conn, logger)
	if cfg.InitSchema {
		if err := db.InitializeSchema(ctx); err != nil {
			_ = conn.Close()
			return nil, errors.WrapFatal(err, "postgres", "Connect", "initialize schema")
		}
	}
	db.logger.Info("Connected to PostgreSQL")
	return db, nil
}

// GetDB returns the underlying pool.
func (d *DB) GetDB() *sqlx.DB {
	return d.db
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return errors.WrapStorage(err, "postgres", "Ping", "ping database")
	}
	return nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// classify maps driver errors to the platform error classes. Constraint
// violations are caller mistakes, everything else is a storage failure.
func classify(err error, component, method, action string) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateKey, pqErr.Message), component, method, action)
		case codeForeignKeyViolation:
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, pqErr.Message), component, method, action)
		}
	}
	return errors.WrapStorage(err, component, method, action)
}
