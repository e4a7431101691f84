package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

// Store implements storage.Store.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore creates the sensor, user, link and API key repositories.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// GetSensor returns the sensor or nil when it does not exist.
func (s *Store) GetSensor(ctx context.Context, id message.SensorID) (*storage.Sensor, error) {
	sensor := &storage.Sensor{}
	query := `SELECT id, name, secret, owner FROM sensors WHERE id = $1`

	if err := s.db.GetDB().GetContext(ctx, sensor, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WrapStorage(err, "PostgresStore", "GetSensor", "select sensor")
	}
	return sensor, nil
}

// CreateSensor inserts a sensor.
func (s *Store) CreateSensor(ctx context.Context, sensor storage.Sensor) error {
	if sensor.ID.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidSensorID, "PostgresStore", "CreateSensor", "check sensor ID")
	}
	query := `INSERT INTO sensors (id, name, secret, owner) VALUES (:id, :name, :secret, :owner)`

	if _, err := s.db.GetDB().NamedExecContext(ctx, query, sensor); err != nil {
		return classify(err, "PostgresStore", "CreateSensor", "insert sensor")
	}
	return nil
}

// DeleteSensor removes a sensor. Its links are removed by the foreign key.
func (s *Store) DeleteSensor(ctx context.Context, id message.SensorID) error {
	if _, err := s.db.GetDB().ExecContext(ctx, `DELETE FROM sensors WHERE id = $1`, id); err != nil {
		return errors.WrapStorage(err, "PostgresStore", "DeleteSensor", "delete sensor")
	}
	return nil
}

// GetUser returns the user or nil when it does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	user := &storage.User{}
	query := `SELECT id, email, email_confirmed, phone_number, phone_confirmed FROM users WHERE id = $1`

	if err := s.db.GetDB().GetContext(ctx, user, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WrapStorage(err, "PostgresStore", "GetUser", "select user")
	}
	return user, nil
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	if user.ID == "" {
		return errors.WrapInvalid(errors.ErrNilKey, "PostgresStore", "CreateUser", "check user ID")
	}
	query := `
		INSERT INTO users (id, email, email_confirmed, phone_number, phone_confirmed)
		VALUES (:id, :email, :email_confirmed, :phone_number, :phone_confirmed)`

	if _, err := s.db.GetDB().NamedExecContext(ctx, query, user); err != nil {
		return classify(err, "PostgresStore", "CreateUser", "insert user")
	}
	return nil
}

// HasLink reports whether the user was granted access to the sensor.
func (s *Store) HasLink(ctx context.Context, sensorID message.SensorID, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM sensor_links WHERE sensor_id = $1 AND user_id = $2)`

	if err := s.db.GetDB().GetContext(ctx, &exists, query, sensorID, userID); err != nil {
		return false, errors.WrapStorage(err, "PostgresStore", "HasLink", "select link")
	}
	return exists, nil
}

// CreateLink grants a user access to a sensor. Linking twice is a no-op.
func (s *Store) CreateLink(ctx context.Context, link storage.SensorLink) error {
	query := `
		INSERT INTO sensor_links (sensor_id, user_id) VALUES (:sensor_id, :user_id)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.GetDB().NamedExecContext(ctx, query, link); err != nil {
		return classify(err, "PostgresStore", "CreateLink", "insert link")
	}
	return nil
}

// GetAPIKey returns the key or nil when it does not exist.
func (s *Store) GetAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	if key == "" {
		return nil, nil
	}
	apiKey := &storage.APIKey{}
	query := `SELECT key, user_id, type, revoked FROM api_keys WHERE key = $1`

	if err := s.db.GetDB().GetContext(ctx, apiKey, query, key); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WrapStorage(err, "PostgresStore", "GetAPIKey", "select API key")
	}
	return apiKey, nil
}

// CreateAPIKey inserts an API key.
func (s *Store) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	if key.Key == "" {
		return errors.WrapInvalid(errors.ErrNilKey, "PostgresStore", "CreateAPIKey", "check key")
	}
	query := `INSERT INTO api_keys (key, user_id, type, revoked) VALUES (:key, :user_id, :type, :revoked)`

	if _, err := s.db.GetDB().NamedExecContext(ctx, query, key); err != nil {
		return classify(err, "PostgresStore", "CreateAPIKey", "insert API key")
	}
	return nil
}
