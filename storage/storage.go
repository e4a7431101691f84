// Package storage defines the repository capabilities consumed by the network
// platform, together with the records they return.
//
// A lookup that finds nothing returns (nil, nil): "not found" is a valid
// result, not an error. Errors are reserved for an unavailable or failing
// backing store and are classified with errors.WrapStorage.
//
// Implementations:
//   - memory: in-process maps, for development and tests
//   - postgres: sqlx + lib/pq
//   - cached: TTL cache decorator for sensor and API key lookups
//
// All implementations must be safe for concurrent use.
package storage

import (
	"context"

	"github.com/sensate-iot/platform-network/message"
)

// Sensor is a registered device. Owner is the ID of the owning user.
type Sensor struct {
	ID     message.SensorID `json:"id" db:"id"`
	Name   string           `json:"name" db:"name"`
	Secret string           `json:"-" db:"secret"`
	Owner  string           `json:"owner" db:"owner"`
}

// User holds the contact details used by notification channels.
type User struct {
	ID             string `json:"id" db:"id"`
	Email          string `json:"email" db:"email"`
	EmailConfirmed bool   `json:"emailConfirmed" db:"email_confirmed"`
	PhoneNumber    string `json:"phoneNumber" db:"phone_number"`
	PhoneConfirmed bool   `json:"phoneConfirmed" db:"phone_confirmed"`
}

// SensorLink grants a user access to a sensor it does not own.
type SensorLink struct {
	SensorID message.SensorID `json:"sensorId" db:"sensor_id"`
	UserID   string           `json:"userId" db:"user_id"`
}

// APIKeyType distinguishes per-sensor keys from platform keys.
type APIKeyType int

const (
	APIKeySensor APIKeyType = iota
	APIKeySystem
)

// APIKey authorizes ingress requests.
type APIKey struct {
	Key     string     `json:"key" db:"key"`
	UserID  string     `json:"userId" db:"user_id"`
	Type    APIKeyType `json:"type" db:"type"`
	Revoked bool       `json:"revoked" db:"revoked"`
}

// Valid reports whether the key may be used.
func (k *APIKey) Valid() bool {
	return k != nil && !k.Revoked
}

// SensorRepository looks up sensors by ID.
type SensorRepository interface {
	GetSensor(ctx context.Context, id message.SensorID) (*Sensor, error)
	CreateSensor(ctx context.Context, sensor Sensor) error
	DeleteSensor(ctx context.Context, id message.SensorID) error
}

// UserRepository looks up users by ID.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, user User) error
}

// SensorLinkRepository answers whether a user was granted access to a sensor.
type SensorLinkRepository interface {
	HasLink(ctx context.Context, sensorID message.SensorID, userID string) (bool, error)
	CreateLink(ctx context.Context, link SensorLink) error
}

// APIKeyRepository looks up API keys.
type APIKeyRepository interface {
	GetAPIKey(ctx context.Context, key string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, key APIKey) error
}

// Store bundles the repositories a single backend provides.
type Store interface {
	SensorRepository
	UserRepository
	SensorLinkRepository
	APIKeyRepository
}

// CanAccess reports whether userID owns the sensor or is linked to it.
func CanAccess(ctx context.Context, links SensorLinkRepository, sensor *Sensor, userID string) (bool, error) {
	if sensor == nil || userID == "" {
		return false, nil
	}
	if sensor.Owner == userID {
		return true, nil
	}
	return links.HasLink(ctx, sensor.ID, userID)
}
