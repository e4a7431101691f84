// Package memory provides an in-process storage.Store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

// Store keeps every repository in maps guarded by one RWMutex.
type Store struct {
	mu      sync.RWMutex
	sensors map[message.SensorID]storage.Sensor
	users   map[string]storage.User
	links   map[storage.SensorLink]struct{}
	keys    map[string]storage.APIKey
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sensors: make(map[message.SensorID]storage.Sensor),
		users:   make(map[string]storage.User),
		links:   make(map[storage.SensorLink]struct{}),
		keys:    make(map[string]storage.APIKey),
	}
}

// GetSensor returns the sensor or nil when it does not exist.
func (s *Store) GetSensor(ctx context.Context, id message.SensorID) (*storage.Sensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sensor, ok := s.sensors[id]
	if !ok {
		return nil, nil
	}
	return &sensor, nil
}

// CreateSensor stores a new sensor.
func (s *Store) CreateSensor(ctx context.Context, sensor storage.Sensor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sensor.ID.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidSensorID, "MemoryStore", "CreateSensor", "check sensor ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sensors[sensor.ID]; ok {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "MemoryStore", "CreateSensor",
			fmt.Sprintf("insert sensor %s", sensor.ID))
	}
	s.sensors[sensor.ID] = sensor
	return nil
}

// DeleteSensor removes a sensor and its links.
func (s *Store) DeleteSensor(ctx context.Context, id message.SensorID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sensors, id)
	for link := range s.links {
		if link.SensorID == id {
			delete(s.links, link)
		}
	}
	return nil
}

// GetUser returns the user or nil when it does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// CreateUser stores or replaces a user.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if user.ID == "" {
		return errors.WrapInvalid(errors.ErrNilKey, "MemoryStore", "CreateUser", "check user ID")
	}
	s.mu.Lock()
	s.users[user.ID] = user
	s.mu.Unlock()
	return nil
}

// HasLink reports whether the link exists.
func (s *Store) HasLink(ctx context.Context, sensorID message.SensorID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.links[storage.SensorLink{SensorID: sensorID, UserID: userID}]
	return ok, nil
}

// CreateLink stores a link. Creating an existing link is a no-op.
func (s *Store) CreateLink(ctx context.Context, link storage.SensorLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.links[link] = struct{}{}
	s.mu.Unlock()
	return nil
}

// GetAPIKey returns the key or nil when it does not exist.
func (s *Store) GetAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

// CreateAPIKey stores or replaces an API key.
func (s *Store) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key.Key == "" {
		return errors.WrapInvalid(errors.ErrNilKey, "MemoryStore", "CreateAPIKey", "check key")
	}
	s.mu.Lock()
	s.keys[key.Key] = key
	s.mu.Unlock()
	return nil
}
