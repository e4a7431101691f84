package trigger

import (
	"context"
	"log/slog"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

// BucketDeleter removes the measurement buckets of sensors.
type BucketDeleter interface {
	DeleteBySensorID(ctx context.Context, ids ...message.SensorID) error
}

// SensorCascade deletes a sensor together with the data that references it:
// its triggers with their actions and invocations, and its measurement
// buckets.
type SensorCascade struct {
	sensors  storage.SensorRepository
	triggers Repository
	buckets  BucketDeleter
	logger   *slog.Logger
}

// NewSensorCascade creates a cascade. sensors is expected to drop cached
// sensors on delete, like cached.Store does.
func NewSensorCascade(sensors storage.SensorRepository, triggers Repository, buckets BucketDeleter,
	logger *slog.Logger) *SensorCascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &SensorCascade{
		sensors:  sensors,
		triggers: triggers,
		buckets:  buckets,
		logger:   logger.With("component", "sensor-cascade"),
	}
}

// DeleteSensor removes the dependent data first and the sensor last, so a
// failed call leaves the sensor in place and can be repeated.
func (c *SensorCascade) DeleteSensor(ctx context.Context, id message.SensorID) error {
	if id.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidSensorID, "SensorCascade", "DeleteSensor", "check sensor ID")
	}
	if err := c.triggers.DeleteBySensor(ctx, []message.SensorID{id}); err != nil {
		return errors.WrapStorage(err, "SensorCascade", "DeleteSensor", "delete triggers")
	}
	if err := c.buckets.DeleteBySensorID(ctx, id); err != nil {
		return errors.WrapStorage(err, "SensorCascade", "DeleteSensor", "delete buckets")
	}
	if err := c.sensors.DeleteSensor(ctx, id); err != nil {
		return errors.WrapStorage(err, "SensorCascade", "DeleteSensor", "delete sensor")
	}
	c.logger.Info("Sensor deleted", "sensor", id.String())
	return nil
}
