package testutil

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sensate-iot/platform-network/message"
)

// SensorID returns a deterministic sensor ID for index n.
func SensorID(n int) message.SensorID {
	return message.MustParseSensorID(fmt.Sprintf("5c7c3bbd80e8ae31%08x", n))
}

// BaseTime is the reference instant used by fixtures.
var BaseTime = time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC)

// Measurement builds a single data point measurement for sensor.
func Measurement(sensor message.SensorID, key string, value float64, ts time.Time) message.Measurement {
	return message.Measurement{
		SensorID:     sensor,
		Timestamp:    ts,
		PlatformTime: ts,
		Data: map[string]message.DataPoint{
			key: {Value: decimal.NewFromFloat(value), Unit: "C"},
		},
	}
}

// Measurements builds n measurements one second apart starting at BaseTime.
func Measurements(sensor message.SensorID, n int) []message.Measurement {
	result := make([]message.Measurement, n)
	for i := range result {
		result[i] = Measurement(sensor, "temperature", float64(i), BaseTime.Add(time.Duration(i)*time.Second))
	}
	return result
}

// Message builds a text message for sensor.
func Message(sensor message.SensorID, text string) message.Message {
	return message.Message{
		SensorID:     sensor,
		Timestamp:    BaseTime,
		PlatformTime: BaseTime,
		Data:         text,
	}
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}
