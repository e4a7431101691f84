// Package bucket persists measurements in hour aligned, capacity bounded
// groups per sensor.
//
// Store splits each sensor's measurements into chunks of at most Cap items
// and submits one upsert per chunk, keyed by sensor and bucket start. All
// upserts of a call go to the backend as a single unordered bulk write: a
// failed upsert does not abort its siblings.
//
// Store reports where every measurement landed as a Placement: the ID of the
// bucket and the measurement's index inside it. Trigger invocations reference
// measurements through these locations.
//
//	store := bucket.NewStore(bucket.NewMemoryBackend(), bucket.WithLogger(logger))
//	store.Subscribe(bucket.NewNotifier(publisher, logger))
//	placement, err := store.Store(ctx, batches)
//	loc, ok := placement.Locate(sensor, 0)
package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/sensate-iot/platform-network/message"
)

// Cap is the maximum number of measurements in one bucket.
const Cap = 500

// Bucket is one hour of measurements for a sensor, split further when the
// hour holds more than Cap measurements.
type Bucket struct {
	ID           string                `json:"id"`
	SensorID     message.SensorID      `json:"sensorId"`
	Start        time.Time             `json:"timestamp"`
	First        time.Time             `json:"first"`
	Last         time.Time             `json:"last"`
	Count        int                   `json:"count"`
	Measurements []message.Measurement `json:"measurements"`
}

// Upsert appends Measurements to a bucket of SensorID starting at Start that
// still has room for all of them, or creates one.
type Upsert struct {
	SensorID     message.SensorID
	Start        time.Time
	Measurements []message.Measurement
}

// Location is the bucket a measurement was written to and its index there.
type Location struct {
	BucketID string `json:"bucketId"`
	Index    int    `json:"index"`
}

// Placement holds the location of every stored measurement per sensor, in
// the order the measurements were handed to Store. Measurements whose upsert
// failed have a zero Location.
type Placement map[message.SensorID][]Location

// Locate returns the location of the i-th measurement of sensor.
func (p Placement) Locate(sensor message.SensorID, i int) (Location, bool) {
	list := p[sensor]
	if i < 0 || i >= len(list) || list[i].BucketID == "" {
		return Location{}, false
	}
	return list[i], true
}

// Backend executes bulk upserts. Implementations apply every upsert
// atomically so concurrent writers to the same bucket never lose updates.
type Backend interface {
	// BulkUpsert applies all upserts without ordering guarantees. It returns
	// one Location per upsert: the bucket that received the chunk and the
	// index of its first measurement. Failed and empty upserts get a zero
	// Location; the returned error joins the failures.
	BulkUpsert(ctx context.Context, upserts []Upsert) ([]Location, error)

	// DeleteBySensor removes every bucket of the given sensors.
	DeleteBySensor(ctx context.Context, ids []message.SensorID) error

	// Buckets returns the buckets of a sensor ordered by start.
	Buckets(ctx context.Context, id message.SensorID) ([]Bucket, error)
}

// StartOf returns the hour aligned bucket start for t.
func StartOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Key names the hour of sensor starting at start in logs and errors.
func Key(sensor message.SensorID, start time.Time) string {
	return fmt.Sprintf("%s:%d", sensor, start.Unix())
}

// Chunk splits measurements into consecutive slices of at most size items.
func Chunk(measurements []message.Measurement, size int) [][]message.Measurement {
	if size <= 0 {
		size = Cap
	}
	chunks := make([][]message.Measurement, 0, (len(measurements)+size-1)/size)
	for i := 0; i < len(measurements); i += size {
		end := min(i+size, len(measurements))
		chunks = append(chunks, measurements[i:end])
	}
	return chunks
}

// Observer is notified after measurements were stored.
type Observer interface {
	MeasurementsStored(ctx context.Context, stored map[message.SensorID][]message.Measurement, placement Placement)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, stored map[message.SensorID][]message.Measurement, placement Placement)

// MeasurementsStored implements Observer.
func (f ObserverFunc) MeasurementsStored(ctx context.Context, stored map[message.SensorID][]message.Measurement,
	placement Placement) {
	f(ctx, stored, placement)
}
