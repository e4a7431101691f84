package bucket

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sensate-iot/platform-network/message"
)

// MemoryBackend keeps buckets in process.
type MemoryBackend struct {
	mu      sync.Mutex
	cap     int
	buckets map[message.SensorID][]*Bucket
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend with the default bucket cap.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		cap:     Cap,
		buckets: make(map[message.SensorID][]*Bucket),
	}
}

// BulkUpsert applies every upsert under the backend lock. Bucket IDs are
// the sensor, the bucket start and the ordinal of the bucket within its hour.
func (b *MemoryBackend) BulkUpsert(ctx context.Context, upserts []Upsert) ([]Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	locations := make([]Location, len(upserts))
	for i, u := range upserts {
		if len(u.Measurements) == 0 {
			continue
		}
		locations[i] = b.apply(u)
	}
	return locations, nil
}

func (b *MemoryBackend) apply(u Upsert) Location {
	start := u.Start.UTC()
	last := u.Measurements[len(u.Measurements)-1].Timestamp

	ordinal := 0
	for _, bucket := range b.buckets[u.SensorID] {
		if !bucket.Start.Equal(start) {
			continue
		}
		ordinal++
		if bucket.Count+len(u.Measurements) > b.cap {
			continue
		}
		loc := Location{BucketID: bucket.ID, Index: bucket.Count}
		bucket.Measurements = append(bucket.Measurements, u.Measurements...)
		bucket.Last = last
		bucket.Count += len(u.Measurements)
		return loc
	}

	id := fmt.Sprintf("%s:%d", Key(u.SensorID, start), ordinal)
	b.buckets[u.SensorID] = append(b.buckets[u.SensorID], &Bucket{
		ID:           id,
		SensorID:     u.SensorID,
		Start:        start,
		First:        u.Measurements[0].Timestamp,
		Last:         last,
		Count:        len(u.Measurements),
		Measurements: slices.Clone(u.Measurements),
	})
	return Location{BucketID: id}
}

// DeleteBySensor removes every bucket of the given sensors.
func (b *MemoryBackend) DeleteBySensor(ctx context.Context, ids []message.SensorID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.buckets, id)
	}
	return nil
}

// Buckets returns copies of the buckets of a sensor in creation order.
func (b *MemoryBackend) Buckets(ctx context.Context, id message.SensorID) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]Bucket, 0, len(b.buckets[id]))
	for _, bucket := range b.buckets[id] {
		copied := *bucket
		copied.Measurements = slices.Clone(bucket.Measurements)
		result = append(result, copied)
	}
	return result, nil
}
