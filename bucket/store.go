package bucket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
)

// Store groups measurements into buckets and notifies observers.
type Store struct {
	backend Backend
	cap     int
	now     func() time.Time
	logger  *slog.Logger
	metrics *storeMetrics

	observersMu sync.RWMutex
	observers   []Observer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the clock used to compute bucket starts.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCap overrides the bucket cap. Non-positive values keep Cap.
func WithCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cap = n
		}
	}
}

// WithMetrics registers store metrics. Registration failures are logged and
// leave the store without metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Store) {
		if registry == nil {
			return
		}
		m, err := newStoreMetrics(registry)
		if err != nil {
			s.logger.Warn("Failed to register bucket store metrics", "error", err)
			return
		}
		s.metrics = m
	}
}

// NewStore creates a store on top of backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		cap:     Cap,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "bucket-store")
	return s
}

// Subscribe registers an observer that is called after every successful Store.
func (s *Store) Subscribe(o Observer) {
	s.observersMu.Lock()
	s.observers = append(s.observers, o)
	s.observersMu.Unlock()
}

// Store persists the measurements of every sensor in the bucket of the
// current hour and returns where each measurement landed. Cancellation is
// only checked before submission: once the bulk write is issued it either
// reaches the backend as a whole or not at all.
//
// On a partial failure the placement still holds the locations of the
// chunks that were written; the others are left zero.
func (s *Store) Store(ctx context.Context, measurements map[message.SensorID][]message.Measurement) (Placement, error) {
	start := StartOf(s.now())

	var upserts []Upsert
	total := 0
	for sensor, list := range measurements {
		for _, chunk := range Chunk(list, s.cap) {
			upserts = append(upserts, Upsert{SensorID: sensor, Start: start, Measurements: chunk})
		}
		total += len(list)
	}
	if len(upserts) == 0 {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WrapStorage(err, "BucketStore", "Store", "submit bulk write")
	}

	began := time.Now()
	locations, err := s.backend.BulkUpsert(context.WithoutCancel(ctx), upserts)
	if s.metrics != nil {
		s.metrics.duration.Observe(time.Since(began).Seconds())
	}
	placement := place(upserts, locations)

	if err != nil {
		if s.metrics != nil {
			s.metrics.failures.Inc()
		}
		s.logger.Warn("Unable to store measurements", "upserts", len(upserts), "measurements", total, "error", err)
		return placement, errors.WrapStorage(err, "BucketStore", "Store", "bulk upsert measurements")
	}

	if s.metrics != nil {
		s.metrics.stored.Add(float64(total))
	}
	s.logger.Debug("Measurements stored", "measurements", total, "upserts", len(upserts))

	s.notify(ctx, measurements, placement)
	return placement, nil
}

// place expands the per upsert locations into one location per measurement.
// Upserts of a sensor are in measurement order, so appending keeps the
// placement aligned with the input slices.
func place(upserts []Upsert, locations []Location) Placement {
	placement := make(Placement)
	for i, u := range upserts {
		var loc Location
		if i < len(locations) {
			loc = locations[i]
		}
		for j := range u.Measurements {
			if loc.BucketID == "" {
				placement[u.SensorID] = append(placement[u.SensorID], Location{})
				continue
			}
			placement[u.SensorID] = append(placement[u.SensorID],
				Location{BucketID: loc.BucketID, Index: loc.Index + j})
		}
	}
	return placement
}

func (s *Store) notify(ctx context.Context, stored map[message.SensorID][]message.Measurement, placement Placement) {
	s.observersMu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.observersMu.RUnlock()

	for _, o := range observers {
		o.MeasurementsStored(ctx, stored, placement)
	}
}

// DeleteBySensorID removes all buckets of the given sensors.
func (s *Store) DeleteBySensorID(ctx context.Context, ids ...message.SensorID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.backend.DeleteBySensor(ctx, ids); err != nil {
		return errors.WrapStorage(err, "BucketStore", "DeleteBySensorID", "delete buckets")
	}
	return nil
}

// Buckets returns the stored buckets of a sensor.
func (s *Store) Buckets(ctx context.Context, id message.SensorID) ([]Bucket, error) {
	buckets, err := s.backend.Buckets(ctx, id)
	if err != nil {
		return nil, errors.WrapStorage(err, "BucketStore", "Buckets", "load buckets")
	}
	return buckets, nil
}

type storeMetrics struct {
	stored   prometheus.Counter
	failures prometheus.Counter
	duration prometheus.Histogram
}

func newStoreMetrics(registry *metric.MetricsRegistry) (*storeMetrics, error) {
	m := &storeMetrics{
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bucket",
			Name:      "measurements_stored_total",
			Help:      "Total number of measurements written to buckets",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bucket",
			Name:      "write_failures_total",
			Help:      "Total number of bulk writes that failed",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "bucket",
			Name:      "write_duration_seconds",
			Help:      "Duration of bulk bucket writes",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if err := registry.RegisterCounter("bucket_store", "measurements_stored", m.stored); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("bucket_store", "write_failures", m.failures); err != nil {
		registry.Unregister("bucket_store", "measurements_stored")
		return nil, err
	}
	if err := registry.RegisterHistogram("bucket_store", "write_duration", m.duration); err != nil {
		registry.Unregister("bucket_store", "measurements_stored")
		registry.Unregister("bucket_store", "write_failures")
		return nil, err
	}
	return m, nil
}
