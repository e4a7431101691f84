package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/sensate-iot/platform-network/bucket"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
)

// upsertBucket appends to the oldest bucket of the hour with room for the
// whole chunk or inserts a new one. SKIP LOCKED sends a writer racing for a
// locked bucket to insert instead of waiting, so a bucket never exceeds $4.
// It yields the bucket id and the index the chunk starts at.
const upsertBucket = `
	WITH target AS (
		SELECT id, measurement_count FROM measurement_buckets
		WHERE sensor_id = $1 AND bucket_start = $2 AND measurement_count + $3 <= $4
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	), updated AS (
		UPDATE measurement_buckets b
		SET measurements = b.measurements || $5::jsonb,
			last_timestamp = $7,
			measurement_count = b.measurement_count + $3
		FROM target
		WHERE b.id = target.id
		RETURNING b.id, target.measurement_count AS start_index
	), inserted AS (
		INSERT INTO measurement_buckets
			(sensor_id, bucket_start, first_timestamp, last_timestamp, measurement_count, measurements)
		SELECT $1, $2, $6, $7, $3, $5::jsonb
		WHERE NOT EXISTS (SELECT 1 FROM updated)
		RETURNING id, 0 AS start_index
	)
	SELECT id, start_index FROM updated
	UNION ALL
	SELECT id, start_index FROM inserted`

// BucketBackend implements bucket.Backend.
type BucketBackend struct {
	db  *DB
	cap int
}

var _ bucket.Backend = (*BucketBackend)(nil)

// NewBucketBackend creates a backend whose buckets hold at most capacity
// measurements. Non-positive values use bucket.Cap.
func NewBucketBackend(db *DB, capacity int) *BucketBackend {
	if capacity <= 0 {
		capacity = bucket.Cap
	}
	return &BucketBackend{db: db, cap: capacity}
}

// BulkUpsert runs one upsert statement per chunk. Failed chunks do not stop
// the others, their errors are joined.
func (b *BucketBackend) BulkUpsert(ctx context.Context, upserts []bucket.Upsert) ([]bucket.Location, error) {
	locations := make([]bucket.Location, len(upserts))
	var errs []error
	for i, u := range upserts {
		if len(u.Measurements) == 0 {
			continue
		}
		loc, err := b.upsert(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		locations[i] = loc
	}
	return locations, stderrors.Join(errs...)
}

func (b *BucketBackend) upsert(ctx context.Context, u bucket.Upsert) (bucket.Location, error) {
	payload, err := json.Marshal(u.Measurements)
	if err != nil {
		return bucket.Location{}, errors.WrapInvalid(err, "BucketBackend", "upsert", "marshal measurements")
	}

	first := u.Measurements[0].Timestamp
	last := u.Measurements[len(u.Measurements)-1].Timestamp

	var (
		id    int64
		index int
	)
	err = b.db.GetDB().QueryRowxContext(ctx, upsertBucket,
		u.SensorID, u.Start.UTC(), len(u.Measurements), b.cap, string(payload), first, last).Scan(&id, &index)
	if err != nil {
		return bucket.Location{}, errors.WrapStorage(err, "BucketBackend", "upsert",
			fmt.Sprintf("upsert bucket %s", bucket.Key(u.SensorID, u.Start)))
	}
	return bucket.Location{BucketID: strconv.FormatInt(id, 10), Index: index}, nil
}

// DeleteBySensor removes every bucket of the given sensors.
func (b *BucketBackend) DeleteBySensor(ctx context.Context, ids []message.SensorID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM measurement_buckets WHERE sensor_id = ANY($1)`
	if _, err := b.db.GetDB().ExecContext(ctx, query, pq.Array(sensorStrings(ids))); err != nil {
		return errors.WrapStorage(err, "BucketBackend", "DeleteBySensor", "delete buckets")
	}
	return nil
}

type bucketRow struct {
	ID           int64            `db:"id"`
	SensorID     message.SensorID `db:"sensor_id"`
	Start        time.Time        `db:"bucket_start"`
	First        time.Time        `db:"first_timestamp"`
	Last         time.Time        `db:"last_timestamp"`
	Count        int              `db:"measurement_count"`
	Measurements []byte           `db:"measurements"`
}

// Buckets returns the buckets of a sensor ordered by start.
func (b *BucketBackend) Buckets(ctx context.Context, id message.SensorID) ([]bucket.Bucket, error) {
	var rows []bucketRow
	query := `
		SELECT id, sensor_id, bucket_start, first_timestamp, last_timestamp, measurement_count, measurements
		FROM measurement_buckets
		WHERE sensor_id = $1
		ORDER BY bucket_start, id`

	if err := b.db.GetDB().SelectContext(ctx, &rows, query, id); err != nil {
		return nil, errors.WrapStorage(err, "BucketBackend", "Buckets", "select buckets")
	}

	result := make([]bucket.Bucket, 0, len(rows))
	for _, row := range rows {
		bk := bucket.Bucket{
			ID:       strconv.FormatInt(row.ID, 10),
			SensorID: row.SensorID,
			Start:    row.Start.UTC(),
			First:    row.First,
			Last:     row.Last,
			Count:    row.Count,
		}
		if err := json.Unmarshal(row.Measurements, &bk.Measurements); err != nil {
			return nil, errors.WrapStorage(err, "BucketBackend", "Buckets", "decode measurements")
		}
		result = append(result, bk)
	}
	return result, nil
}

func sensorStrings(ids []message.SensorID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
