package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/bucket"
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
	fixtures "github.com/sensate-iot/platform-network/testutil"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewDB(sqlx.NewDb(conn, "postgres"), nil), mock
}

func TestConnect_RequiresDSN(t *testing.T) {
	_, err := Connect(context.Background(), config.PostgresConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestInitializeSchema(t *testing.T) {
	db, mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, db.InitializeSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeSchema_Error(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(stderrors.New("permission denied"))

	err := db.InitializeSchema(context.Background())
	assert.True(t, errors.IsStorage(err))
}

func TestStore_GetSensor(t *testing.T) {
	db, mock := newMock(t)
	store := NewStore(db)
	id := fixtures.SensorID(1)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, name, secret, owner FROM sensors").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "secret", "owner"}).AddRow(id.String(), "hall", "s3cret", "user-1"))
	sensor, err := store.GetSensor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, &storage.Sensor{ID: id, Name: "hall", Secret: "s3cret", Owner: "user-1"}, sensor)

	mock.ExpectQuery("SELECT id, name, secret, owner FROM sensors").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "secret", "owner"}))
	sensor, err = store.GetSensor(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sensor, "not found is not an error")

	mock.ExpectQuery("SELECT id, name, secret, owner FROM sensors").WillReturnError(stderrors.New("connection reset"))
	_, err = store.GetSensor(ctx, id)
	assert.True(t, errors.IsStorage(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateSensor(t *testing.T) {
	db, mock := newMock(t)
	store := NewStore(db)
	ctx := context.Background()
	sensor := storage.Sensor{ID: fixtures.SensorID(1), Name: "hall", Secret: "s3cret", Owner: "user-1"}

	mock.ExpectExec("INSERT INTO sensors").
		WithArgs(sensor.ID.String(), "hall", "s3cret", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateSensor(ctx, sensor))

	mock.ExpectExec("INSERT INTO sensors").WillReturnError(&pq.Error{Code: codeUniqueViolation, Message: "duplicate key"})
	err := store.CreateSensor(ctx, sensor)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)

	err = store.CreateSensor(ctx, storage.Sensor{})
	assert.ErrorIs(t, err, errors.ErrInvalidSensorID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UsersLinksKeys(t *testing.T) {
	db, mock := newMock(t)
	store := NewStore(db)
	ctx := context.Background()
	id := fixtures.SensorID(1)

	mock.ExpectQuery("SELECT id, email, email_confirmed, phone_number, phone_confirmed FROM users").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "email_confirmed", "phone_number", "phone_confirmed"}).
			AddRow("user-1", "a@example.com", true, "+316", false))
	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.EmailConfirmed)
	assert.False(t, user.PhoneConfirmed)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id.String(), "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	linked, err := store.HasLink(ctx, id, "user-2")
	require.NoError(t, err)
	assert.True(t, linked)

	mock.ExpectExec("INSERT INTO sensor_links").
		WillReturnError(&pq.Error{Code: codeForeignKeyViolation, Message: "sensor does not exist"})
	err = store.CreateLink(ctx, storage.SensorLink{SensorID: id, UserID: "user-2"})
	assert.True(t, errors.IsInvalid(err))

	mock.ExpectQuery("SELECT key, user_id, type, revoked FROM api_keys").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "user_id", "type", "revoked"}).AddRow("k1", "user-1", 1, false))
	key, err := store.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, storage.APIKeySystem, key.Type)
	assert.True(t, key.Valid())

	key, err = store.GetAPIKey(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, key)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBucketBackend_BulkUpsert(t *testing.T) {
	db, mock := newMock(t)
	backend := NewBucketBackend(db, 0)
	sensor := fixtures.SensorID(1)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	list := fixtures.Measurements(sensor, 2)

	mock.ExpectQuery("WITH target AS").
		WithArgs(sensor.String(), start, 2, bucket.Cap, sqlmock.AnyArg(), list[0].Timestamp, list[1].Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"id", "start_index"}).AddRow(41, 498))

	locations, err := backend.BulkUpsert(context.Background(), []bucket.Upsert{{SensorID: sensor, Start: start, Measurements: list}})
	require.NoError(t, err)
	assert.Equal(t, []bucket.Location{{BucketID: "41", Index: 498}}, locations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBucketBackend_BulkUpsertJoinsFailures(t *testing.T) {
	db, mock := newMock(t)
	backend := NewBucketBackend(db, 10)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, b := fixtures.SensorID(1), fixtures.SensorID(2)

	mock.ExpectQuery("WITH target AS").WillReturnError(stderrors.New("deadlock detected"))
	mock.ExpectQuery("WITH target AS").WillReturnRows(sqlmock.NewRows([]string{"id", "start_index"}).AddRow(7, 0))

	locations, err := backend.BulkUpsert(context.Background(), []bucket.Upsert{
		{SensorID: a, Start: start, Measurements: fixtures.Measurements(a, 1)},
		{SensorID: b, Start: start, Measurements: fixtures.Measurements(b, 1)},
		{SensorID: b, Start: start},
	})
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.Contains(t, err.Error(), a.String())
	assert.NoError(t, mock.ExpectationsWereMet(), "a failed chunk does not stop the others")
	assert.Equal(t, []bucket.Location{{}, {BucketID: "7"}, {}}, locations)
}

func TestBucketBackend_Buckets(t *testing.T) {
	db, mock := newMock(t)
	backend := NewBucketBackend(db, 0)
	sensor := fixtures.SensorID(1)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	list := fixtures.Measurements(sensor, 3)
	payload, err := json.Marshal(list)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, sensor_id, bucket_start").
		WithArgs(sensor.String()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sensor_id", "bucket_start", "first_timestamp", "last_timestamp", "measurement_count", "measurements",
		}).AddRow(12, sensor.String(), start, list[0].Timestamp, list[2].Timestamp, 3, payload))

	buckets, err := backend.Buckets(context.Background(), sensor)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "12", buckets[0].ID)
	assert.Equal(t, 3, buckets[0].Count)
	require.Len(t, buckets[0].Measurements, 3)
	assert.True(t, buckets[0].Measurements[2].Timestamp.Equal(list[2].Timestamp))

	mock.ExpectExec("DELETE FROM measurement_buckets").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, backend.DeleteBySensor(context.Background(), []message.SensorID{sensor}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
