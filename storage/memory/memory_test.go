package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/storage"
	"github.com/sensate-iot/platform-network/testutil"
)

func TestStore_Sensors(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := testutil.SensorID(1)

	got, err := s.GetSensor(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got, "not found is not an error")

	require.NoError(t, s.CreateSensor(ctx, storage.Sensor{ID: id, Name: "boiler", Secret: "x", Owner: "u1"}))
	err = s.CreateSensor(ctx, storage.Sensor{ID: id})
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)

	got, err = s.GetSensor(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "boiler", got.Name)

	assert.True(t, errors.IsInvalid(s.CreateSensor(ctx, storage.Sensor{})))
}

func TestStore_DeleteSensorRemovesLinks(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := testutil.SensorID(2)

	require.NoError(t, s.CreateSensor(ctx, storage.Sensor{ID: id, Owner: "u1"}))
	require.NoError(t, s.CreateLink(ctx, storage.SensorLink{SensorID: id, UserID: "u2"}))

	ok, err := s.HasLink(ctx, id, "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteSensor(ctx, id))
	ok, err = s.HasLink(ctx, id, "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSensor(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_UsersAndKeys(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateUser(ctx, storage.User{ID: "u1", Email: "a@example.com", EmailConfirmed: true}))
	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.EmailConfirmed)

	user, err = s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, user)

	require.NoError(t, s.CreateAPIKey(ctx, storage.APIKey{Key: "k1", UserID: "u1"}))
	key, err := s.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, key.Valid())

	key, err = s.GetAPIKey(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, key.Valid())

	assert.ErrorIs(t, s.CreateUser(ctx, storage.User{}), errors.ErrNilKey)
	assert.ErrorIs(t, s.CreateAPIKey(ctx, storage.APIKey{}), errors.ErrNilKey)
}

func TestCanAccess(t *testing.T) {
	ctx := context.Background()
	s := New()
	sensor := storage.Sensor{ID: testutil.SensorID(3), Owner: "owner"}
	require.NoError(t, s.CreateSensor(ctx, sensor))
	require.NoError(t, s.CreateLink(ctx, storage.SensorLink{SensorID: sensor.ID, UserID: "friend"}))

	tests := []struct {
		user string
		want bool
	}{
		{"owner", true},
		{"friend", true},
		{"stranger", false},
		{"", false},
	}
	for _, test := range tests {
		t.Run(test.user, func(t *testing.T) {
			ok, err := storage.CanAccess(ctx, s, &sensor, test.user)
			require.NoError(t, err)
			assert.Equal(t, test.want, ok)
		})
	}

	ok, err := storage.CanAccess(ctx, s, nil, "owner")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().GetSensor(ctx, testutil.SensorID(1))
	assert.ErrorIs(t, err, context.Canceled)
}
