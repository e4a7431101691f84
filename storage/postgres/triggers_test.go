package postgres

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	fixtures "github.com/sensate-iot/platform-network/testutil"
	"github.com/sensate-iot/platform-network/trigger"
)

var (
	triggerRowColumns = []string{"id", "sensor_id", "key", "lower_edge", "upper_edge", "pattern", "type"}
	actionRowColumns  = []string{"id", "trigger_id", "channel", "target", "message", "last_invocation"}
)

func TestTriggerRepository_GetBySensor(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)
	sensor := fixtures.SensorID(1)
	last := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, sensor_id, key, lower_edge, upper_edge, pattern, type FROM triggers").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(triggerRowColumns).
			AddRow(1, sensor.String(), "temperature", "10.5", nil, "", int64(trigger.TypeNumber)).
			AddRow(2, sensor.String(), trigger.TextKey, nil, nil, "alarm", int64(trigger.TypeRegex)))
	mock.ExpectQuery("SELECT id, trigger_id, channel, target, message, last_invocation FROM trigger_actions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(actionRowColumns).
			AddRow(10, 1, int64(trigger.ChannelMQTT), "", "$value", last).
			AddRow(11, 1, int64(trigger.ChannelEmail), "", "hot", nil).
			AddRow(12, 2, int64(trigger.ChannelSMS), "+316", "alarm", nil))

	triggers, err := repo.GetBySensor(context.Background(), []message.SensorID{sensor})
	require.NoError(t, err)
	require.Len(t, triggers, 2)

	number := triggers[0]
	require.NotNil(t, number.LowerEdge)
	assert.True(t, number.LowerEdge.Equal(decimal.RequireFromString("10.5")))
	assert.Nil(t, number.UpperEdge)
	require.Len(t, number.Actions, 2)
	require.NotNil(t, number.Actions[0].LastInvocation)
	assert.True(t, number.Actions[0].LastInvocation.Equal(last))
	assert.Nil(t, number.Actions[1].LastInvocation)

	regex := triggers[1]
	assert.Equal(t, trigger.TypeRegex, regex.Type)
	assert.Equal(t, "alarm", regex.Pattern)
	require.Len(t, regex.Actions, 1)
	assert.Equal(t, trigger.ChannelSMS, regex.Actions[0].Channel)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_GetTriggerNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)

	mock.ExpectQuery("FROM triggers WHERE id").WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows(triggerRowColumns))
	got, err := repo.GetTrigger(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_CreateTrigger(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)
	sensor := fixtures.SensorID(1)
	lower := decimal.NewFromInt(10)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO triggers").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("INSERT INTO trigger_actions").
		WithArgs(int64(7), int64(trigger.ChannelMQTT), "", "$value", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(70))
	mock.ExpectCommit()

	trig := &trigger.Trigger{
		SensorID: sensor, Type: trigger.TypeNumber, Key: "temperature", LowerEdge: &lower,
		Actions: []trigger.Action{{Channel: trigger.ChannelMQTT, Message: "$value"}},
	}
	require.NoError(t, repo.CreateTrigger(context.Background(), trig))
	assert.Equal(t, int64(7), trig.ID)
	assert.Equal(t, int64(70), trig.Actions[0].ID)
	assert.Equal(t, int64(7), trig.Actions[0].TriggerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_CreateTriggerRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO triggers").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("INSERT INTO trigger_actions").WillReturnError(&pq.Error{Code: codeUniqueViolation})
	mock.ExpectRollback()

	trig := &trigger.Trigger{
		SensorID: fixtures.SensorID(1), Type: trigger.TypeRegex, Key: trigger.TextKey, Pattern: "x",
		Actions: []trigger.Action{{Channel: trigger.ChannelSMS, Target: "+316", Message: "x"}, {Channel: trigger.ChannelSMS, Target: "+317", Message: "y"}},
	}
	err := repo.CreateTrigger(context.Background(), trig)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_AddAction(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)

	mock.ExpectQuery("INSERT INTO trigger_actions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	a := &trigger.Action{TriggerID: 1, Channel: trigger.ChannelHTTPWebhook, Target: "https://example.com", Message: "x"}
	require.NoError(t, repo.AddAction(context.Background(), a))
	assert.Equal(t, int64(5), a.ID)

	mock.ExpectQuery("INSERT INTO trigger_actions").WillReturnError(&pq.Error{Code: codeForeignKeyViolation})
	err := repo.AddAction(context.Background(), &trigger.Action{TriggerID: 99, Message: "x"})
	assert.True(t, errors.IsInvalid(err))

	mock.ExpectQuery("INSERT INTO trigger_actions").WillReturnError(stderrors.New("broken pipe"))
	err = repo.AddAction(context.Background(), &trigger.Action{TriggerID: 1, Message: "x"})
	assert.True(t, errors.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_AddInvocations(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	ts := time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trigger_invocations").
		WithArgs(int64(1), "b:1", 0, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE trigger_actions SET last_invocation").
		WithArgs(at, int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO trigger_invocations").
		WithArgs(int64(1), "b:1", 1, ts).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.AddInvocations(context.Background(), []trigger.Invocation{
		{TriggerID: 1, BucketID: "b:1", Index: 0, Timestamp: ts, AttemptedAt: at,
			Attempted: []trigger.ChannelType{trigger.ChannelMQTT, trigger.ChannelEmail}},
		{TriggerID: 1, BucketID: "b:1", Index: 1, Timestamp: ts, AttemptedAt: at},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, repo.AddInvocations(context.Background(), nil))
}

func TestTriggerRepository_AddInvocationsRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trigger_invocations").WillReturnError(stderrors.New("disk full"))
	mock.ExpectRollback()

	err := repo.AddInvocations(context.Background(), []trigger.Invocation{{TriggerID: 1, BucketID: "b:1"}})
	assert.True(t, errors.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_Deletes(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTriggerRepository(db)

	mock.ExpectExec("DELETE FROM triggers WHERE id").WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM triggers WHERE sensor_id").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.DeleteTrigger(context.Background(), 3))
	require.NoError(t, repo.DeleteBySensor(context.Background(), []message.SensorID{fixtures.SensorID(1)}))
	require.NoError(t, repo.DeleteBySensor(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
