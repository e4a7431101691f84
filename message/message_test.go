package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/errors"
)

const testSensor = "5c7c3bbd80e8ae3154d04912"

func TestParseSensorID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"valid lowercase", testSensor, true},
		{"valid uppercase", "5C7C3BBD80E8AE3154D04912", true},
		{"too short", "5c7c3bbd80e8ae3154d0491", false},
		{"too long", testSensor + "0", false},
		{"not hex", "zc7c3bbd80e8ae3154d04912", false},
		{"empty", "", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id, err := ParseSensorID(test.input)
			if !test.valid {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidSensorID)
				assert.True(t, errors.IsInvalid(err))
				assert.True(t, id.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testSensor, id.String())
		})
	}
}

func TestSensorID_JSONMapKey(t *testing.T) {
	id := MustParseSensorID(testSensor)
	data, err := json.Marshal(map[SensorID]int{id: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"5c7c3bbd80e8ae3154d04912":3}`, string(data))

	var back map[SensorID]int
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 3, back[id])

	var bad SensorID
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &bad))
}

func TestControlMessage_WireRoundTrip(t *testing.T) {
	original := ControlMessage{
		SensorID:    MustParseSensorID(testSensor),
		Data:        `{"relay":"on"}`,
		Destination: DestinationLiveData,
		Timestamp:   time.Date(2024, 5, 1, 10, 30, 15, 987654321, time.UTC),
		Secret:      "s3cret",
	}

	data, err := json.Marshal(original.ToWire())
	require.NoError(t, err)

	var wire ControlMessageWire
	require.NoError(t, json.Unmarshal(data, &wire))
	back, err := wire.ToControlMessage()
	require.NoError(t, err)

	assert.Equal(t, original.SensorID, back.SensorID)
	assert.Equal(t, original.Data, back.Data)
	assert.Equal(t, original.Destination, back.Destination)
	assert.True(t, original.Timestamp.Truncate(time.Second).Equal(back.Timestamp))
}

func TestControlMessageWire_MissingTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	msg, err := ControlMessageWire{SensorID: testSensor, Data: "x"}.ToControlMessage()
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.After(before))

	_, err = ControlMessageWire{SensorID: "bad"}.ToControlMessage()
	assert.True(t, errors.IsInvalid(err))
}

func TestGroupBySensor(t *testing.T) {
	a := MustParseSensorID("aaaaaaaaaaaaaaaaaaaaaaaa")
	b := MustParseSensorID("bbbbbbbbbbbbbbbbbbbbbbbb")

	items := []Measurement{
		{SensorID: b, Data: map[string]DataPoint{"x": {Value: decimal.NewFromInt(1)}}},
		{SensorID: a, Data: map[string]DataPoint{"x": {Value: decimal.NewFromInt(2)}}},
		{SensorID: b, Data: map[string]DataPoint{"x": {Value: decimal.NewFromInt(3)}}},
	}

	order, groups := GroupBySensor(items)
	assert.Equal(t, []SensorID{b, a}, order)
	require.Len(t, groups[b], 2)
	assert.True(t, groups[b][1].Data["x"].Value.Equal(decimal.NewFromInt(3)))
	assert.Len(t, groups[a], 1)
}

func TestPartition(t *testing.T) {
	id := MustParseSensorID(testSensor)
	items := []Routable{
		Measurement{SensorID: id},
		Message{SensorID: id},
		&ControlMessage{SensorID: id},
		Message{SensorID: id},
	}

	measurements, messages, controls := Partition(items)
	assert.Len(t, measurements, 1)
	assert.Len(t, messages, 2)
	assert.Len(t, controls, 1)
}

func TestKind(t *testing.T) {
	for _, k := range []Kind{KindMeasurement, KindMessage, KindControl} {
		parsed, ok := ParseKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("unknown")
	assert.False(t, ok)
}

func TestSensorID_SQL(t *testing.T) {
	id := MustParseSensorID("5c7c3bbd80e8ae3154d04912")

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, "5c7c3bbd80e8ae3154d04912", v)

	var scanned SensorID
	require.NoError(t, scanned.Scan([]byte("5c7c3bbd80e8ae3154d04912")))
	assert.Equal(t, id, scanned)

	require.NoError(t, scanned.Scan("5c7c3bbd80e8ae3154d04913"))
	assert.NotEqual(t, id, scanned)

	assert.Error(t, scanned.Scan(42))
	assert.Error(t, scanned.Scan("short"))
}
