package livedata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sensate-iot/platform-network/message"
	fixtures "github.com/sensate-iot/platform-network/testutil"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, b := &Client{}, &Client{}
	s1, s2 := fixtures.SensorID(1), fixtures.SensorID(2)

	assert.True(t, r.Add(message.KindMeasurement, s1, a))
	assert.False(t, r.Add(message.KindMeasurement, s1, b))
	assert.True(t, r.Add(message.KindMeasurement, s2, a))
	assert.False(t, r.Add(message.KindMessage, s2, b), "s2 already has a subscriber in another pool")

	assert.ElementsMatch(t, []*Client{a, b}, r.Subscribers(message.KindMeasurement, s1))
	assert.Empty(t, r.Subscribers(message.KindControl, s1))
	assert.Equal(t, []message.SensorID{s1, s2}, r.Sensors())
	assert.Equal(t, 2, r.Len(message.KindMeasurement))

	r.Remove(message.KindMeasurement, s1, b)
	assert.Equal(t, []*Client{a}, r.Subscribers(message.KindMeasurement, s1))

	r.RemoveAll(a, []message.SensorID{s1, s2})
	assert.Empty(t, r.Subscribers(message.KindMeasurement, s1))
	assert.Equal(t, 0, r.Len(message.KindMeasurement))
	assert.Equal(t, []message.SensorID{s2}, r.Sensors(), "b still listens for messages")
}

func TestRegistry_SubscribersIsASnapshot(t *testing.T) {
	r := NewRegistry()
	a := &Client{}
	sensor := fixtures.SensorID(1)
	r.Add(message.KindMeasurement, sensor, a)

	snapshot := r.Subscribers(message.KindMeasurement, sensor)
	r.Remove(message.KindMeasurement, sensor, a)
	assert.Len(t, snapshot, 1)
}
