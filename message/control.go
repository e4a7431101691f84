package message

import (
	"time"
)

// Destination selects where a control message is delivered.
type Destination int

// Control message destinations
const (
	DestinationMQTT Destination = iota
	DestinationLiveData
)

// ControlMessage is a command sent to an actuator.
type ControlMessage struct {
	SensorID    SensorID    `json:"sensorId"`
	Data        string      `json:"data"`
	Destination Destination `json:"destination"`
	Timestamp   time.Time   `json:"timestamp"`
	Secret      string      `json:"-"`
}

// Sensor implements Routable.
func (m ControlMessage) Sensor() SensorID { return m.SensorID }

// Kind implements Routable.
func (m ControlMessage) Kind() Kind { return KindControl }

// ControlMessageWire is the transport form of a ControlMessage.
type ControlMessageWire struct {
	SensorID    string `json:"sensorID"`
	Data        string `json:"data"`
	Destination int    `json:"destination"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Secret      string `json:"secret,omitempty"`
}

// ToWire converts the message to its transport form. The timestamp keeps
// second precision.
func (m ControlMessage) ToWire() ControlMessageWire {
	wire := ControlMessageWire{
		SensorID:    m.SensorID.String(),
		Data:        m.Data,
		Destination: int(m.Destination),
		Secret:      m.Secret,
	}
	if !m.Timestamp.IsZero() {
		wire.Timestamp = m.Timestamp.Unix()
	}
	return wire
}

// ToControlMessage converts the transport form back. A missing timestamp is
// replaced with the current time.
func (w ControlMessageWire) ToControlMessage() (ControlMessage, error) {
	id, err := ParseSensorID(w.SensorID)
	if err != nil {
		return ControlMessage{}, err
	}

	ts := time.Now().UTC()
	if w.Timestamp != 0 {
		ts = time.Unix(w.Timestamp, 0).UTC()
	}

	return ControlMessage{
		SensorID:    id,
		Data:        w.Data,
		Destination: Destination(w.Destination),
		Timestamp:   ts,
		Secret:      w.Secret,
	}, nil
}
