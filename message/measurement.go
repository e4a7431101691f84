package message

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the three kinds of routed telemetry.
type Kind int

// Routed kinds
const (
	KindMeasurement Kind = iota
	KindMessage
	KindControl
)

// String returns the plural form used in bus subjects and live data paths.
func (k Kind) String() string {
	switch k {
	case KindMeasurement:
		return "measurements"
	case KindMessage:
		return "messages"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "measurements":
		return KindMeasurement, true
	case "messages":
		return KindMessage, true
	case "control":
		return KindControl, true
	default:
		return 0, false
	}
}

// Routable is implemented by every item accepted by the ingress queue.
type Routable interface {
	Sensor() SensorID
	Kind() Kind
}

// DataPoint is a single named value inside a measurement.
type DataPoint struct {
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit,omitempty"`
	Precision *float64        `json:"precision,omitempty"`
	Accuracy  *float64        `json:"accuracy,omitempty"`
}

// Location is a WGS84 coordinate.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Measurement is a set of data points produced by a sensor at one instant.
type Measurement struct {
	SensorID     SensorID             `json:"sensorId"`
	Timestamp    time.Time            `json:"timestamp"`
	PlatformTime time.Time            `json:"platformTime"`
	Location     *Location            `json:"location,omitempty"`
	Data         map[string]DataPoint `json:"data"`
}

// Sensor implements Routable.
func (m Measurement) Sensor() SensorID { return m.SensorID }

// Kind implements Routable.
func (m Measurement) Kind() Kind { return KindMeasurement }

// Message is a free form text message produced by a sensor.
type Message struct {
	SensorID     SensorID  `json:"sensorId"`
	Timestamp    time.Time `json:"timestamp"`
	PlatformTime time.Time `json:"platformTime"`
	Location     *Location `json:"location,omitempty"`
	Data         string    `json:"data"`
}

// Sensor implements Routable.
func (m Message) Sensor() SensorID { return m.SensorID }

// Kind implements Routable.
func (m Message) Kind() Kind { return KindMessage }
