package message

// MeasurementBatch holds the measurements of one sensor.
type MeasurementBatch struct {
	SensorID     SensorID      `json:"sensorId"`
	Measurements []Measurement `json:"measurements"`
}

// MessageBatch holds the text messages of one sensor.
type MessageBatch struct {
	SensorID SensorID  `json:"sensorId"`
	Messages []Message `json:"messages"`
}

// ControlMessageBatch holds the control messages of one sensor.
type ControlMessageBatch struct {
	SensorID SensorID         `json:"sensorId"`
	Messages []ControlMessage `json:"messages"`
}

// GroupBySensor splits items per sensor. The returned order lists every
// sensor once, in the order it was first seen; per-sensor slices keep the
// input order.
func GroupBySensor[T Routable](items []T) ([]SensorID, map[SensorID][]T) {
	order := make([]SensorID, 0)
	groups := make(map[SensorID][]T)

	for _, item := range items {
		id := item.Sensor()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], item)
	}

	return order, groups
}

// Partition splits mixed routables by kind.
func Partition(items []Routable) (measurements []Measurement, messages []Message, controls []ControlMessage) {
	for _, item := range items {
		switch v := item.(type) {
		case Measurement:
			measurements = append(measurements, v)
		case *Measurement:
			measurements = append(measurements, *v)
		case Message:
			messages = append(messages, v)
		case *Message:
			messages = append(messages, *v)
		case ControlMessage:
			controls = append(controls, v)
		case *ControlMessage:
			controls = append(controls, *v)
		}
	}
	return measurements, messages, controls
}
