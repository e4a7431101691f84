// Package message defines the telemetry model routed through the network
// platform: sensor identifiers, measurements, text messages and control
// messages, together with the per-sensor batches the ingress pipeline hands
// to storage, trigger evaluation and live data forwarding.
//
// # Sensor identifiers
//
// A SensorID is a 12 byte identifier whose canonical text form is exactly 24
// hexadecimal characters:
//
//	id, err := message.ParseSensorID("5c7c3bbd80e8ae3154d04912")
//	if err != nil {
//	    // errors.IsInvalid(err) == true
//	}
//
// SensorID implements encoding.TextMarshaler so it can be used as a JSON
// value and as a JSON object key.
//
// # Routing
//
// Measurement, Message and ControlMessage implement Routable. GroupBySensor
// splits a mixed slice of routables into per-sensor slices while keeping the
// order in which sensors were first seen.
//
// # Wire format
//
// Control messages cross process boundaries as ControlMessageWire, a JSON
// document with the timestamp truncated to unix seconds:
//
//	wire := msg.ToWire()
//	back, err := wire.ToControlMessage()
package message
