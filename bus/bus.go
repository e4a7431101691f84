package bus

import (
	"context"
	"fmt"

	"github.com/sensate-iot/platform-network/message"
)

// Platform subjects
const (
	SubjectBulkMeasurements = "sensate.ingress.measurements.bulk"
	SubjectStored           = "sensate.ingress.measurements.stored"
	SubjectBulkMessages     = "sensate.ingress.messages.bulk"
	SubjectControlMessages  = "sensate.ingress.control"
	SubjectTriggerEvents    = "sensate.trigger.events"
	SubjectRouterCommands   = "sensate.router.commands"
	SubjectEmail            = "sensate.notify.email"
	SubjectSMS              = "sensate.notify.sms"
)

// Publisher publishes raw payloads on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber registers a handler for a subject.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Client publishes and subscribes.
type Client interface {
	Publisher
	Subscriber
}

// LiveSubject is the subject on which a live data instance receives batches
// of the given kind.
func LiveSubject(target string, kind message.Kind) string {
	return fmt.Sprintf("sensate.live.%s.%s", target, kind)
}

// TriggerSubject is the sensor scoped subject MQTT trigger actions publish to.
func TriggerSubject(sensor message.SensorID) string {
	return "sensate.trigger." + sensor.String()
}

// ActuatorSubject is the subject control messages for a sensor are published to.
func ActuatorSubject(sensor message.SensorID) string {
	return "sensate.actuators." + sensor.String()
}
