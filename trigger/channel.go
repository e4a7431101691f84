package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

// Dispatch is the context of one action execution.
type Dispatch struct {
	Trigger *Trigger
	Action  Action
	Sensor  *storage.Sensor
	Owner   *storage.User
}

// Channel delivers rendered action messages.
type Channel interface {
	Type() ChannelType
	Execute(ctx context.Context, d Dispatch, rendered string) error
}

// MQTTChannel publishes on the sensor scoped trigger subject.
type MQTTChannel struct {
	publisher bus.Publisher
}

// NewMQTTChannel creates an MQTT channel.
func NewMQTTChannel(publisher bus.Publisher) *MQTTChannel {
	return &MQTTChannel{publisher: publisher}
}

// Type implements Channel.
func (c *MQTTChannel) Type() ChannelType { return ChannelMQTT }

// Execute implements Channel.
func (c *MQTTChannel) Execute(ctx context.Context, d Dispatch, rendered string) error {
	subject := bus.TriggerSubject(d.Trigger.SensorID)
	if err := c.publisher.Publish(ctx, subject, []byte(rendered)); err != nil {
		return errors.WrapDispatch(err, "MQTTChannel", "Execute", "publish on "+subject)
	}
	return nil
}

// Notification is the payload of email and SMS requests on the bus.
type Notification struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Notifier sends emails and text messages.
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	SendSMS(ctx context.Context, to, body string) error
}

// BusNotifier hands notifications to the mail and SMS senders over the bus.
type BusNotifier struct {
	publisher bus.Publisher
}

// NewBusNotifier creates a bus backed notifier.
func NewBusNotifier(publisher bus.Publisher) *BusNotifier {
	return &BusNotifier{publisher: publisher}
}

// SendEmail publishes on bus.SubjectEmail.
func (n *BusNotifier) SendEmail(ctx context.Context, to, subject, body string) error {
	return n.send(ctx, bus.SubjectEmail, Notification{To: to, Subject: subject, Body: body})
}

// SendSMS publishes on bus.SubjectSMS.
func (n *BusNotifier) SendSMS(ctx context.Context, to, body string) error {
	return n.send(ctx, bus.SubjectSMS, Notification{To: to, Body: body})
}

func (n *BusNotifier) send(ctx context.Context, subject string, notification Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return errors.WrapInvalid(err, "BusNotifier", "send", "marshal notification")
	}
	return n.publisher.Publish(ctx, subject, data)
}

// EmailSubject is the subject line of trigger emails.
const EmailSubject = "Sensate trigger triggered"

// EmailChannel mails the owner when the owner's email address is confirmed.
type EmailChannel struct {
	notifier Notifier
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(notifier Notifier) *EmailChannel {
	return &EmailChannel{notifier: notifier}
}

// Type implements Channel.
func (c *EmailChannel) Type() ChannelType { return ChannelEmail }

// Execute implements Channel. The action target overrides the owner address.
func (c *EmailChannel) Execute(ctx context.Context, d Dispatch, rendered string) error {
	if d.Owner == nil || !d.Owner.EmailConfirmed {
		return errors.WrapUnauthorized(errors.ErrNotConfirmed, "EmailChannel", "Execute", "check owner email")
	}
	to := d.Action.Target
	if to == "" {
		to = d.Owner.Email
	}
	if err := c.notifier.SendEmail(ctx, to, EmailSubject, rendered); err != nil {
		return errors.WrapDispatch(err, "EmailChannel", "Execute", "send email")
	}
	return nil
}

// SMSChannel texts the owner when the owner's phone number is confirmed.
type SMSChannel struct {
	notifier Notifier
}

// NewSMSChannel creates an SMS channel.
func NewSMSChannel(notifier Notifier) *SMSChannel {
	return &SMSChannel{notifier: notifier}
}

// Type implements Channel.
func (c *SMSChannel) Type() ChannelType { return ChannelSMS }

// Execute implements Channel. The action target overrides the owner number.
func (c *SMSChannel) Execute(ctx context.Context, d Dispatch, rendered string) error {
	if d.Owner == nil || !d.Owner.PhoneConfirmed {
		return errors.WrapUnauthorized(errors.ErrNotConfirmed, "SMSChannel", "Execute", "check owner phone")
	}
	to := d.Action.Target
	if to == "" {
		to = d.Owner.PhoneNumber
	}
	if err := c.notifier.SendSMS(ctx, to, rendered); err != nil {
		return errors.WrapDispatch(err, "SMSChannel", "Execute", "send SMS")
	}
	return nil
}

// ControlChannel sends the rendered message as a control message to the
// actuator named by the action target.
type ControlChannel struct {
	publisher bus.Publisher
	sensors   storage.SensorRepository
	links     storage.SensorLinkRepository
	now       func() time.Time
}

// NewControlChannel creates a control message channel.
func NewControlChannel(publisher bus.Publisher, sensors storage.SensorRepository,
	links storage.SensorLinkRepository) *ControlChannel {
	return &ControlChannel{publisher: publisher, sensors: sensors, links: links, now: time.Now}
}

// Type implements Channel.
func (c *ControlChannel) Type() ChannelType { return ChannelControlMessage }

// Execute implements Channel. The trigger owner must own or be linked to the
// target actuator.
func (c *ControlChannel) Execute(ctx context.Context, d Dispatch, rendered string) error {
	if d.Sensor == nil {
		return errors.WrapUnauthorized(errors.ErrSensorNotFound, "ControlChannel", "Execute", "resolve trigger owner")
	}

	target, err := authorizeControlTarget(ctx, c.sensors, c.links, d.Action.Target, d.Sensor.Owner)
	if err != nil {
		return err
	}

	msg := message.ControlMessage{
		SensorID:    target.ID,
		Data:        rendered,
		Destination: message.DestinationMQTT,
		Timestamp:   c.now().UTC(),
	}
	data, err := json.Marshal(msg.ToWire())
	if err != nil {
		return errors.WrapInvalid(err, "ControlChannel", "Execute", "marshal control message")
	}

	subject := bus.ActuatorSubject(target.ID)
	if err := c.publisher.Publish(ctx, subject, data); err != nil {
		return errors.WrapDispatch(err, "ControlChannel", "Execute", "publish on "+subject)
	}
	return nil
}

// authorizeControlTarget resolves a control target and checks that owner may
// address it.
func authorizeControlTarget(ctx context.Context, sensors storage.SensorRepository, links storage.SensorLinkRepository,
	rawTarget, owner string) (*storage.Sensor, error) {
	id, err := message.ParseSensorID(rawTarget)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidTarget, "trigger", "authorizeControlTarget",
			fmt.Sprintf("parse target %q", rawTarget))
	}

	target, err := sensors.GetSensor(ctx, id)
	if err != nil {
		return nil, errors.WrapStorage(err, "trigger", "authorizeControlTarget", "look up target")
	}
	if target == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidTarget, "trigger", "authorizeControlTarget",
			fmt.Sprintf("find target %s", id))
	}

	ok, err := storage.CanAccess(ctx, links, target, owner)
	if err != nil {
		return nil, errors.WrapStorage(err, "trigger", "authorizeControlTarget", "check sensor link")
	}
	if !ok {
		return nil, errors.WrapUnauthorized(errors.ErrUnauthorized, "trigger", "authorizeControlTarget",
			fmt.Sprintf("authorize target %s", id))
	}
	return target, nil
}
