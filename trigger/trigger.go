// Package trigger evaluates incoming measurements and messages against the
// triggers configured for their sensor and dispatches the trigger actions.
//
// A numeric trigger matches a named data point whose value lies within its
// edges. A regex trigger matches the text of a data point, or the text of a
// message when its key is TextKey. Matches are collapsed per trigger, bucket
// and index, every action is gated by a per channel cooldown, and all
// invocations of one evaluation are written in a single batch.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
)

// TextKey is the key of triggers that match message text.
const TextKey = "Data"

// Type selects the predicate of a trigger.
type Type int

// Trigger types
const (
	TypeNumber Type = iota
	TypeRegex
)

// String returns the name of the trigger type.
func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// ChannelType identifies how an action is delivered.
type ChannelType int

// Action channels
const (
	ChannelMQTT ChannelType = iota
	ChannelEmail
	ChannelSMS
	ChannelControlMessage
	ChannelHTTPWebhook
)

// String returns the name of the channel.
func (c ChannelType) String() string {
	switch c {
	case ChannelMQTT:
		return "mqtt"
	case ChannelEmail:
		return "email"
	case ChannelSMS:
		return "sms"
	case ChannelControlMessage:
		return "control_message"
	case ChannelHTTPWebhook:
		return "http_webhook"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a known channel.
func (c ChannelType) Valid() bool {
	return c >= ChannelMQTT && c <= ChannelHTTPWebhook
}

// Action is delivered when its trigger fires. LastInvocation is the time the
// action was last attempted, nil if it never was.
type Action struct {
	ID             int64       `json:"id" db:"id"`
	TriggerID      int64       `json:"triggerId" db:"trigger_id"`
	Channel        ChannelType `json:"channel" db:"channel"`
	Target         string      `json:"target,omitempty" db:"target"`
	Message        string      `json:"message" db:"message"`
	LastInvocation *time.Time  `json:"lastInvocation,omitempty" db:"last_invocation"`
}

// Trigger is a rule on one data point of a sensor.
type Trigger struct {
	ID        int64            `json:"id" db:"id"`
	SensorID  message.SensorID `json:"sensorId" db:"sensor_id"`
	Key       string           `json:"key" db:"key"`
	LowerEdge *decimal.Decimal `json:"lowerEdge,omitempty" db:"lower_edge"`
	UpperEdge *decimal.Decimal `json:"upperEdge,omitempty" db:"upper_edge"`
	Pattern   string           `json:"pattern,omitempty" db:"pattern"`
	Type      Type             `json:"type" db:"type"`
	Actions   []Action         `json:"actions" db:"-"`
}

// Validate checks the structure of a trigger before it is stored. Regex
// patterns are compiled through patterns to reject overly complex ones.
func (t *Trigger) Validate(patterns *Patterns) error {
	if t.SensorID.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidSensorID, "Trigger", "Validate", "check sensor")
	}

	switch t.Type {
	case TypeNumber:
		if t.Key == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "Trigger", "Validate", "check key")
		}
		if t.LowerEdge == nil && t.UpperEdge == nil {
			return errors.WrapInvalid(errors.ErrInvalidData, "Trigger", "Validate", "check edges")
		}
		if t.LowerEdge != nil && t.UpperEdge != nil && t.LowerEdge.GreaterThan(*t.UpperEdge) {
			return errors.WrapInvalid(errors.ErrInvalidData, "Trigger", "Validate",
				fmt.Sprintf("lower edge %s exceeds upper edge %s", t.LowerEdge, t.UpperEdge))
		}
	case TypeRegex:
		if t.Key == "" {
			t.Key = TextKey
		}
		if _, err := patterns.Compile(t.Pattern); err != nil {
			return err
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "Trigger", "Validate",
			fmt.Sprintf("unknown trigger type %d", t.Type))
	}
	return nil
}

// Action returns the action of the trigger on channel, if any.
func (t *Trigger) Action(channel ChannelType) (Action, bool) {
	for _, a := range t.Actions {
		if a.Channel == channel {
			return a, true
		}
	}
	return Action{}, false
}

// Invocation records that a trigger matched the measurement at Index of a
// bucket. Attempted lists the channels whose action was dispatched, their
// cooldown clock moves to AttemptedAt.
type Invocation struct {
	TriggerID   int64         `json:"triggerId" db:"trigger_id"`
	BucketID    string        `json:"bucketId" db:"bucket_id"`
	Index       int           `json:"index" db:"idx"`
	Timestamp   time.Time     `json:"timestamp" db:"timestamp"`
	Attempted   []ChannelType `json:"attempted,omitempty" db:"-"`
	AttemptedAt time.Time     `json:"attemptedAt" db:"-"`
}

// Repository stores triggers, their actions and invocations.
// Lookups that find nothing return (nil, nil).
type Repository interface {
	GetBySensor(ctx context.Context, ids []message.SensorID) ([]Trigger, error)
	GetTrigger(ctx context.Context, id int64) (*Trigger, error)
	CreateTrigger(ctx context.Context, t *Trigger) error
	AddAction(ctx context.Context, a *Action) error
	DeleteTrigger(ctx context.Context, id int64) error
	DeleteBySensor(ctx context.Context, ids []message.SensorID) error
	AddInvocations(ctx context.Context, invocations []Invocation) error
}
