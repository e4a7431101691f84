package trigger

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/storage"
)

// ValidateAction checks an action before it is added to t. Every channel but
// MQTT needs a target, control message targets must be sensors the trigger
// owner may address and webhook targets must be absolute http(s) URLs.
func ValidateAction(ctx context.Context, sensors storage.SensorRepository, links storage.SensorLinkRepository,
	t *Trigger, a *Action) error {
	if !a.Channel.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "trigger", "ValidateAction",
			fmt.Sprintf("unknown channel %d", a.Channel))
	}
	if a.Message == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "trigger", "ValidateAction", "check message")
	}
	if _, exists := t.Action(a.Channel); exists {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "trigger", "ValidateAction",
			fmt.Sprintf("add second %s action", a.Channel))
	}
	if a.Channel != ChannelMQTT && a.Target == "" {
		return errors.WrapInvalid(errors.ErrMissingTarget, "trigger", "ValidateAction",
			fmt.Sprintf("check %s target", a.Channel))
	}

	switch a.Channel {
	case ChannelControlMessage:
		owner, err := sensors.GetSensor(ctx, t.SensorID)
		if err != nil {
			return errors.WrapStorage(err, "trigger", "ValidateAction", "look up trigger sensor")
		}
		if owner == nil {
			return errors.WrapInvalid(errors.ErrSensorNotFound, "trigger", "ValidateAction", "look up trigger sensor")
		}
		if _, err := authorizeControlTarget(ctx, sensors, links, a.Target, owner.Owner); err != nil {
			if errors.IsUnauthorized(err) {
				return errors.WrapInvalid(err, "trigger", "ValidateAction", "authorize control target")
			}
			return err
		}
	case ChannelHTTPWebhook:
		return validateWebhookURL(a.Target)
	}
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidTarget, err), "trigger",
			"validateWebhookURL", "parse URL")
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidTarget, "trigger", "validateWebhookURL",
			fmt.Sprintf("check URL %q", raw))
	}
	return nil
}
