package bucket

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/message"
)

// StoredNotice tells downstream consumers which buckets of a sensor received
// new measurements.
type StoredNotice struct {
	SensorID message.SensorID `json:"sensorId"`
	Count    int              `json:"count"`
	First    time.Time        `json:"first"`
	Last     time.Time        `json:"last"`
	Buckets  []string         `json:"buckets"`
}

// Notifier is an Observer that publishes one batch of StoredNotice values on
// bus.SubjectStored per successful Store.
type Notifier struct {
	publisher bus.Publisher
	logger    *slog.Logger
}

var _ Observer = (*Notifier)(nil)

// NewNotifier creates a notifier publishing through publisher.
func NewNotifier(publisher bus.Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: publisher, logger: logger.With("component", "bucket-notifier")}
}

// MeasurementsStored implements Observer. Publish failures are logged, the
// measurements are already stored.
func (n *Notifier) MeasurementsStored(ctx context.Context, stored map[message.SensorID][]message.Measurement,
	placement Placement) {
	notices := Notices(stored, placement)
	if len(notices) == 0 {
		return
	}

	data, err := bus.Encode(notices)
	if err != nil {
		n.logger.Warn("Unable to encode stored notices", "error", err)
		return
	}
	if err := n.publisher.Publish(ctx, bus.SubjectStored, data); err != nil {
		n.logger.Warn("Unable to publish stored notices", "sensors", len(notices), "error", err)
	}
}

// Notices summarizes a stored batch per sensor, ordered by sensor ID.
func Notices(stored map[message.SensorID][]message.Measurement, placement Placement) []StoredNotice {
	notices := make([]StoredNotice, 0, len(stored))
	for sensor, list := range stored {
		if len(list) == 0 {
			continue
		}
		notice := StoredNotice{SensorID: sensor, Count: len(list), First: list[0].Timestamp, Last: list[0].Timestamp}
		for _, m := range list[1:] {
			if m.Timestamp.Before(notice.First) {
				notice.First = m.Timestamp
			}
			if m.Timestamp.After(notice.Last) {
				notice.Last = m.Timestamp
			}
		}
		for _, loc := range placement[sensor] {
			if loc.BucketID != "" && !slices.Contains(notice.Buckets, loc.BucketID) {
				notice.Buckets = append(notice.Buckets, loc.BucketID)
			}
		}
		notices = append(notices, notice)
	}
	slices.SortFunc(notices, func(a, b StoredNotice) int {
		return strings.Compare(a.SensorID.String(), b.SensorID.String())
	})
	return notices
}
