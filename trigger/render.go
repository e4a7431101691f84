package trigger

import (
	"strconv"
	"strings"
	"time"

	"github.com/sensate-iot/platform-network/message"
)

// Values are substituted into action message templates.
type Values struct {
	Value     string
	Unit      string
	Precision *float64
	Accuracy  *float64
	Timestamp time.Time
	Location  *message.Location
}

// DataPointValues returns the substitution values of a measurement data point.
func DataPointValues(dp message.DataPoint, m message.Measurement) Values {
	return Values{
		Value:     dp.Value.String(),
		Unit:      dp.Unit,
		Precision: dp.Precision,
		Accuracy:  dp.Accuracy,
		Timestamp: m.Timestamp,
		Location:  m.Location,
	}
}

// MessageValues returns the substitution values of a text message.
func MessageValues(m message.Message) Values {
	return Values{
		Value:     m.Data,
		Timestamp: m.Timestamp,
		Location:  m.Location,
	}
}

// Render replaces $value, $unit, $precision, $accuracy, $timestamp, $lon and
// $lat in template. Missing optional values render as empty strings and the
// timestamp uses RFC 3339 with nanoseconds.
func Render(template string, v Values) string {
	var lon, lat string
	if v.Location != nil {
		lon = formatFloat(&v.Location.Longitude)
		lat = formatFloat(&v.Location.Latitude)
	}

	var ts string
	if !v.Timestamp.IsZero() {
		ts = v.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	return strings.NewReplacer(
		"$value", v.Value,
		"$unit", v.Unit,
		"$precision", formatFloat(v.Precision),
		"$accuracy", formatFloat(v.Accuracy),
		"$timestamp", ts,
		"$lon", lon,
		"$lat", lat,
	).Replace(template)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
