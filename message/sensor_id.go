package message

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"

	"github.com/sensate-iot/platform-network/errors"
)

// SensorIDLength is the length of the text form of a SensorID.
const SensorIDLength = 24

// SensorID identifies a sensor.
type SensorID [12]byte

// ParseSensorID parses the 24 character hexadecimal form of a sensor ID.
func ParseSensorID(s string) (SensorID, error) {
	var id SensorID

	if len(s) != SensorIDLength {
		return id, errors.WrapInvalid(errors.ErrInvalidSensorID, "message", "ParseSensorID",
			fmt.Sprintf("check length of %q", s))
	}

	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return SensorID{}, errors.WrapInvalid(errors.ErrInvalidSensorID, "message", "ParseSensorID",
			fmt.Sprintf("decode %q", s))
	}

	return id, nil
}

// MustParseSensorID is like ParseSensorID but panics on error. Intended for tests and constants.
func MustParseSensorID(s string) SensorID {
	id, err := ParseSensorID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the 24 character hexadecimal form.
func (id SensorID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is unset.
func (id SensorID) IsZero() bool {
	return id == SensorID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id SensorID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SensorID) UnmarshalText(text []byte) error {
	parsed, err := ParseSensorID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer, storing the text form.
func (id SensorID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner.
func (id *SensorID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	default:
		return errors.WrapInvalid(errors.ErrInvalidSensorID, "message", "Scan",
			fmt.Sprintf("scan %T", src))
	}
}
