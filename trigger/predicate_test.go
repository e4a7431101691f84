package trigger

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/errors"
)

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestMatchNumber(t *testing.T) {
	tests := []struct {
		name  string
		lower *decimal.Decimal
		upper *decimal.Decimal
		value float64
		want  bool
	}{
		{"lower only above", dec(10), nil, 11, true},
		{"lower only on edge", dec(10), nil, 10, true},
		{"lower only below", dec(10), nil, 9.99, false},
		{"upper only below", nil, dec(10), -3, true},
		{"upper only on edge", nil, dec(10), 10, true},
		{"upper only above", nil, dec(10), 10.01, false},
		{"range inside", dec(1), dec(5), 3, true},
		{"range lower edge", dec(1), dec(5), 1, true},
		{"range upper edge", dec(1), dec(5), 5, true},
		{"range outside", dec(1), dec(5), 5.5, false},
		{"no edges", nil, nil, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := &Trigger{Type: TypeNumber, Key: "temperature", LowerEdge: tt.lower, UpperEdge: tt.upper}
			assert.Equal(t, tt.want, MatchNumber(trig, decimal.NewFromFloat(tt.value)))
		})
	}
}

func TestPatterns_Compile(t *testing.T) {
	patterns, err := NewPatterns(2, 64)
	require.NoError(t, err)

	re, err := patterns.Compile(`^door (open|closed)$`)
	require.NoError(t, err)
	assert.True(t, re.MatchString("door open"))

	again, err := patterns.Compile(`^door (open|closed)$`)
	require.NoError(t, err)
	assert.Same(t, re, again, "compiled patterns are cached")
	assert.Equal(t, 1, patterns.Len())

	_, err = patterns.Compile("a")
	require.NoError(t, err)
	_, err = patterns.Compile("b")
	require.NoError(t, err)
	assert.Equal(t, 2, patterns.Len(), "cache is bounded")
}

func TestPatterns_Rejects(t *testing.T) {
	patterns, err := NewPatterns(0, 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		pattern string
	}{
		{"empty", ""},
		{"syntax", "(unclosed"},
		{"too long", strings.Repeat("a", 2000)},
		{"too complex", "(?:abcdefghij){1000}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := patterns.Compile(tt.pattern)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidPattern)
		})
	}
	assert.Equal(t, 0, patterns.Len(), "rejected patterns are not cached")
}

func TestPatterns_MatchText(t *testing.T) {
	patterns, err := NewPatterns(0, 0)
	require.NoError(t, err)

	trig := &Trigger{Type: TypeRegex, Key: TextKey, Pattern: `alarm|fire`}
	assert.True(t, patterns.MatchText(trig, "fire in hall 3"))
	assert.False(t, patterns.MatchText(trig, "all quiet"))

	broken := &Trigger{Type: TypeRegex, Key: TextKey, Pattern: "(("}
	assert.False(t, patterns.MatchText(broken, "(("))
}

func TestTrigger_Validate(t *testing.T) {
	patterns, err := NewPatterns(0, 0)
	require.NoError(t, err)
	sensor := testSensorID

	valid := &Trigger{SensorID: sensor, Type: TypeNumber, Key: "temperature", LowerEdge: dec(1)}
	assert.NoError(t, valid.Validate(patterns))

	regex := &Trigger{SensorID: sensor, Type: TypeRegex, Pattern: "on"}
	require.NoError(t, regex.Validate(patterns))
	assert.Equal(t, TextKey, regex.Key, "regex triggers default to the text key")

	invalid := []*Trigger{
		{Type: TypeNumber, Key: "t", LowerEdge: dec(1)},
		{SensorID: sensor, Type: TypeNumber, LowerEdge: dec(1)},
		{SensorID: sensor, Type: TypeNumber, Key: "t"},
		{SensorID: sensor, Type: TypeNumber, Key: "t", LowerEdge: dec(5), UpperEdge: dec(1)},
		{SensorID: sensor, Type: TypeRegex, Pattern: "("},
		{SensorID: sensor, Type: Type(9), Key: "t"},
	}
	for _, trig := range invalid {
		err := trig.Validate(patterns)
		assert.True(t, errors.IsInvalid(err), "trigger %+v", trig)
	}
}
