package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "validation"},
		{ErrorUnauthorized, "authorization"},
		{ErrorStorage, "storage"},
		{ErrorDispatch, "dispatch"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(ErrInvalidSensorID, "Router", "EnqueueMeasurement", "parse sensor ID")
	assert.Equal(t, "Router.EnqueueMeasurement: parse sensor ID failed: invalid sensor ID", err.Error())
	assert.ErrorIs(t, err, ErrInvalidSensorID)
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := fmt.Errorf("boom")
	tests := []struct {
		name  string
		err   error
		class ErrorClass
		check func(error) bool
	}{
		{"validation", WrapInvalid(base, "C", "M", "a"), ErrorInvalid, IsInvalid},
		{"authorization", WrapUnauthorized(base, "C", "M", "a"), ErrorUnauthorized, IsUnauthorized},
		{"storage", WrapStorage(base, "C", "M", "a"), ErrorStorage, IsStorage},
		{"dispatch", WrapDispatch(base, "C", "M", "a"), ErrorDispatch, IsDispatch},
		{"fatal", WrapFatal(base, "C", "M", "a"), ErrorFatal, IsFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			class, ok := ClassOf(test.err)
			require.True(t, ok)
			assert.Equal(t, test.class, class)
			assert.True(t, test.check(test.err))
			assert.ErrorIs(t, test.err, base)

			var ce *ClassifiedError
			require.True(t, errors.As(test.err, &ce))
			assert.Equal(t, "C", ce.Component)
			assert.Equal(t, "M", ce.Operation)
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := WrapStorage(ErrWriteRejected, "BucketStore", "Store", "bulk write")
	outer := fmt.Errorf("drain: %w", inner)

	assert.True(t, IsStorage(outer))
	assert.False(t, IsInvalid(outer))
	assert.ErrorIs(t, outer, ErrWriteRejected)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"dispatch is transient", WrapDispatch(fmt.Errorf("smtp"), "C", "M", "a"), true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified validation", WrapInvalid(fmt.Errorf("timeout"), "C", "M", "a"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestUnclassifiedSentinels(t *testing.T) {
	assert.True(t, IsInvalid(ErrDuplicateKey))
	assert.True(t, IsInvalid(ErrNilKey))
	assert.True(t, IsUnauthorized(ErrSecretMismatched))
	assert.True(t, IsStorage(ErrWriteRejected))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.False(t, IsDispatch(ErrConnectionLost))
}

func TestRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.False(t, rc.ShouldRetry(ErrConnectionLost, 0), "dispatch defaults to a single attempt")

	rc.MaxRetries = 2
	assert.True(t, rc.ShouldRetry(ErrConnectionLost, 1))
	assert.False(t, rc.ShouldRetry(ErrConnectionLost, 2))
	assert.False(t, rc.ShouldRetry(ErrInvalidData, 0))

	cfg := rc.ToRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
}
