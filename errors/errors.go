// Package errors provides the error taxonomy used across the network platform.
// It includes error classification, standard error variables, and helper functions
// for consistent error wrapping and classification between the ingress router,
// the trigger service and the live data service.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sensate-iot/platform-network/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input (ValidationError)
	ErrorInvalid
	// ErrorUnauthorized represents failed ownership or link checks (AuthorizationError)
	ErrorUnauthorized
	// ErrorStorage represents a backing store that is unavailable or rejected a write (StorageError)
	ErrorStorage
	// ErrorDispatch represents a failed publish, email, SMS or webhook call (TransientDispatchError)
	ErrorDispatch
	// ErrorFatal represents unrecoverable errors, reserved for startup configuration problems
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "validation"
	case ErrorUnauthorized:
		return "authorization"
	case ErrorStorage:
		return "storage"
	case ErrorDispatch:
		return "dispatch"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and networking errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")

	// Input errors
	ErrInvalidData     = errors.New("invalid data format")
	ErrInvalidSensorID = errors.New("invalid sensor ID")
	ErrNilKey          = errors.New("key cannot be nil")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrMissingTarget   = errors.New("missing target attribute")
	ErrInvalidTarget   = errors.New("invalid target")
	ErrInvalidPattern  = errors.New("invalid pattern")

	// Authorization errors
	ErrUnauthorized     = errors.New("unable to authorize")
	ErrNotConfirmed     = errors.New("contact detail not confirmed")
	ErrTimestampSkewed  = errors.New("request timestamp outside of skew window")
	ErrSensorNotFound   = errors.New("sensor not found")
	ErrSecretMismatched = errors.New("sensor secret mismatch")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrWriteRejected      = errors.New("write rejected")

	// Queue and resource errors
	ErrQueueFull      = errors.New("queue full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrRateLimited    = errors.New("rate limited")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrConfigNotFound = errors.New("configuration not found")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// ClassOf returns the class carried by the outermost ClassifiedError in the
// chain. The second return value is false when the chain has no classification.
func ClassOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return ErrorTransient, false
}

// IsTransient checks if an error is transient. Dispatch errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if class, ok := ClassOf(err); ok {
		return class == ErrorTransient || class == ErrorDispatch
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := ClassOf(err); ok {
		return class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidSensorID) ||
		errors.Is(err, ErrNilKey) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrInvalidPattern)
}

// IsUnauthorized checks if an error is an authorization failure
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := ClassOf(err); ok {
		return class == ErrorUnauthorized
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSecretMismatched)
}

// IsStorage checks if an error originates from a backing store
func IsStorage(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := ClassOf(err); ok {
		return class == ErrorStorage
	}
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrWriteRejected)
}

// IsDispatch checks if an error is a failed outbound dispatch
func IsDispatch(err error) bool {
	class, ok := ClassOf(err)
	return ok && class == ErrorDispatch
}

// IsFatal checks if an error is fatal and should stop the process
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := ClassOf(err); ok {
		return class == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as a validation error with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapUnauthorized wraps an error as an authorization error with context
func WrapUnauthorized(err error, component, method, action string) error {
	return wrapAs(ErrorUnauthorized, err, component, method, action)
}

// WrapStorage wraps an error as a storage error with context
func WrapStorage(err error, component, method, action string) error {
	return wrapAs(ErrorStorage, err, component, method, action)
}

// WrapDispatch wraps an error as a transient dispatch error with context
func WrapDispatch(err error, component, method, action string) error {
	return wrapAs(ErrorDispatch, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetryConfig returns the dispatch default: a single attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    0,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// ToRetryConfig converts to the retry package's Config.
// MaxRetries counts additional attempts, MaxAttempts counts all attempts.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
