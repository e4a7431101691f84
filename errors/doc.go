// Package errors implements the platform's error taxonomy.
//
// # Classification
//
// Every error that crosses a component boundary is wrapped into a
// ClassifiedError carrying one of the following classes:
//
//   - Validation (ErrorInvalid): malformed sensor IDs, missing trigger fields.
//     Rejected immediately and reported to the caller. Never retried.
//   - Authorization (ErrorUnauthorized): ownership or sensor-link checks failed.
//     The request is denied, a live socket is closed.
//   - Storage (ErrorStorage): the backing store is unavailable or rejected a
//     write. Logged with full context and surfaced to the immediate caller.
//     The drain loop keeps processing subsequent batches.
//   - Dispatch (ErrorDispatch): a failed MQTT publish, email, SMS or webhook.
//     Logged and not retried by default.
//   - Fatal (ErrorFatal): startup configuration problems only.
//
// # Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Use the classification-aware helpers:
//
//	errors.WrapInvalid(errors.ErrInvalidSensorID, "Router", "EnqueueMeasurement", "parse sensor")
//	errors.WrapStorage(err, "BucketStore", "Store", "bulk write")
//	errors.WrapDispatch(err, "WebhookChannel", "Execute", "post")
//
// The classification survives further wrapping with fmt.Errorf("%w") and can
// be inspected with IsInvalid, IsUnauthorized, IsStorage, IsDispatch and
// IsFatal, or extracted with ClassOf.
package errors
