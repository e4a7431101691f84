package worker

import (
	stderrors "errors"

	"github.com/sensate-iot/platform-network/errors"
)

// Sentinel errors for worker pool operations
var (
	// ErrPoolNotStarted indicates the pool hasn't been started yet
	ErrPoolNotStarted = stderrors.New("worker pool not started")

	// ErrPoolStopped indicates the pool has been stopped
	ErrPoolStopped = stderrors.New("worker pool stopped")

	// ErrPoolAlreadyStarted indicates Start() was called on an already-started pool
	ErrPoolAlreadyStarted = stderrors.New("worker pool already started")

	// ErrQueueFull indicates the work queue is at capacity. It matches errors.ErrQueueFull.
	ErrQueueFull = errors.WrapTransient(errors.ErrQueueFull, "Pool", "Submit", "enqueue work")

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = stderrors.New("processor function cannot be nil")

	// ErrStopTimeout indicates the pool didn't stop within the timeout
	ErrStopTimeout = stderrors.New("timeout waiting for workers to stop")
)
