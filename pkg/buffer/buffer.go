// Package buffer implements the in-memory FIFO that sits between request
// handlers and drain loops.
//
// A CircularBuffer is either bounded, applying an OverflowPolicy when full,
// or unbounded and grown on demand. Writes never block. Readers wait on
// Ready instead of polling. Traffic is always counted in Statistics and can
// additionally be exported to Prometheus with WithMetrics.
package buffer

// Buffer is a concurrency safe FIFO.
type Buffer[T any] interface {
	// Write adds one item, applying the overflow policy when full.
	Write(item T) error

	// WriteBatch adds items in order. Under Reject the batch is accepted
	// whole or not at all.
	WriteBatch(items []T) error

	Read() (T, bool)

	// ReadBatch removes up to max items.
	ReadBatch(max int) []T

	Peek() (T, bool)
	Size() int

	// Capacity is 0 for unbounded buffers.
	Capacity() int
	IsEmpty() bool

	// Ready receives a value after writes. Several writes may coalesce into
	// one signal.
	Ready() <-chan struct{}

	Clear()
	Stats() *Statistics

	// Close fails further writes. Items already queued stay readable.
	Close() error
}

// OverflowPolicy selects what a full bounded buffer does with a write.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item.
	DropNewest

	// Reject fails the write with errors.ErrQueueFull.
	Reject
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// DropCallback receives every item the buffer discards.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer. A capacity of 0 or less is
// unbounded. It fails only when metric registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
