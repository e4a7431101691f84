package buffer

import (
	"sync"

	"github.com/sensate-iot/platform-network/errors"
)

const initialUnboundedSize = 64

// circularBuffer is a thread-safe ring buffer with configurable overflow policies.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int // 0 means unbounded
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
	ready    chan struct{}
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity < 0 {
		capacity = 0
	}

	var metrics *bufferMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newBufferMetrics(opts.registry, opts.component)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	initial := capacity
	if initial == 0 {
		initial = initialUnboundedSize
	}

	return &circularBuffer[T]{
		items:    make([]T, initial),
		capacity: capacity,
		stats:    &Statistics{},
		metrics:  metrics,
		opts:     opts,
		ready:    make(chan struct{}, 1),
	}, nil
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	var dropped []T
	err := func() error {
		cb.mu.Lock()
		defer cb.mu.Unlock()

		if cb.closed {
			return errors.WrapInvalid(errors.ErrQueueClosed, "Buffer", "Write", "buffer closed")
		}

		if cb.capacity > 0 && cb.size == cb.capacity {
			switch cb.opts.overflowPolicy {
			case Reject:
				cb.recordOverflow(0)
				return errors.WrapTransient(errors.ErrQueueFull, "Buffer", "Write", "buffer full")
			case DropNewest:
				cb.recordOverflow(1)
				dropped = append(dropped, item)
				return nil
			default:
				dropped = append(dropped, cb.pop())
				cb.recordOverflow(1)
			}
		}

		cb.push(item)
		cb.afterWrite(1)
		return nil
	}()

	cb.notifyDropped(dropped)
	return err
}

// WriteBatch adds all items in order.
func (cb *circularBuffer[T]) WriteBatch(items []T) error {
	if len(items) == 0 {
		return nil
	}

	var dropped []T
	err := func() error {
		cb.mu.Lock()
		defer cb.mu.Unlock()

		if cb.closed {
			return errors.WrapInvalid(errors.ErrQueueClosed, "Buffer", "WriteBatch", "buffer closed")
		}

		if cb.capacity > 0 && cb.opts.overflowPolicy == Reject && cb.size+len(items) > cb.capacity {
			cb.recordOverflow(0)
			return errors.WrapTransient(errors.ErrQueueFull, "Buffer", "WriteBatch", "buffer full")
		}

		written := 0
		for _, item := range items {
			if cb.capacity > 0 && cb.size == cb.capacity {
				if cb.opts.overflowPolicy == DropNewest {
					dropped = append(dropped, item)
					cb.recordOverflow(1)
					continue
				}
				dropped = append(dropped, cb.pop())
				cb.recordOverflow(1)
			}
			cb.push(item)
			written++
		}

		cb.afterWrite(written)
		return nil
	}()

	cb.notifyDropped(dropped)
	return err
}

// push appends an item, growing the ring when unbounded. Caller holds the lock.
func (cb *circularBuffer[T]) push(item T) {
	if cb.size == len(cb.items) {
		cb.grow()
	}
	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % len(cb.items)
	cb.size++
}

// pop removes the oldest item. Caller holds the lock and ensures size > 0.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % len(cb.items)
	cb.size--
	return item
}

func (cb *circularBuffer[T]) grow() {
	next := make([]T, len(cb.items)*2)
	for i := 0; i < cb.size; i++ {
		next[i] = cb.items[(cb.tail+i)%len(cb.items)]
	}
	cb.items = next
	cb.tail = 0
	cb.head = cb.size
}

func (cb *circularBuffer[T]) recordOverflow(drops int) {
	cb.stats.recordOverflow(drops)
	if cb.metrics != nil {
		cb.metrics.recordOverflow(drops)
	}
}

func (cb *circularBuffer[T]) afterWrite(n int) {
	if n == 0 {
		return
	}
	cb.stats.recordWrite(n, cb.size)
	if cb.metrics != nil {
		cb.metrics.recordWrite(n, cb.size, cb.capacity)
	}

	select {
	case cb.ready <- struct{}{}:
	default:
	}
}

// notifyDropped runs the drop callback outside the lock.
func (cb *circularBuffer[T]) notifyDropped(dropped []T) {
	if cb.opts.dropCallback == nil {
		return
	}
	for _, item := range dropped {
		cb.opts.dropCallback(item)
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}

	item := cb.pop()
	cb.afterRead(1)
	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := min(max, cb.size)
	result := make([]T, n)
	for i := range result {
		result[i] = cb.pop()
	}
	cb.afterRead(n)
	return result
}

func (cb *circularBuffer[T]) afterRead(n int) {
	cb.stats.recordRead(n, cb.size)
	if cb.metrics != nil {
		cb.metrics.recordRead(n, cb.size, cb.capacity)
	}
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold, 0 when unbounded.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

// Ready returns the write notification channel.
func (cb *circularBuffer[T]) Ready() <-chan struct{} {
	return cb.ready
}

// Clear removes all items and hands them to the drop callback.
func (cb *circularBuffer[T]) Clear() {
	var dropped []T
	func() {
		cb.mu.Lock()
		defer cb.mu.Unlock()

		if cb.opts.dropCallback != nil {
			dropped = make([]T, 0, cb.size)
		}
		for cb.size > 0 {
			item := cb.pop()
			if dropped != nil {
				dropped = append(dropped, item)
			}
		}
		cb.head = 0
		cb.tail = 0

		cb.stats.setSize(0)
		if cb.metrics != nil {
			cb.metrics.updateSize(0, cb.capacity)
		}
	}()

	cb.notifyDropped(dropped)
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	if cb.metrics != nil {
		cb.metrics.unregister()
	}
	return nil
}
