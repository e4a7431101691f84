package router

import (
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/pkg/buffer"
)

// Queue is the ingress queue shared by the request handlers and the drain
// loop. Capacity 0 is unbounded.
type Queue struct {
	buf     buffer.Buffer[message.Routable]
	metrics *routerMetrics
}

// NewQueue creates an ingress queue. Under the drop_oldest policy every
// evicted item is counted as dropped with reason "overflow".
func NewQueue(capacity int, policy string, registry *metric.MetricsRegistry) (*Queue, error) {
	q := &Queue{}

	opts := []buffer.Option[message.Routable]{
		buffer.WithDropCallback[message.Routable](func(message.Routable) { q.metrics.drop(dropReasonOverflow, 1) }),
	}
	switch policy {
	case "", config.OverflowDropOldest:
		opts = append(opts, buffer.WithOverflowPolicy[message.Routable](buffer.DropOldest))
	case config.OverflowReject:
		opts = append(opts, buffer.WithOverflowPolicy[message.Routable](buffer.Reject))
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Queue", "New", "unknown overflow policy "+policy)
	}
	if registry != nil {
		opts = append(opts, buffer.WithMetrics[message.Routable](registry, "router_queue"))
	}

	buf, err := buffer.NewCircularBuffer(capacity, opts...)
	if err != nil {
		return nil, err
	}
	q.buf = buf
	return q, nil
}

// Enqueue adds one item. A full queue under the reject policy returns
// errors.ErrQueueFull.
func (q *Queue) Enqueue(item message.Routable) error {
	if err := q.buf.Write(item); err != nil {
		q.rejected(err, 1)
		return err
	}
	return nil
}

// EnqueueRange adds all items in order. Under the reject policy the range is
// accepted whole or not at all.
func (q *Queue) EnqueueRange(items []message.Routable) error {
	if err := q.buf.WriteBatch(items); err != nil {
		q.rejected(err, len(items))
		return err
	}
	return nil
}

func (q *Queue) rejected(err error, n int) {
	if errors.IsTransient(err) {
		q.metrics.drop(dropReasonRejected, n)
	}
}

// Dequeue removes up to max items in FIFO order.
func (q *Queue) Dequeue(max int) []message.Routable {
	return q.buf.ReadBatch(max)
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	return q.buf.Size()
}

// Ready signals after writes.
func (q *Queue) Ready() <-chan struct{} {
	return q.buf.Ready()
}

// Close rejects further writes. Queued items remain readable.
func (q *Queue) Close() error {
	return q.buf.Close()
}
