// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// The pool runs a fixed number of goroutines that take work items from a
// bounded channel:
//
//	pool := worker.NewPool[[]message.Routable](
//	    4,  // workers
//	    16, // queue size
//	    processor.Process,
//	    worker.WithMetricsRegistry[[]message.Routable](registry, "router_drain"),
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks and returns ErrQueueFull when the queue is at
// capacity. SubmitWait blocks until a worker slot frees up, the context ends
// or the pool stops, which gives callers backpressure instead of drops.
//
// Statistics are always tracked with atomics. Prometheus metrics are
// registered when WithMetricsRegistry is given.
package worker
