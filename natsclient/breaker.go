package natsclient

import (
	"sync"
	"time"
)

const (
	defaultTripAfter  = 5
	initialBackoff    = time.Second
	defaultMaxBackoff = time.Minute
)

// breaker counts consecutive connect failures. Every tripAfter failures it
// trips and hands out the current backoff, doubling it for the next round.
type breaker struct {
	mu         sync.Mutex
	tripAfter  int32
	maxBackoff time.Duration

	total       int32
	consecutive int32
	backoff     time.Duration
	lastFailure time.Time
}

func newBreaker(tripAfter int32, maxBackoff time.Duration) *breaker {
	return &breaker{tripAfter: tripAfter, maxBackoff: maxBackoff, backoff: initialBackoff}
}

// fail records a failure. When the failure trips the breaker, fail returns
// true and how long the circuit stays open.
func (b *breaker) fail() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.consecutive++
	b.lastFailure = time.Now()
	if b.consecutive < b.tripAfter {
		return false, 0
	}

	b.consecutive = 0
	wait := b.backoff
	b.backoff = min(b.backoff*2, b.maxBackoff)
	return true, wait
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = 0
	b.consecutive = 0
	b.backoff = initialBackoff
	b.lastFailure = time.Time{}
}

func (b *breaker) snapshot() (failures int32, backoff time.Duration, last time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.backoff, b.lastFailure
}
