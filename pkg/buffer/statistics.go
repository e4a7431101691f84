package buffer

import "sync/atomic"

// Statistics counts the traffic of one buffer. Counters are monotonic
// except Size, which follows the current fill level.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

func (s *Statistics) recordWrite(n, size int) {
	s.writes.Add(int64(n))
	s.setSize(size)
}

func (s *Statistics) recordRead(n, size int) {
	s.reads.Add(int64(n))
	s.setSize(size)
}

func (s *Statistics) recordOverflow(drops int) {
	s.overflows.Add(1)
	s.drops.Add(int64(drops))
}

func (s *Statistics) setSize(size int) {
	n := int64(size)
	s.size.Store(n)
	for {
		peak := s.maxSize.Load()
		if n <= peak || s.maxSize.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Writes returns the number of items accepted.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items handed to readers.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes against a full buffer.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of items discarded by the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// Size returns the fill level after the last operation.
func (s *Statistics) Size() int64 { return s.size.Load() }

// MaxSize returns the highest fill level seen.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops per accepted write, 0 before the first write.
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(writes)
}
