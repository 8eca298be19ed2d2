package kv

import "sync/atomic"

// Statistics tracks store activity. Always collected, independent of Prometheus.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	expirations atomic.Int64
	conflicts   atomic.Int64
}

// Hits returns the number of reads that found a live entry.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of reads that found nothing.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of successful writes.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the number of successful deletes.
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Expirations returns the number of entries removed because their TTL passed.
func (s *Statistics) Expirations() int64 { return s.expirations.Load() }

// Conflicts returns the number of conditional operations that did not apply.
func (s *Statistics) Conflicts() int64 { return s.conflicts.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no reads.
func (s *Statistics) HitRatio() float64 {
	h, m := s.Hits(), s.Misses()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
