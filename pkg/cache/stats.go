package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache activity. Always collected, independent of Prometheus.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	refreshes atomic.Int64
	errors    atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hits returns reads served from the store
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns reads that had to compute
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns results written to the store
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Refreshes returns calls made with ForceRefresh
func (s *Statistics) Refreshes() int64 { return s.refreshes.Load() }

// Errors returns key, read and write failures
func (s *Statistics) Errors() int64 { return s.errors.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no reads
func (s *Statistics) HitRatio() float64 {
	h, m := s.Hits(), s.Misses()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Uptime returns the time since the statistics were created
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (b *Backend) recordHit(fn string) {
	b.stats.hits.Add(1)
	b.metrics.record(fn, "hit")
}

func (b *Backend) recordMiss(fn string) {
	b.stats.misses.Add(1)
	b.metrics.record(fn, "miss")
}

func (b *Backend) recordSet(fn string) {
	b.stats.sets.Add(1)
	b.metrics.record(fn, "set")
}

func (b *Backend) recordRefresh(fn string) {
	b.stats.refreshes.Add(1)
	b.metrics.record(fn, "refresh")
}

func (b *Backend) recordError(fn string) {
	b.stats.errors.Add(1)
	b.metrics.record(fn, "error")
}
