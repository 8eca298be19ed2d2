package kv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/modkit/errors"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. Expiry instants come from the configured
// clock (time.Now by default, which carries a monotonic reading), so wall
// clock jumps do not shorten or extend TTLs.
type Memory struct {
	mu      sync.Mutex
	items   map[string]*memoryEntry
	opts    storeOptions
	logger  *slog.Logger
	stats   *Statistics
	metrics *storeMetrics

	closed   bool
	shutdown chan struct{}
	done     chan struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store and starts its expiry sweeper.
func NewMemory(opts ...Option) (*Memory, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var metrics *storeMetrics
	if o.metrics != nil {
		var err error
		metrics, err = newStoreMetrics(o.metrics, o.name, "memory")
		if err != nil {
			return nil, errors.WrapTransient(err, "kv", "NewMemory", "metrics registration")
		}
	}

	m := &Memory{
		items:    make(map[string]*memoryEntry),
		opts:     o,
		logger:   o.logger.With("component", "kv", "store", o.name, "adapter", "memory"),
		stats:    &Statistics{},
		metrics:  metrics,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if o.cleanupInterval > 0 {
		go m.cleanup()
	} else {
		close(m.done)
	}
	return m, nil
}

// Stats returns store statistics
func (m *Memory) Stats() *Statistics {
	return m.stats
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// live returns the entry for key if present and unexpired, purging it otherwise.
// Callers hold m.mu.
func (m *Memory) live(key string) (*memoryEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.opts.now()) {
		delete(m.items, key)
		m.stats.expirations.Add(1)
		m.metrics.recordExpired(1)
		m.metrics.updateSize(len(m.items))
		return nil, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl == NoExpiry {
		return time.Time{}
	}
	return m.opts.now().Add(ttl)
}

func (m *Memory) checkOpen(method string) error {
	if m.closed {
		return errors.WrapInvalid(errors.ErrClosed, "kv", method, "check store state")
	}
	return nil
}

// Get returns the value under key or ErrNotFound
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey("Get", key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("Get"); err != nil {
		return nil, err
	}

	e, ok := m.live(key)
	if !ok {
		m.stats.misses.Add(1)
		m.metrics.record("get", "miss")
		return nil, ErrNotFound
	}
	m.stats.hits.Add(1)
	m.metrics.record("get", "hit")
	return clone(e.value), nil
}

// Set stores value under key
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey("Set", key); err != nil {
		return err
	}
	if err := validateTTL("Set", ttl); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("Set"); err != nil {
		return err
	}

	m.items[key] = &memoryEntry{value: clone(value), expiresAt: m.expiry(ttl)}
	m.stats.sets.Add(1)
	m.metrics.record("set", "ok")
	m.metrics.updateSize(len(m.items))
	return nil
}

// SetIfNotExists stores value only when key holds no live entry
func (m *Memory) SetIfNotExists(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateKey("SetIfNotExists", key); err != nil {
		return false, err
	}
	if err := validateTTL("SetIfNotExists", ttl); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("SetIfNotExists"); err != nil {
		return false, err
	}

	if _, ok := m.live(key); ok {
		m.stats.conflicts.Add(1)
		m.metrics.record("set_if_not_exists", "exists")
		return false, nil
	}
	m.items[key] = &memoryEntry{value: clone(value), expiresAt: m.expiry(ttl)}
	m.stats.sets.Add(1)
	m.metrics.record("set_if_not_exists", "ok")
	m.metrics.updateSize(len(m.items))
	return true, nil
}

// Delete removes key or returns ErrNotFound
func (m *Memory) Delete(_ context.Context, key string) error {
	if err := validateKey("Delete", key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("Delete"); err != nil {
		return err
	}

	if _, ok := m.live(key); !ok {
		m.metrics.record("delete", "miss")
		return ErrNotFound
	}
	delete(m.items, key)
	m.stats.deletes.Add(1)
	m.metrics.record("delete", "ok")
	m.metrics.updateSize(len(m.items))
	return nil
}

// DeleteIfValueMatches removes key only when its value equals expected
func (m *Memory) DeleteIfValueMatches(_ context.Context, key string, expected []byte) (bool, error) {
	if err := validateKey("DeleteIfValueMatches", key); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("DeleteIfValueMatches"); err != nil {
		return false, err
	}

	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.value, expected) {
		m.stats.conflicts.Add(1)
		m.metrics.record("delete_if_value_matches", "mismatch")
		return false, nil
	}
	delete(m.items, key)
	m.stats.deletes.Add(1)
	m.metrics.record("delete_if_value_matches", "ok")
	m.metrics.updateSize(len(m.items))
	return true, nil
}

// Exists reports whether key holds a live entry
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	if err := validateKey("Exists", key); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("Exists"); err != nil {
		return false, err
	}

	_, ok := m.live(key)
	return ok, nil
}

// Close stops the sweeper and drops all entries. Safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.items = make(map[string]*memoryEntry)
	close(m.shutdown)
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("kv: timeout waiting for cleanup goroutine to finish")
	}

	if m.opts.onClose != nil {
		return m.opts.onClose()
	}
	return nil
}

func (m *Memory) cleanup() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			if n := m.removeExpired(); n > 0 {
				m.logger.Debug("Purged expired entries", "count", n)
			}
		}
	}
}

func (m *Memory) removeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	removed := 0
	for key, e := range m.items {
		if e.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	if removed > 0 {
		m.stats.expirations.Add(int64(removed))
		m.metrics.recordExpired(removed)
		m.metrics.updateSize(len(m.items))
	}
	return removed
}
