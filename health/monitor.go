package health

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Monitor holds the latest status of each named part of a system
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Set records status under name
func (m *Monitor) Set(name string, status Status) {
	status.Name = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// Get returns the status recorded under name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Names returns the monitored names, sorted
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.statuses))
}

// Remove stops monitoring name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Reset removes every status
func (m *Monitor) Reset() {
	m.mu.Lock()
	clear(m.statuses)
	m.mu.Unlock()
}

// Aggregate rolls every recorded status up under system
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	details := slices.Collect(maps.Values(m.statuses))
	m.mu.RUnlock()
	return Aggregate(system, details)
}
