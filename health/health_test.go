package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/errors"
)

func TestAggregate_TakesWorstState(t *testing.T) {
	tests := []struct {
		name    string
		details []Status
		want    State
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.details)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, "system", got.Name)
			assert.Len(t, got.Details, len(tt.details))
		})
	}
}

func TestAggregate_SortsAndCopiesDetails(t *testing.T) {
	in := []Status{NewUnhealthy("zeta", "down"), NewHealthy("alpha", "")}
	got := Aggregate("system", in)

	require.Len(t, got.Details, 2)
	assert.Equal(t, "alpha", got.Details[0].Name)
	assert.Equal(t, "zeta", in[0].Name)
	assert.Contains(t, got.Message, "zeta")
	assert.False(t, got.Healthy())
}

func TestFromError_Sanitizes(t *testing.T) {
	err := errors.New("dial nats://user:pw@10.0.0.5:4222 failed: token=abc123, addr 192.168.1.20:4222")
	s := FromError("kv", err)

	assert.Equal(t, StateUnhealthy, s.State)
	assert.NotContains(t, s.Message, "abc123")
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "192.168.1.20")
	assert.Contains(t, s.Message, "[URL]")
	assert.Contains(t, s.Message, "token=[REDACTED]")

	assert.True(t, FromError("kv", nil).Healthy())
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.Set("module/a", NewHealthy("ignored", "ready"))
	m.Set("service/bus", NewDegraded("", "connecting"))

	s, ok := m.Get("module/a")
	require.True(t, ok)
	assert.Equal(t, "module/a", s.Name)
	assert.Equal(t, []string{"module/a", "service/bus"}, m.Names())
	assert.Equal(t, StateDegraded, m.Aggregate("modkit").State)

	m.Remove("service/bus")
	assert.True(t, m.Aggregate("modkit").Healthy())

	m.Reset()
	assert.Empty(t, m.Names())
}

func TestMonitor_ConcurrentUse(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("part-%d", i%5)
			m.Set(name, NewHealthy(name, ""))
			_ = m.Aggregate("system")
			_, _ = m.Get(name)
		}()
	}
	wg.Wait()
	assert.Len(t, m.Names(), 5)
}
