package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, opts ...Option) (*Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithCleanupInterval(0)}, opts...)
	m, err := NewMemory(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestMemory_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), NoExpiry))

	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, m.Delete(ctx, "a"))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.Delete(ctx, "a"), ErrNotFound)
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t)

	in := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", in, NoExpiry))
	in[0] = 'X'

	out, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	out[0] = 'Y'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory(t)

	require.NoError(t, m.Set(ctx, "lease", []byte("x"), 2*time.Second))

	clock.Advance(1999 * time.Millisecond)
	ok, err := m.Exists(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	ok, err = m.Exists(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(ctx, "lease")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "lease"), ErrNotFound)

	matched, err := m.DeleteIfValueMatches(ctx, "lease", []byte("x"))
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestMemory_SetIfNotExists(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory(t)

	ok, err := m.SetIfNotExists(ctx, "lock", []byte("a"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetIfNotExists(ctx, "lock", []byte("b"), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _ := m.Get(ctx, "lock")
	assert.Equal(t, []byte("a"), v)

	// Expired entries count as absent.
	clock.Advance(5 * time.Second)
	ok, err = m.SetIfNotExists(ctx, "lock", []byte("b"), NoExpiry)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ = m.Get(ctx, "lock")
	assert.Equal(t, []byte("b"), v)
	assert.Equal(t, int64(1), m.Stats().Conflicts())
}

func TestMemory_DeleteIfValueMatches(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t)

	require.NoError(t, m.Set(ctx, "lock", []byte("token-1"), NoExpiry))

	ok, err := m.DeleteIfValueMatches(ctx, "lock", []byte("token-2"))
	require.NoError(t, err)
	assert.False(t, ok)

	exists, _ := m.Exists(ctx, "lock")
	assert.True(t, exists)

	ok, err = m.DeleteIfValueMatches(ctx, "lock", []byte("token-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.DeleteIfValueMatches(ctx, "missing", []byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Validation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t)

	err := m.Set(ctx, "", []byte("x"), NoExpiry)
	assert.True(t, errors.IsInvalid(err))

	err = m.Set(ctx, "k", []byte("x"), -time.Second)
	assert.True(t, errors.IsInvalid(err))

	_, err = m.SetIfNotExists(ctx, "k", nil, -1)
	assert.True(t, errors.IsInvalid(err))

	_, err = TTLFromSeconds(-1)
	assert.True(t, errors.IsInvalid(err))

	d, err := TTLFromSeconds(30)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestMemory_ConcurrentSetIfNotExistsHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.SetIfNotExists(ctx, "leader", []byte("me"), time.Minute)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestMemory_SweeperPurgesExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m, err := NewMemory(WithClock(clock.Now), WithCleanupInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), NoExpiry))
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().Expirations())
}

func TestMemory_CloseRejectsOperations(t *testing.T) {
	ctx := context.Background()
	released := false
	m, err := NewMemory(WithOnClose(func() error { released = true; return nil }))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, released)

	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestMemory_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	m, _ := newTestMemory(t, WithMetrics(reg), WithName("sessions"))

	require.NoError(t, m.Set(ctx, "a", []byte("1"), NoExpiry))
	_, _ = m.Get(ctx, "a")
	_, _ = m.Get(ctx, "missing")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.ops.WithLabelValues("get", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.ops.WithLabelValues("get", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.size))
	assert.InDelta(t, 0.5, m.Stats().HitRatio(), 0.001)

	// Same name twice in one registry is rejected.
	_, err := NewMemory(WithMetrics(reg), WithName("sessions"))
	assert.Error(t, err)
}
