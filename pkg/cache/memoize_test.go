package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/kv"
	"github.com/c360/modkit/metric"
)

type lookupArgs struct {
	Term  string `json:"term"`
	Limit int    `json:"limit"`
}

func (a lookupArgs) WithDefaults() lookupArgs {
	if a.Limit == 0 {
		a.Limit = 10
	}
	return a
}

type lookupResult struct {
	Items []string `json:"items"`
}

func newTestBackend(t *testing.T, opts ...BackendOption) (*Backend, *kv.Memory) {
	t.Helper()
	store, err := kv.NewMemory(kv.WithCleanupInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := NewBackend(store, opts...)
	require.NoError(t, err)
	return b, store
}

func countingLookup(calls *atomic.Int32) Func[lookupArgs, lookupResult] {
	return func(_ context.Context, args lookupArgs) (lookupResult, error) {
		n := calls.Add(1)
		return lookupResult{Items: []string{fmt.Sprintf("%s-%d-%d", args.Term, args.Limit, n)}}, nil
	}
}

func TestMemoize_SecondCallIsServedFromStore(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	var calls atomic.Int32
	m, err := Memoize(b, "lookup", JSONKey[lookupArgs](), countingLookup(&calls))
	require.NoError(t, err)

	first, err := m.Call(ctx, lookupArgs{Term: "x", Limit: 5})
	require.NoError(t, err)
	second, err := m.Call(ctx, lookupArgs{Term: "x", Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), b.Stats().Hits())
	assert.Equal(t, int64(1), b.Stats().Misses())
	assert.Equal(t, int64(1), b.Stats().Sets())
	assert.InDelta(t, 0.5, b.Stats().HitRatio(), 0.001)
}

func TestMemoize_DifferentArgumentsAreDifferentEntries(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	var calls atomic.Int32
	m, err := Memoize(b, "lookup", JSONKey[lookupArgs](), countingLookup(&calls))
	require.NoError(t, err)

	_, err = m.Call(ctx, lookupArgs{Term: "a", Limit: 1})
	require.NoError(t, err)
	_, err = m.Call(ctx, lookupArgs{Term: "b", Limit: 1})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoize_DefaultsAreResolvedBeforeKeying(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	var calls atomic.Int32
	m, err := Memoize(b, "lookup", JSONKey[lookupArgs](), countingLookup(&calls))
	require.NoError(t, err)

	implicit, err := m.Call(ctx, lookupArgs{Term: "x"})
	require.NoError(t, err)
	explicit, err := m.Call(ctx, lookupArgs{Term: "x", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, implicit, explicit)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"x-10-1"}, implicit.Items)
}

func TestMemoize_DefaultsOption(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	var seen []int
	fn := func(_ context.Context, n int) (int, error) {
		seen = append(seen, n)
		return n * 2, nil
	}
	key := func(n int) (string, error) { return fmt.Sprint(n), nil }
	m, err := Memoize(b, "double", key, fn, WithDefaults[int, int](func(n int) int {
		if n == 0 {
			return 21
		}
		return n
	}))
	require.NoError(t, err)

	v, err := m.Call(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = m.Call(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []int{21}, seen)
}

func TestMemoize_ForceRefreshRecomputesAndOverwrites(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	var calls atomic.Int32
	m, err := Memoize(b, "lookup", JSONKey[lookupArgs](), countingLookup(&calls))
	require.NoError(t, err)

	args := lookupArgs{Term: "x", Limit: 1}
	first, err := m.Call(ctx, args)
	require.NoError(t, err)

	refreshed, err := m.Call(ctx, args, ForceRefresh())
	require.NoError(t, err)
	assert.NotEqual(t, first, refreshed)

	cached, err := m.Call(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, refreshed, cached)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), b.Stats().Refreshes())
}

func TestMemoize_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	boom := errors.New("boom")
	var calls atomic.Int32
	fn := func(_ context.Context, s string) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok:" + s, nil
	}
	m, err := Memoize(b, "flaky", func(s string) (string, error) { return s, nil }, fn)
	require.NoError(t, err)

	_, err = m.Call(ctx, "a")
	assert.ErrorIs(t, err, boom)

	v, err := m.Call(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ok:a", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoize_EntryTTL(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t, WithTTL(time.Hour))

	var calls atomic.Int32
	fn := func(_ context.Context, s string) ([]byte, error) {
		calls.Add(1)
		return []byte(s), nil
	}
	key := func(s string) (string, error) { return s, nil }
	m, err := Memoize(b, "short", key, fn, WithEntryTTL[string, []byte](30*time.Millisecond))
	require.NoError(t, err)

	_, err = m.Call(ctx, "a")
	require.NoError(t, err)
	_, err = m.Call(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(60 * time.Millisecond)
	v, err := m.Call(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoize_KindsRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	key := func(s string) (string, error) { return s, nil }

	bytesFn, err := Memoize(b, "bytes", key, func(_ context.Context, s string) ([]byte, error) {
		return []byte{0, 1, 2, s[0]}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, KindBytes, bytesFn.kind)

	strFn, err := Memoize(b, "string", key, func(_ context.Context, s string) (string, error) {
		return "hello " + s, nil
	})
	require.NoError(t, err)
	assert.Equal(t, KindString, strFn.kind)

	mapFn, err := Memoize(b, "map", key, func(_ context.Context, s string) (map[string]int, error) {
		return map[string]int{s: len(s)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, KindJSON, mapFn.kind)

	for range 2 {
		bv, err := bytesFn.Call(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 1, 2, 'z'}, bv)

		sv, err := strFn.Call(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, "hello z", sv)

		mv, err := mapFn.Call(ctx, "zz")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"zz": 2}, mv)
	}
	assert.Equal(t, int64(3), b.Stats().Hits())
}

func TestMemoize_CorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBackend(t)

	var calls atomic.Int32
	fn := func(_ context.Context, s string) (string, error) {
		calls.Add(1)
		return s, nil
	}
	m, err := Memoize(b, "echo", func(s string) (string, error) { return s, nil }, fn)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "cache:echo:a", []byte("{not json"), kv.NoExpiry))
	v, err := m.Call(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, int32(1), calls.Load())

	// stored under a different kind
	require.NoError(t, store.Set(ctx, "cache:echo:b", []byte(`{"kind":"json","data":"MQ=="}`), kv.NoExpiry))
	_, err = m.Call(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = m.Call(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoize_NamesSeparateKeySpaces(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	key := func(s string) (string, error) { return s, nil }

	upper, err := Memoize(b, "upper", key, func(_ context.Context, s string) (string, error) { return "U" + s, nil })
	require.NoError(t, err)
	lower, err := Memoize(b, "lower", key, func(_ context.Context, s string) (string, error) { return "l" + s, nil })
	require.NoError(t, err)

	u, err := upper.Call(ctx, "x")
	require.NoError(t, err)
	l, err := lower.Call(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "Ux", u)
	assert.Equal(t, "lx", l)
}

func TestMemoize_KeyErrorFailsCall(t *testing.T) {
	b, _ := newTestBackend(t)
	keyErr := errors.New("unkeyable")
	m, err := Memoize(b, "bad", func(string) (string, error) { return "", keyErr },
		func(_ context.Context, s string) (string, error) { return s, nil })
	require.NoError(t, err)

	_, err = m.Call(context.Background(), "a")
	assert.ErrorIs(t, err, keyErr)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int64(1), b.Stats().Errors())
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.ErrStorageUnavailable
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.ErrStorageUnavailable
}

func TestMemoize_StorageFailuresDoNotFailCall(t *testing.T) {
	b, err := NewBackend(failingStore{})
	require.NoError(t, err)

	m, err := Memoize(b, "echo", func(s string) (string, error) { return s, nil },
		func(_ context.Context, s string) (string, error) { return s + "!", nil })
	require.NoError(t, err)

	v, err := m.Call(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a!", v)
	assert.Equal(t, int64(2), b.Stats().Errors())
}

func TestMemoize_Validation(t *testing.T) {
	b, _ := newTestBackend(t)
	key := func(s string) (string, error) { return s, nil }
	fn := func(_ context.Context, s string) (string, error) { return s, nil }

	_, err := Memoize[string, string](nil, "x", key, fn)
	assert.True(t, errors.IsInvalid(err))

	_, err = Memoize(b, "", key, fn)
	assert.True(t, errors.IsInvalid(err))

	_, err = Memoize(b, "x", key, fn, WithEntryTTL[string, string](-time.Second))
	assert.True(t, errors.IsInvalid(err))

	_, err = NewBackend(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestBackend_CloseHookRunsOnce(t *testing.T) {
	var closed atomic.Int32
	b, _ := newTestBackend(t, WithOnClose(func() error {
		closed.Add(1)
		return nil
	}))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, int32(1), closed.Load())
}

func TestBackend_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	b, _ := newTestBackend(t, WithMetrics(reg, "lookups"))

	m, err := Memoize(b, "echo", func(s string) (string, error) { return s, nil },
		func(_ context.Context, s string) (string, error) { return s, nil })
	require.NoError(t, err)

	_, _ = m.Call(ctx, "a")
	_, _ = m.Call(ctx, "a")

	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.calls.WithLabelValues("echo", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.calls.WithLabelValues("echo", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.calls.WithLabelValues("echo", "set")))
}
