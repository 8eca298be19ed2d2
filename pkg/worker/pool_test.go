package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/metric"
)

func startedPool(t *testing.T, workers, queue int, opts ...Option) *Pool {
	t.Helper()
	p, err := NewPool(workers, queue, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestPool_HundredJobsRunExactlyOnce(t *testing.T) {
	p := startedPool(t, 4, 10)
	ctx := context.Background()

	var runs [100]atomic.Int32
	jobs := make([]*Job, 100)
	for i := range jobs {
		i := i
		jobs[i] = NewJob(func(context.Context) (any, error) {
			runs[i].Add(1)
			return i * 2, nil
		})
	}

	results, err := p.SubmitAll(ctx, jobs)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for range jobs {
		select {
		case job := <-results:
			v, err := job.Result()
			require.NoError(t, err)
			seen[v.(int)] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining batch")
		}
	}

	assert.Len(t, seen, 100)
	for i := range runs {
		assert.Equal(t, int32(1), runs[i].Load(), "job %d", i)
	}
	assert.Equal(t, int64(100), p.Stats().Completed)
}

func TestJob_ResultReturnsCapturedError(t *testing.T) {
	p := startedPool(t, 1, 1)
	boom := errors.New("boom")

	job := NewJob(func(context.Context) (any, error) { return nil, boom })
	require.NoError(t, p.Submit(context.Background(), job))

	require.True(t, job.Wait(time.Second))
	assert.Equal(t, StatusFailed, job.Status())

	_, err := job.Result()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusResultFetched, job.Status())
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := startedPool(t, 1, 4)
	ctx := context.Background()

	bad := NewJob(func(context.Context) (any, error) { panic("kaboom") })
	good := NewJob(func(context.Context) (any, error) { return "ok", nil })

	require.NoError(t, p.Submit(ctx, bad))
	require.NoError(t, p.Submit(ctx, good))

	_, err := bad.Result()
	assert.ErrorIs(t, err, ErrJobPanicked)
	assert.Contains(t, err.Error(), "kaboom")

	v, err := good.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int64(1), p.Stats().Panicked)
}

func TestJob_StatusTransitions(t *testing.T) {
	p := startedPool(t, 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	job := NewJob(func(context.Context) (any, error) {
		close(started)
		<-release
		return 1, nil
	})
	assert.Equal(t, StatusPending, job.Status())

	require.NoError(t, p.Submit(context.Background(), job))
	<-started
	assert.Equal(t, StatusRunning, job.Status())
	assert.False(t, job.Wait(10*time.Millisecond))

	close(release)
	assert.True(t, job.Wait(time.Second))
	assert.Equal(t, StatusCompleted, job.Status())
}

func TestPool_ShutdownWaitsForRunningJobs(t *testing.T) {
	p, err := NewPool(2, 10)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	var finished atomic.Int32
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(context.Background(), NewJob(func(context.Context) (any, error) {
			started <- struct{}{}
			time.Sleep(50 * time.Millisecond)
			finished.Add(1)
			return nil, nil
		})))
	}
	<-started
	<-started

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(2), finished.Load())
}

func TestPool_ShutdownFailsQueuedJobs(t *testing.T) {
	p, err := NewPool(1, 10)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	release := make(chan struct{})
	running := make(chan struct{})
	blocker := NewJob(func(context.Context) (any, error) {
		close(running)
		<-release
		return nil, nil
	})
	require.NoError(t, p.Submit(context.Background(), blocker))
	<-running

	queued := NewJob(func(context.Context) (any, error) { return "never", nil })
	require.NoError(t, p.Submit(context.Background(), queued))

	done := make(chan error)
	go func() { done <- p.Shutdown(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	_, err = queued.Result()
	assert.ErrorIs(t, err, ErrPoolStopped)

	err = p.Submit(context.Background(), NewJob(func(context.Context) (any, error) { return nil, nil }))
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPool_ShutdownTimeout(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), NewJob(func(context.Context) (any, error) {
		close(running)
		<-release
		return nil, nil
	})))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), ErrStopTimeout)
}

func TestPool_ShutdownTimeoutStillFailsQueuedJobs(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), NewJob(func(context.Context) (any, error) {
		close(running)
		<-release
		return nil, nil
	})))
	<-running

	queued := NewJob(func(context.Context) (any, error) { return "never", nil })
	require.NoError(t, p.Submit(context.Background(), queued))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), ErrStopTimeout)

	require.True(t, queued.Wait(time.Second), "queued job must finish after a timed-out shutdown")
	_, err = queued.Result()
	assert.ErrorIs(t, err, ErrPoolStopped)

	second := make(chan error, 1)
	go func() { second <- p.Shutdown(context.Background()) }()
	select {
	case err := <-second:
		t.Fatalf("second Shutdown returned before the running job finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	assert.NoError(t, <-second)
}

func TestPool_StartContextCancelStopsPool(t *testing.T) {
	p, err := NewPool(1, 2)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), NewJob(func(context.Context) (any, error) {
		close(running)
		<-release
		return nil, nil
	})))
	<-running
	queued := NewJob(func(context.Context) (any, error) { return "never", nil })
	require.NoError(t, p.Submit(context.Background(), queued))

	cancel()
	assert.Eventually(t, func() bool {
		err := p.Submit(context.Background(), NewJob(func(context.Context) (any, error) { return nil, nil }))
		return errors.Is(err, ErrPoolStopped)
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.True(t, queued.Wait(time.Second))
	_, err = queued.Result()
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitBlocksUntilContextDone(t *testing.T) {
	p := startedPool(t, 1, 1)

	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), NewJob(func(context.Context) (any, error) {
		close(running)
		<-release
		return nil, nil
	})))
	<-running
	require.NoError(t, p.Submit(context.Background(), NewJob(func(context.Context) (any, error) { return nil, nil })))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, NewJob(func(context.Context) (any, error) { return nil, nil }))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_LifecycleErrors(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)

	job := NewJob(func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, p.Submit(context.Background(), job), ErrPoolNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, p.Submit(context.Background(), job))
	assert.ErrorIs(t, p.Submit(context.Background(), job), ErrJobAlreadySubmitted)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitAll_RespectsExplicitSink(t *testing.T) {
	p := startedPool(t, 2, 10)

	own := make(chan *Job, 1)
	mine := NewJob(func(context.Context) (any, error) { return "mine", nil }).WithSink(own)
	batch := NewJob(func(context.Context) (any, error) { return "batch", nil })

	results, err := p.SubmitAll(context.Background(), []*Job{mine, batch})
	require.NoError(t, err)

	got := <-results
	assert.Same(t, batch, got)
	assert.Same(t, mine, <-own)

	select {
	case extra := <-results:
		t.Fatalf("unexpected job on batch channel: %v", extra.ID())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubmitAll_FailsRemainderWhenStopped(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	jobs := []*Job{
		NewJob(func(context.Context) (any, error) { return nil, nil }),
		NewJob(func(context.Context) (any, error) { return nil, nil }),
	}
	results, err := p.SubmitAll(context.Background(), jobs)
	assert.ErrorIs(t, err, ErrPoolStopped)

	for range jobs {
		job := <-results
		_, jobErr := job.Result()
		assert.ErrorIs(t, jobErr, ErrPoolStopped)
	}
}

func TestPool_RateLimit(t *testing.T) {
	p := startedPool(t, 4, 10, WithRateLimit(50, 1))

	jobs := make([]*Job, 5)
	for i := range jobs {
		jobs[i] = NewJob(func(context.Context) (any, error) { return nil, nil })
	}

	start := time.Now()
	results, err := p.SubmitAll(context.Background(), jobs)
	require.NoError(t, err)
	for range jobs {
		<-results
	}
	// Four waits of 20ms after the initial token.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestPool_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	p := startedPool(t, 2, 4, WithMetricsRegistry(reg, "jobs"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		job := NewJob(func(context.Context) (any, error) {
			defer wg.Done()
			return nil, nil
		})
		require.NoError(t, p.Submit(context.Background(), job))
	}
	wg.Wait()

	assert.Equal(t, 3.0, testutil.ToFloat64(p.metrics.submitted))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(p.metrics.completed) == 3.0
	}, time.Second, 5*time.Millisecond)

	_, err := NewPool(1, 1, WithMetricsRegistry(reg, "jobs"))
	assert.Error(t, err)
}

func TestNewJob_NilPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilJobFunc, func() { NewJob(nil) })
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "result_fetched", StatusResultFetched.String())
	assert.Equal(t, "unknown", Status(99).String())
}
