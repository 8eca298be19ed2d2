// Package worker provides a bounded worker pool that runs Jobs off the
// caller's goroutine. A fixed number of workers consume one shared queue; job
// failures and panics are captured on the Job and never take a worker down.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/modkit/metric"
)

// Pool runs submitted jobs on a fixed set of workers
type Pool struct {
	workers   int
	queueSize int
	queue     chan *Job
	logger    *slog.Logger
	limiter   *rate.Limiter
	metrics   *Metrics
	wg        sync.WaitGroup

	// submitMu orders Submit against Shutdown: Shutdown takes the write lock
	// once stop is closed, so nothing is enqueued after it drains.
	submitMu sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
	active    atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	active         prometheus.Gauge
	submitted      prometheus.Counter
	completed      prometheus.Counter
	failed         prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option func(*Pool)

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry(registry *metric.MetricsRegistry, prefix string) Option {
	return func(p *Pool) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithLogger sets the logger used for job failures
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRateLimit limits how fast workers start jobs, across the whole pool.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pool) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// NewPool creates a pool with the given number of workers and queue capacity
func NewPool(workers, queueSize int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	pool := &Pool{
		workers:   workers,
		queueSize: queueSize,
		queue:     make(chan *Job, queueSize),
		logger:    slog.Default(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = pool.logger.With("component", "worker_pool")

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		if err := pool.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

func (p *Pool) initializeMetrics() error {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modkit", Subsystem: "worker", Name: "queue_depth",
			Help: "Jobs waiting in the queue", ConstLabels: labels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modkit", Subsystem: "worker", Name: "active",
			Help: "Jobs currently running", ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modkit", Subsystem: "worker", Name: "submitted_total",
			Help: "Jobs accepted into the queue", ConstLabels: labels,
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modkit", Subsystem: "worker", Name: "completed_total",
			Help: "Jobs that returned without error", ConstLabels: labels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modkit", Subsystem: "worker", Name: "failed_total",
			Help: "Jobs that returned an error or panicked", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modkit", Subsystem: "worker", Name: "job_duration_seconds",
			Help:        "Time spent running jobs",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	reg, name := p.metricsRegistry, p.metricsPrefix
	for _, err := range []error{
		reg.RegisterGauge(name, "worker_queue_depth", m.queueDepth),
		reg.RegisterGauge(name, "worker_active", m.active),
		reg.RegisterCounter(name, "worker_submitted", m.submitted),
		reg.RegisterCounter(name, "worker_completed", m.completed),
		reg.RegisterCounter(name, "worker_failed", m.failed),
		reg.RegisterHistogramVec(name, "worker_job_duration", m.processingTime),
	} {
		if err != nil {
			return err
		}
	}
	p.metrics = m
	return nil
}

// Start launches the workers. ctx is passed to every job. Cancelling it stops
// the pool as Shutdown does: later submits fail and queued jobs fail with
// ErrPoolStopped once the workers have exited.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true

	go func() {
		select {
		case <-ctx.Done():
			if p.halt() {
				p.logger.Warn("Pool context cancelled, pool stopped", "error", ctx.Err())
			}
			p.wg.Wait()
			p.failQueued()
		case <-p.stop:
		}
	}()
	return nil
}

// Submit enqueues job, blocking while the queue is full. It returns when the
// job is queued, ctx is done, or the pool is shut down.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	p.lifecycleMu.Lock()
	started, stopped := p.started, p.stopped
	p.lifecycleMu.Unlock()
	if stopped {
		p.rejected.Add(1)
		return ErrPoolStopped
	}
	if !started {
		p.rejected.Add(1)
		return ErrPoolNotStarted
	}
	if !job.markSubmitted() {
		return ErrJobAlreadySubmitted
	}

	select {
	case p.queue <- job:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		return nil
	case <-p.stop:
		job.unmarkSubmitted()
		p.rejected.Add(1)
		return ErrPoolStopped
	case <-ctx.Done():
		job.unmarkSubmitted()
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// SubmitAll submits a batch. Jobs without their own sink report to a fresh
// channel sized to the batch, so the caller can receive exactly those jobs.
// If a submit fails, that job and the rest of the batch are failed with the
// error and still delivered to their sinks.
func (p *Pool) SubmitAll(ctx context.Context, jobs []*Job) (<-chan *Job, error) {
	results := make(chan *Job, len(jobs))
	for _, job := range jobs {
		job.mu.Lock()
		if job.sink == nil {
			job.sink = results
		}
		job.mu.Unlock()
	}

	for i, job := range jobs {
		if err := p.Submit(ctx, job); err != nil {
			for _, rest := range jobs[i:] {
				if rest.markSubmitted() {
					rest.finish(nil, err)
				}
			}
			return results, fmt.Errorf("submit job %d of %d: %w", i+1, len(jobs), err)
		}
	}
	return results, nil
}

// Shutdown stops workers from taking new jobs, fails every job still queued
// with ErrPoolStopped, and waits for running jobs to finish. It returns
// ErrStopTimeout if ctx ends first; calling it again keeps waiting.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.halt()
	p.failQueued()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ErrStopTimeout
	}
	p.failQueued()
	return nil
}

// halt closes stop and marks the pool stopped. Once it returns no Submit can
// enqueue. It reports whether this call did the stopping.
func (p *Pool) halt() bool {
	p.stopOnce.Do(func() { close(p.stop) })

	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	first := !p.stopped
	p.stopped = true
	return first
}

// failQueued fails every job left in the queue with ErrPoolStopped
func (p *Pool) failQueued() {
	drained := 0
	for {
		select {
		case job := <-p.queue:
			job.finish(nil, ErrPoolStopped)
			drained++
			continue
		default:
		}
		break
	}
	if drained > 0 {
		p.logger.Warn("Failed queued jobs at shutdown", "count", drained)
	}
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Active:     p.active.Load(),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Panicked:   p.panicked.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Active     int64 `json:"active"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Panicked   int64 `json:"panicked"`
	Rejected   int64 `json:"rejected"`
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		// Stop takes priority over a non-empty queue.
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case job := <-p.queue:
			if p.metrics != nil {
				p.metrics.queueDepth.Set(float64(len(p.queue)))
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, job *Job) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			job.finish(nil, err)
			p.failed.Add(1)
			return
		}
	}

	job.start()
	p.active.Add(1)
	if p.metrics != nil {
		p.metrics.active.Inc()
	}

	start := time.Now()
	result, err := p.call(ctx, job)
	duration := time.Since(start)

	p.active.Add(-1)
	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		p.logger.Error("Job failed", "job", job.ID(), "error", err, "duration", duration)
	} else {
		p.completed.Add(1)
	}
	if p.metrics != nil {
		p.metrics.active.Dec()
		if err != nil {
			p.metrics.failed.Inc()
		} else {
			p.metrics.completed.Inc()
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}

	job.finish(result, err)
}

func (p *Pool) call(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			result, err = nil, fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.fn(ctx)
}
