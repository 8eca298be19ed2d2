package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job
type Status int

// Job statuses. Transitions only move forward.
const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusResultFetched
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusResultFetched:
		return "result_fetched"
	default:
		return "unknown"
	}
}

// Func is the work a Job runs. The context is the one passed to Pool.Start.
type Func func(ctx context.Context) (any, error)

// Job is a unit of work with a captured outcome.
type Job struct {
	id uuid.UUID
	fn Func

	mu        sync.Mutex
	status    Status
	submitted bool
	result    any
	err       error
	sink      chan<- *Job

	done chan struct{}
}

// NewJob creates a pending job. It panics if fn is nil.
func NewJob(fn Func) *Job {
	if fn == nil {
		panic(ErrNilJobFunc)
	}
	return &Job{
		id:   uuid.New(),
		fn:   fn,
		done: make(chan struct{}),
	}
}

// WithSink makes the job deliver itself to sink on completion. The sink must
// have room for the job; it is never waited on. SubmitAll leaves jobs that
// already have a sink untouched.
func (j *Job) WithSink(sink chan<- *Job) *Job {
	j.mu.Lock()
	j.sink = sink
	j.mu.Unlock()
	return j
}

// ID returns the job identity
func (j *Job) ID() uuid.UUID {
	return j.id
}

// Status returns the current status
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed when the job completes or fails.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or timeout elapses and reports whether it
// finished. A timeout <= 0 waits without bound.
func (j *Job) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-j.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return true
	case <-timer.C:
		return false
	}
}

// Result blocks until the job finishes, then returns its value or the error it
// failed with. The job moves to StatusResultFetched.
func (j *Job) Result() (any, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusResultFetched
	return j.result, j.err
}

// ResultContext is Result bounded by ctx.
func (j *Job) ResultContext(ctx context.Context) (any, error) {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) markSubmitted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitted {
		return false
	}
	j.submitted = true
	return true
}

func (j *Job) unmarkSubmitted() {
	j.mu.Lock()
	j.submitted = false
	j.mu.Unlock()
}

func (j *Job) start() {
	j.mu.Lock()
	j.status = StatusRunning
	j.mu.Unlock()
}

// finish records the outcome exactly once.
func (j *Job) finish(result any, err error) {
	j.mu.Lock()
	if j.status >= StatusCompleted {
		j.mu.Unlock()
		return
	}
	j.result, j.err = result, err
	if err != nil {
		j.status = StatusFailed
	} else {
		j.status = StatusCompleted
	}
	sink := j.sink
	j.mu.Unlock()

	close(j.done)
	if sink != nil {
		select {
		case sink <- j:
		default:
		}
	}
}
