package worker

import "errors"

// Sentinel errors for worker pool operations
var (
	// ErrPoolNotStarted indicates the pool hasn't been started yet
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped indicates the pool has been shut down. Jobs still queued
	// at shutdown fail with this error.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted indicates Start() was called on an already-started pool
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrJobAlreadySubmitted indicates a job was submitted twice
	ErrJobAlreadySubmitted = errors.New("job already submitted")

	// ErrJobPanicked wraps a panic recovered while running a job
	ErrJobPanicked = errors.New("job panicked")

	// ErrNilJobFunc indicates a nil job function was provided
	ErrNilJobFunc = errors.New("job function cannot be nil")

	// ErrStopTimeout indicates the pool didn't stop before the deadline
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
