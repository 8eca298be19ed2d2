package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscription is the handle returned by Subscribe. It is owned by the bus
// instance that created it.
type Subscription struct {
	id      string
	topic   string
	pattern string

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription(parent context.Context, topic, pattern string) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		pattern: pattern,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the subscription's unique identifier
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Pattern returns the routing-key pattern
func (s *Subscription) Pattern() string { return s.pattern }

// Stop ends the subscription. Messages already queued but not yet delivered
// are dropped. Stop does not wait; use Done for that.
func (s *Subscription) Stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Done is closed once the subscription has been removed from its bus.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil after ErrStop, Stop or bus
// Close, the context error after cancellation, otherwise the handler's error.
// It returns nil while the subscription is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// cancelled returns the end reason once the subscription context is done.
func (s *Subscription) cancelled() error {
	if s.stopped.Load() {
		return nil
	}
	return s.ctx.Err()
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}
