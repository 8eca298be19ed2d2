package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/modkit/errors"
)

// Memory is an in-process Bus. Each subscriber owns an unbounded FIFO queue
// drained by its own goroutine, so a slow handler never blocks publishers or
// other subscribers.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[string]*memorySubscriber
	closed bool

	wg      sync.WaitGroup
	opts    busOptions
	logger  *slog.Logger
	stats   *Statistics
	metrics *busMetrics

	closeOnce sync.Once
	closeErr  error
}

var _ Bus = (*Memory)(nil)

type memorySubscriber struct {
	sub     *Subscription
	handler Handler

	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
}

// NewMemory creates an in-process bus
func NewMemory(opts ...Option) (*Memory, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var metrics *busMetrics
	if o.metrics != nil {
		var err error
		metrics, err = newBusMetrics(o.metrics, o.name, "memory")
		if err != nil {
			return nil, errors.WrapTransient(err, "bus", "NewMemory", "metrics registration")
		}
	}

	return &Memory{
		topics:  make(map[string]map[string]*memorySubscriber),
		opts:    o,
		logger:  o.logger.With("component", "bus", "bus", o.name, "adapter", "memory"),
		stats:   &Statistics{},
		metrics: metrics,
	}, nil
}

// Stats returns bus statistics
func (m *Memory) Stats() *Statistics {
	return m.stats
}

// Subscribers returns the number of active subscribers of topic
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Topics returns the number of topics with at least one subscriber
func (m *Memory) Topics() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

// Publish enqueues payload for every matching subscriber and returns without
// waiting for delivery. Publishing to a topic nobody subscribes to is not an error.
func (m *Memory) Publish(_ context.Context, topic, routingKey string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	msg := append([]byte(nil), payload...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrClosed, "bus", "Publish", "publish to "+topic)
	}
	for _, s := range m.topics[topic] {
		if Match(s.sub.pattern, routingKey) {
			s.enqueue(msg)
		}
	}
	m.mu.Unlock()

	m.stats.recordPublished(m.metrics, topic)
	return nil
}

// Subscribe registers h for messages on topic whose routing key matches pattern.
func (m *Memory) Subscribe(ctx context.Context, topic, pattern string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "bus", "Subscribe", "validate handler")
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	s := &memorySubscriber{
		sub:     newSubscription(ctx, topic, pattern),
		handler: h,
		signal:  make(chan struct{}, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.sub.cancel()
		return nil, errors.WrapInvalid(errors.ErrClosed, "bus", "Subscribe", "subscribe to "+topic)
	}
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[string]*memorySubscriber)
		m.topics[topic] = subs
	}
	subs[s.sub.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.stats.recordSubscriptions(m.metrics, 1)
	m.logger.Debug("Subscribed", "topic", topic, "pattern", pattern, "subscription", s.sub.id)

	go m.consume(s)
	return s.sub, nil
}

func (s *memorySubscriber) enqueue(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySubscriber) next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

// consume delivers queued messages in order until the subscription ends.
func (m *Memory) consume(s *memorySubscriber) {
	defer m.wg.Done()

	ctx := s.sub.ctx
	var reason error
	for {
		if ctx.Err() != nil {
			reason = s.sub.cancelled()
			break
		}

		msg, ok := s.next()
		if !ok {
			select {
			case <-s.signal:
			case <-ctx.Done():
			}
			continue
		}

		err := m.deliver(ctx, s, msg)
		if err == nil {
			m.stats.recordDelivered(m.metrics, s.sub.topic)
			continue
		}
		if errors.Is(err, ErrStop) {
			m.stats.recordDelivered(m.metrics, s.sub.topic)
			m.logger.Debug("Subscription stopped by handler", "topic", s.sub.topic, "subscription", s.sub.id)
			break
		}
		m.stats.recordFailed(m.metrics, s.sub.topic)
		m.logger.Error("Subscriber handler failed, removing subscription",
			"topic", s.sub.topic, "pattern", s.sub.pattern, "subscription", s.sub.id, "error", err)
		reason = err
		break
	}

	m.remove(s)
	s.sub.finish(reason)
}

func (m *Memory) deliver(ctx context.Context, s *memorySubscriber, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.handler(ctx, msg)
}

func (m *Memory) remove(s *memorySubscriber) {
	m.mu.Lock()
	if subs, ok := m.topics[s.sub.topic]; ok {
		delete(subs, s.sub.id)
		if len(subs) == 0 {
			delete(m.topics, s.sub.topic)
		}
	}
	m.mu.Unlock()
	m.stats.recordSubscriptions(m.metrics, -1)
}

// Close stops every subscription and waits for in-flight handlers until ctx
// is done. Later Publish and Subscribe calls fail with errors.ErrClosed.
func (m *Memory) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		var subs []*Subscription
		for _, topic := range m.topics {
			for _, s := range topic {
				subs = append(subs, s.sub)
			}
		}
		m.mu.Unlock()

		for _, sub := range subs {
			sub.Stop()
		}

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.closeErr = errors.WrapTransient(ctx.Err(), "bus", "Close", "wait for subscribers")
		}

		if m.opts.onClose != nil {
			if err := m.opts.onClose(); err != nil && m.closeErr == nil {
				m.closeErr = err
			}
		}
		m.logger.Debug("Bus closed", "subscriptions", len(subs))
	})
	return m.closeErr
}
