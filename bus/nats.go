package bus

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/natsclient"
)

// NATSConfig configures the JetStream adapter
type NATSConfig struct {
	URL           string
	StreamPrefix  string        // stream name prefix, default "MODKIT"
	SubjectPrefix string        // subject prefix, default "modkit"
	MaxAge        time.Duration // stream retention limit, 0 keeps until acknowledged
	Timeout       time.Duration // per-operation timeout, default 5s
	Replicas      int
}

// Validate checks the configuration and fills defaults
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "bus", "NATSConfig", "validate url")
	}
	if c.StreamPrefix == "" {
		c.StreamPrefix = "MODKIT"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "modkit"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if strings.ContainsAny(c.StreamPrefix, ". *>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "bus", "NATSConfig", "validate stream_prefix")
	}
	if err := ValidateTopic(c.SubjectPrefix); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "bus", "NATSConfig", "validate subject_prefix")
	}
	if c.MaxAge < 0 || c.Timeout < 0 || c.Replicas < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "bus", "NATSConfig", "validate durations and replicas")
	}
	return nil
}

// NATS is a Bus backed by JetStream. Each topic is one interest-retention
// stream; each subscription is one ephemeral explicit-ack consumer on it.
// A handler error naks the message for redelivery, so delivery is
// at-least-once and handlers must be idempotent.
type NATS struct {
	client  *natsclient.Client
	cfg     NATSConfig
	opts    busOptions
	logger  *slog.Logger
	stats   *Statistics
	metrics *busMetrics

	mu      sync.Mutex
	streams map[string]bool
	subs    map[string]*Subscription
	closed  bool
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ Bus = (*NATS)(nil)

// NewNATS creates the adapter on a connected client. Streams are created
// lazily on first use of a topic.
func NewNATS(client *natsclient.Client, cfg NATSConfig, opts ...Option) (*NATS, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "bus", "NewNATS", "validate client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var metrics *busMetrics
	if o.metrics != nil {
		var err error
		metrics, err = newBusMetrics(o.metrics, o.name, "nats")
		if err != nil {
			return nil, errors.WrapTransient(err, "bus", "NewNATS", "metrics registration")
		}
	}

	return &NATS{
		client:  client,
		cfg:     cfg,
		opts:    o,
		logger:  o.logger.With("component", "bus", "bus", o.name, "adapter", "nats"),
		stats:   &Statistics{},
		metrics: metrics,
		streams: make(map[string]bool),
		subs:    make(map[string]*Subscription),
	}, nil
}

// Stats returns bus statistics
func (n *NATS) Stats() *Statistics {
	return n.stats
}

// topicToken encodes a dotted topic as a single subject token so that
// topics sharing a prefix never produce overlapping stream subjects.
func topicToken(topic string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(topic))
}

func (n *NATS) streamName(topic string) string {
	return n.cfg.StreamPrefix + "_" + topicToken(topic)
}

func (n *NATS) topicSubject(topic string) string {
	return n.cfg.SubjectPrefix + "." + topicToken(topic)
}

func (n *NATS) subject(topic, routingKey string) string {
	return n.topicSubject(topic) + "." + routingKey
}

// filterSubject returns the consumer filter for pattern and whether the
// server filter is exact. Patterns with "#" consume the whole topic and are
// matched client-side, since ">" cannot match zero tokens.
func (n *NATS) filterSubject(topic, pattern string) (string, bool) {
	if strings.Contains(pattern, wildcardMany) {
		return n.topicSubject(topic) + ".>", false
	}
	return n.subject(topic, pattern), true
}

func (n *NATS) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.cfg.Timeout)
}

// ensureStream creates the topic's stream once per adapter. The lock is not
// held during the request; concurrent first uses both issue an idempotent
// create-or-update.
func (n *NATS) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	ready := n.streams[topic]
	n.mu.Unlock()
	if ready {
		return nil
	}

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	_, err := n.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      n.streamName(topic),
		Subjects:  []string{n.topicSubject(topic) + ".>"},
		Retention: jetstream.InterestPolicy,
		MaxAge:    n.cfg.MaxAge,
		Replicas:  n.cfg.Replicas,
	})
	if err != nil {
		return errors.Wrap(err, "bus", "ensureStream", "create stream for "+topic)
	}

	n.mu.Lock()
	n.streams[topic] = true
	n.mu.Unlock()
	n.logger.Debug("Topic stream ready", "topic", topic, "stream", n.streamName(topic))
	return nil
}

func (n *NATS) checkOpen(method string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.WrapInvalid(errors.ErrClosed, "bus", method, "check bus state")
	}
	return nil
}

// Publish stores payload in the topic's stream and waits for the server ack.
func (n *NATS) Publish(ctx context.Context, topic, routingKey string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	if err := n.checkOpen("Publish"); err != nil {
		return err
	}
	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	pubCtx, cancel := n.withTimeout(ctx)
	defer cancel()
	if err := n.client.PublishToStream(pubCtx, n.subject(topic, routingKey), payload); err != nil {
		return errors.Wrap(err, "bus", "Publish", "publish to "+topic)
	}
	n.stats.recordPublished(n.metrics, topic)
	return nil
}

// Subscribe creates a consumer that receives messages published after it was created.
func (n *NATS) Subscribe(ctx context.Context, topic, pattern string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "bus", "Subscribe", "validate handler")
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if err := n.checkOpen("Subscribe"); err != nil {
		return nil, err
	}
	if err := n.ensureStream(ctx, topic); err != nil {
		return nil, err
	}

	filter, exact := n.filterSubject(topic, pattern)
	createCtx, cancel := n.withTimeout(ctx)
	consumer, err := n.client.CreateConsumer(createCtx, n.streamName(topic), jetstream.ConsumerConfig{
		FilterSubject:     filter,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	})
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, "bus", "Subscribe", "create consumer for "+topic)
	}

	sub := newSubscription(ctx, topic, pattern)
	prefix := n.topicSubject(topic) + "."
	stopReason := make(chan error, 1)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if sub.ctx.Err() != nil {
			_ = msg.Nak()
			return
		}
		key := strings.TrimPrefix(msg.Subject(), prefix)
		if !exact && !Match(pattern, key) {
			_ = msg.Ack()
			return
		}

		err := n.deliver(sub.ctx, h, msg.Data())
		switch {
		case err == nil:
			_ = msg.Ack()
			n.stats.recordDelivered(n.metrics, topic)
		case errors.Is(err, ErrStop):
			_ = msg.Ack()
			n.stats.recordDelivered(n.metrics, topic)
			select {
			case stopReason <- nil:
			default:
			}
			sub.cancel()
		default:
			_ = msg.Nak()
			n.stats.recordFailed(n.metrics, topic)
			n.logger.Warn("Handler failed, message will be redelivered",
				"topic", topic, "routing_key", key, "subscription", sub.id, "error", err)
		}
	})
	if err != nil {
		sub.cancel()
		n.dropConsumer(consumer, topic)
		return nil, errors.WrapTransient(err, "bus", "Subscribe", "start consumer for "+topic)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cc.Stop()
		sub.cancel()
		n.dropConsumer(consumer, topic)
		return nil, errors.WrapInvalid(errors.ErrClosed, "bus", "Subscribe", "check bus state")
	}
	n.subs[sub.id] = sub
	n.wg.Add(1)
	n.mu.Unlock()
	n.stats.recordSubscriptions(n.metrics, 1)
	n.logger.Debug("Subscribed", "topic", topic, "pattern", pattern, "filter", filter, "subscription", sub.id)

	go func() {
		defer n.wg.Done()
		<-sub.ctx.Done()
		cc.Stop()
		<-cc.Closed()
		n.dropConsumer(consumer, topic)

		n.mu.Lock()
		delete(n.subs, sub.id)
		n.mu.Unlock()
		n.stats.recordSubscriptions(n.metrics, -1)

		var reason error
		select {
		case reason = <-stopReason:
		default:
			reason = sub.cancelled()
		}
		sub.finish(reason)
	}()

	return sub, nil
}

func (n *NATS) deliver(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, payload)
}

func (n *NATS) dropConsumer(consumer jetstream.Consumer, topic string) {
	ctx, cancel := n.withTimeout(context.Background())
	defer cancel()
	name := consumer.CachedInfo().Name
	if err := n.client.DeleteConsumer(ctx, n.streamName(topic), name); err != nil {
		n.logger.Debug("Consumer cleanup failed, server will expire it", "consumer", name, "error", err)
	}
}

// Close stops every subscription, waits for their consumers to shut down and
// releases the connection through the close hook.
func (n *NATS) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		subs := make([]*Subscription, 0, len(n.subs))
		for _, s := range n.subs {
			subs = append(subs, s)
		}
		n.mu.Unlock()

		for _, s := range subs {
			s.Stop()
		}

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			n.closeErr = errors.WrapTransient(ctx.Err(), "bus", "Close", "wait for consumers")
		}

		if n.opts.onClose != nil {
			if err := n.opts.onClose(); err != nil && n.closeErr == nil {
				n.closeErr = err
			}
		}
	})
	return n.closeErr
}
