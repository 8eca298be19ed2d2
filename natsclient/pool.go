package natsclient

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/metric"
	"github.com/c360/modkit/pkg/retry"
)

// Pool shares one Client per server URL between the adapters of a single
// composition. Acquire connects on first use; the connection is closed when the
// last holder releases it. Connection options take effect only on the Acquire
// that dials.
type Pool struct {
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	retry   retry.Config

	mu      sync.Mutex
	clients map[string]*pooled

	watchMu  sync.Mutex
	watchers map[string]map[uint64]func(healthy bool)
	nextID   uint64
}

type pooled struct {
	client *Client
	refs   int
}

// NewPool creates an empty pool
func NewPool(logger *slog.Logger, metrics *metric.MetricsRegistry) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:   logger,
		metrics:  metrics,
		retry:    retry.DefaultConfig(),
		clients:  make(map[string]*pooled),
		watchers: make(map[string]map[uint64]func(bool)),
	}
}

// Acquire returns a connected client for url. Each successful Acquire must be
// paired with a Release.
func (p *Pool) Acquire(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.clients[url]; ok {
		entry.refs++
		return entry.client, nil
	}

	opts = append([]ClientOption{WithLogger(p.logger), WithMetrics(p.metrics)}, opts...)
	opts = append(opts, WithHealthChangeCallback(func(healthy bool) { p.notify(url, healthy) }))
	client, err := NewClient(url, opts...)
	if err != nil {
		return nil, err
	}

	// Held across connect: one dial per URL.
	err = retry.Do(ctx, p.retry, func() error {
		err := client.Connect(ctx)
		if errors.Is(err, ErrCircuitOpen) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrap(err, "Pool", "Acquire", "connect to "+url)
	}

	p.clients[url] = &pooled{client: client, refs: 1}
	return client, nil
}

// Watch calls fn whenever the connection to url goes down or comes back.
// The returned function stops the notifications.
func (p *Pool) Watch(url string, fn func(healthy bool)) func() {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()

	p.nextID++
	id := p.nextID
	if p.watchers[url] == nil {
		p.watchers[url] = make(map[uint64]func(bool))
	}
	p.watchers[url][id] = fn

	return func() {
		p.watchMu.Lock()
		defer p.watchMu.Unlock()
		delete(p.watchers[url], id)
		if len(p.watchers[url]) == 0 {
			delete(p.watchers, url)
		}
	}
}

func (p *Pool) notify(url string, healthy bool) {
	p.watchMu.Lock()
	fns := make([]func(bool), 0, len(p.watchers[url]))
	for _, fn := range p.watchers[url] {
		fns = append(fns, fn)
	}
	p.watchMu.Unlock()

	if !healthy {
		p.logger.Warn("NATS connection unhealthy", "url", url, "watchers", len(fns))
	}
	for _, fn := range fns {
		fn(healthy)
	}
}

// Release drops one reference to the client for url and closes it when none remain.
func (p *Pool) Release(ctx context.Context, url string) error {
	p.mu.Lock()
	entry, ok := p.clients[url]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.clients, url)
	p.mu.Unlock()

	return entry.client.Close(ctx)
}

// Size returns the number of open connections
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled connection regardless of reference counts.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*pooled)
	p.mu.Unlock()

	var errs []error
	for _, entry := range clients {
		if err := entry.client.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
