package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/c360/modkit/errors"
)

// RedisConfig configures the Redis adapter
type RedisConfig struct {
	URL     string        // redis://[user:password@]host:port/db
	Prefix  string        // Prepended to every key
	Timeout time.Duration // Per-operation timeout, 0 uses the client defaults
}

// Validate checks the configuration without touching the network
func (c RedisConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "kv", "RedisConfig", "validate url")
	}
	if _, err := redis.ParseURL(c.URL); err != nil {
		return errors.WrapInvalid(err, "kv", "RedisConfig", "parse url")
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "kv", "RedisConfig", "validate timeout")
	}
	return nil
}

// deleteIfEquals compares and deletes in one server-side step.
var deleteIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Store backed by a Redis server. TTLs map onto native key
// expiry, so expired entries are never returned by the server.
type Redis struct {
	client  *redis.Client
	cfg     RedisConfig
	opts    storeOptions
	logger  *slog.Logger
	stats   *Statistics
	metrics *storeMetrics

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*Redis)(nil)

// NewRedis connects to the configured server and verifies it answers PING.
func NewRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "kv", "NewRedis", "parse url")
	}
	if cfg.Timeout > 0 {
		clientOpts.DialTimeout = cfg.Timeout
		clientOpts.ReadTimeout = cfg.Timeout
		clientOpts.WriteTimeout = cfg.Timeout
	}
	client := redis.NewClient(clientOpts)

	r := &Redis{
		client: client,
		cfg:    cfg,
		opts:   o,
		logger: o.logger.With("component", "kv", "store", o.name, "adapter", "redis"),
		stats:  &Statistics{},
	}

	pingCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "kv", "NewRedis", "ping "+clientOpts.Addr)
	}

	if o.metrics != nil {
		r.metrics, err = newStoreMetrics(o.metrics, o.name, "redis")
		if err != nil {
			_ = client.Close()
			return nil, errors.WrapTransient(err, "kv", "NewRedis", "metrics registration")
		}
	}
	r.logger.Debug("Connected to redis", "addr", clientOpts.Addr, "db", clientOpts.DB)
	return r, nil
}

// Stats returns store statistics
func (r *Redis) Stats() *Statistics {
	return r.stats
}

func (r *Redis) key(key string) string {
	return r.cfg.Prefix + key
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, r.cfg.Timeout)
	}
	return ctx, func() {}
}

// Get returns the value under key or ErrNotFound
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey("Get", key); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.stats.misses.Add(1)
		r.metrics.record("get", "miss")
		return nil, ErrNotFound
	}
	if err != nil {
		r.metrics.record("get", "error")
		return nil, errors.WrapTransient(err, "kv", "Get", "read entry")
	}
	r.stats.hits.Add(1)
	r.metrics.record("get", "hit")
	return clone(value), nil
}

// Set stores value under key
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey("Set", key); err != nil {
		return err
	}
	if err := validateTTL("Set", ttl); err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), clone(value), ttl).Err(); err != nil {
		r.metrics.record("set", "error")
		return errors.WrapTransient(err, "kv", "Set", "write entry")
	}
	r.stats.sets.Add(1)
	r.metrics.record("set", "ok")
	return nil
}

// SetIfNotExists stores value only when key holds no live entry (SET NX)
func (r *Redis) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateKey("SetIfNotExists", key); err != nil {
		return false, err
	}
	if err := validateTTL("SetIfNotExists", ttl); err != nil {
		return false, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	created, err := r.client.SetNX(ctx, r.key(key), clone(value), ttl).Result()
	if err != nil {
		r.metrics.record("set_if_not_exists", "error")
		return false, errors.WrapTransient(err, "kv", "SetIfNotExists", "conditional write")
	}
	if !created {
		r.stats.conflicts.Add(1)
		r.metrics.record("set_if_not_exists", "exists")
		return false, nil
	}
	r.stats.sets.Add(1)
	r.metrics.record("set_if_not_exists", "ok")
	return true, nil
}

// Delete removes key or returns ErrNotFound
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := validateKey("Delete", key); err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		r.metrics.record("delete", "error")
		return errors.WrapTransient(err, "kv", "Delete", "delete entry")
	}
	if n == 0 {
		r.metrics.record("delete", "miss")
		return ErrNotFound
	}
	r.stats.deletes.Add(1)
	r.metrics.record("delete", "ok")
	return nil
}

// DeleteIfValueMatches removes key only when its value equals expected
func (r *Redis) DeleteIfValueMatches(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := validateKey("DeleteIfValueMatches", key); err != nil {
		return false, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := deleteIfEquals.Run(ctx, r.client, []string{r.key(key)}, expected).Int64()
	if err != nil {
		r.metrics.record("delete_if_value_matches", "error")
		return false, errors.WrapTransient(err, "kv", "DeleteIfValueMatches", "conditional delete")
	}
	if n == 0 {
		r.stats.conflicts.Add(1)
		r.metrics.record("delete_if_value_matches", "mismatch")
		return false, nil
	}
	r.stats.deletes.Add(1)
	r.metrics.record("delete_if_value_matches", "ok")
	return true, nil
}

// Exists reports whether key holds a live entry
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey("Exists", key); err != nil {
		return false, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, errors.WrapTransient(err, "kv", "Exists", "check entry")
	}
	return n > 0, nil
}

// Close closes the client and runs the release hook once
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			r.closeErr = errors.Wrap(err, "kv", "Close", "close client")
		}
		if r.opts.onClose != nil {
			if err := r.opts.onClose(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}
