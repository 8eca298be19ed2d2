package kv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/natsclient"
	"github.com/c360/modkit/pkg/retry"
)

// NATSConfig configures the NATS KV adapter
type NATSConfig struct {
	URL      string
	Bucket   string
	Timeout  time.Duration
	Replicas int
}

// Validate checks the configuration without touching the network
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "kv", "NATSConfig", "validate url")
	}
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "kv", "NATSConfig", "validate bucket")
	}
	if c.Timeout < 0 || c.Replicas < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "kv", "NATSConfig", "validate timeout and replicas")
	}
	return nil
}

// envelope is the stored representation. NATS KV has no per-key TTL, so the
// expiry travels with the value as a wall-clock instant.
type envelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix nanoseconds, 0 means no expiry
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// errExpiredRace marks a conditional write that lost to a concurrent change
// while replacing an expired entry.
var errExpiredRace = errors.New("kv: entry changed during conditional write")

// NATS is a Store backed by a JetStream KV bucket.
type NATS struct {
	store   *natsclient.KVStore
	opts    storeOptions
	logger  *slog.Logger
	stats   *Statistics
	metrics *storeMetrics
	retry   retry.Config

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*NATS)(nil)

// NewNATS opens (creating if needed) the configured bucket on client.
func NewNATS(ctx context.Context, client *natsclient.Client, cfg NATSConfig, opts ...Option) (*NATS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Replicas: cfg.Replicas,
		History:  1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv", "NewNATS", "open bucket "+cfg.Bucket)
	}

	var metrics *storeMetrics
	if o.metrics != nil {
		metrics, err = newStoreMetrics(o.metrics, o.name, "nats")
		if err != nil {
			return nil, errors.WrapTransient(err, "kv", "NewNATS", "metrics registration")
		}
	}

	logger := o.logger.With("component", "kv", "store", o.name, "adapter", "nats")
	return &NATS{
		store: natsclient.NewKVStore(bucket, logger, func(ko *natsclient.KVOptions) {
			if cfg.Timeout > 0 {
				ko.Timeout = cfg.Timeout
			}
		}),
		opts:    o,
		logger:  logger,
		stats:   &Statistics{},
		metrics: metrics,
		retry:   retry.Quick(),
	}, nil
}

// Stats returns store statistics
func (n *NATS) Stats() *Statistics {
	return n.stats
}

// encodeKey maps arbitrary keys onto the NATS key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NATS) wrap(value []byte, ttl time.Duration) ([]byte, error) {
	env := envelope{Value: clone(value)}
	if ttl != NoExpiry {
		env.ExpiresAt = n.opts.now().Add(ttl).UnixNano()
	}
	return json.Marshal(env)
}

// load returns the live envelope and its revision, or ErrNotFound.
func (n *NATS) load(ctx context.Context, method, key string) (envelope, uint64, error) {
	entry, err := n.store.Get(ctx, encodeKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return envelope{}, 0, ErrNotFound
		}
		return envelope{}, 0, errors.Wrap(err, "kv", method, "read entry")
	}

	var env envelope
	if err := json.Unmarshal(entry.Value, &env); err != nil {
		return envelope{}, 0, errors.WrapFatal(errors.ErrDataCorrupted, "kv", method, "decode entry")
	}
	if env.expired(n.opts.now()) {
		n.stats.expirations.Add(1)
		n.metrics.recordExpired(1)
		// Purge only the revision we saw; a newer write wins.
		if err := n.store.DeleteRevision(ctx, encodeKey(key), entry.Revision); err != nil &&
			!natsclient.IsKVConflictError(err) && !natsclient.IsKVNotFoundError(err) {
			n.logger.Debug("Purge of expired entry failed", "error", err)
		}
		return envelope{}, entry.Revision, ErrNotFound
	}
	return env, entry.Revision, nil
}

// Get returns the value under key or ErrNotFound
func (n *NATS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey("Get", key); err != nil {
		return nil, err
	}

	env, _, err := n.load(ctx, "Get", key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			n.stats.misses.Add(1)
			n.metrics.record("get", "miss")
		}
		return nil, err
	}
	n.stats.hits.Add(1)
	n.metrics.record("get", "hit")
	return clone(env.Value), nil
}

// Set stores value under key
func (n *NATS) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey("Set", key); err != nil {
		return err
	}
	if err := validateTTL("Set", ttl); err != nil {
		return err
	}

	data, err := n.wrap(value, ttl)
	if err != nil {
		return errors.WrapInvalid(err, "kv", "Set", "encode entry")
	}
	if _, err := n.store.Put(ctx, encodeKey(key), data); err != nil {
		n.metrics.record("set", "error")
		return errors.Wrap(err, "kv", "Set", "write entry")
	}
	n.stats.sets.Add(1)
	n.metrics.record("set", "ok")
	return nil
}

// SetIfNotExists stores value only when key holds no live entry. Creation of
// an absent key and replacement of an expired one are both revision-checked,
// so exactly one of several concurrent callers wins.
func (n *NATS) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateKey("SetIfNotExists", key); err != nil {
		return false, err
	}
	if err := validateTTL("SetIfNotExists", ttl); err != nil {
		return false, err
	}

	data, err := n.wrap(value, ttl)
	if err != nil {
		return false, errors.WrapInvalid(err, "kv", "SetIfNotExists", "encode entry")
	}
	encoded := encodeKey(key)

	cfg := n.retry
	cfg.RetryIf = func(err error) bool { return errors.Is(err, errExpiredRace) }

	created, err := retry.DoWithResult(ctx, cfg, func() (bool, error) {
		_, err := n.store.Create(ctx, encoded, data)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, natsclient.ErrKVKeyExists) {
			return false, err
		}

		entry, err := n.store.Get(ctx, encoded)
		if natsclient.IsKVNotFoundError(err) {
			// Deleted between Create and Get.
			return false, errExpiredRace
		}
		if err != nil {
			return false, err
		}
		var env envelope
		if json.Unmarshal(entry.Value, &env) == nil && !env.expired(n.opts.now()) {
			return false, nil
		}

		if _, err := n.store.Update(ctx, encoded, data, entry.Revision); err != nil {
			if errors.Is(err, natsclient.ErrKVRevisionMismatch) {
				return false, errExpiredRace
			}
			return false, err
		}
		return true, nil
	})
	if errors.Is(err, errExpiredRace) {
		// Contention never settled; another writer holds the key.
		err = nil
	}
	if err != nil {
		n.metrics.record("set_if_not_exists", "error")
		return false, errors.Wrap(err, "kv", "SetIfNotExists", "conditional write")
	}
	if !created {
		n.stats.conflicts.Add(1)
		n.metrics.record("set_if_not_exists", "exists")
		return false, nil
	}
	n.stats.sets.Add(1)
	n.metrics.record("set_if_not_exists", "ok")
	return true, nil
}

// Delete removes key or returns ErrNotFound
func (n *NATS) Delete(ctx context.Context, key string) error {
	if err := validateKey("Delete", key); err != nil {
		return err
	}

	if _, _, err := n.load(ctx, "Delete", key); err != nil {
		if errors.Is(err, ErrNotFound) {
			n.metrics.record("delete", "miss")
		}
		return err
	}
	if err := n.store.Delete(ctx, encodeKey(key)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return ErrNotFound
		}
		return errors.Wrap(err, "kv", "Delete", "delete entry")
	}
	n.stats.deletes.Add(1)
	n.metrics.record("delete", "ok")
	return nil
}

// DeleteIfValueMatches removes key only when its value equals expected. The
// delete is conditional on the revision that was compared; if the key moved
// on in between, the comparison is repeated against the new value.
func (n *NATS) DeleteIfValueMatches(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := validateKey("DeleteIfValueMatches", key); err != nil {
		return false, err
	}

	cfg := n.retry
	cfg.RetryIf = func(err error) bool { return errors.Is(err, natsclient.ErrKVRevisionMismatch) }

	deleted, err := retry.DoWithResult(ctx, cfg, func() (bool, error) {
		env, rev, err := n.load(ctx, "DeleteIfValueMatches", key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !bytes.Equal(env.Value, expected) {
			return false, nil
		}
		if err := n.store.DeleteRevision(ctx, encodeKey(key), rev); err != nil {
			if natsclient.IsKVNotFoundError(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
	if err != nil {
		n.metrics.record("delete_if_value_matches", "error")
		return false, errors.Wrap(err, "kv", "DeleteIfValueMatches", "conditional delete")
	}
	if !deleted {
		n.stats.conflicts.Add(1)
		n.metrics.record("delete_if_value_matches", "mismatch")
		return false, nil
	}
	n.stats.deletes.Add(1)
	n.metrics.record("delete_if_value_matches", "ok")
	return true, nil
}

// Exists reports whether key holds a live entry
func (n *NATS) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey("Exists", key); err != nil {
		return false, err
	}
	_, _, err := n.load(ctx, "Exists", key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Close runs the release hook once. The bucket itself is left in place.
func (n *NATS) Close() error {
	n.closeOnce.Do(func() {
		if n.opts.onClose != nil {
			n.closeErr = n.opts.onClose()
		}
	})
	return n.closeErr
}
