package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/modkit/errors"
)

// Kind tags how a cached value is encoded
type Kind string

// Supported value kinds
const (
	KindBytes  Kind = "bytes"
	KindString Kind = "string"
	KindJSON   Kind = "json"
)

// Func is the function being memoized
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// KeyFunc builds the cache key from fully resolved arguments. Equal arguments
// must produce equal keys.
type KeyFunc[A any] func(args A) (string, error)

// Defaulter is implemented by argument types that fill in their own defaults.
type Defaulter[A any] interface {
	WithDefaults() A
}

// JSONKey hashes the JSON encoding of the arguments. Struct field order makes
// the encoding deterministic; maps are encoded with sorted keys.
func JSONKey[A any]() KeyFunc[A] {
	return func(args A) (string, error) {
		data, err := json.Marshal(args)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
}

type storedEntry struct {
	Kind Kind   `json:"kind"`
	Data []byte `json:"data"`
}

// Memoizer caches the results of one function
type Memoizer[A, R any] struct {
	backend  *Backend
	name     string
	fn       Func[A, R]
	key      KeyFunc[A]
	defaults func(A) A
	ttl      time.Duration
	hasTTL   bool
	kind     Kind
}

// MemoOption configures a Memoizer
type MemoOption[A, R any] func(*Memoizer[A, R])

// WithDefaults resolves omitted arguments before the key is built, so a call
// relying on a default and one passing it explicitly share an entry.
func WithDefaults[A, R any](fn func(A) A) MemoOption[A, R] {
	return func(m *Memoizer[A, R]) { m.defaults = fn }
}

// WithEntryTTL overrides the backend's TTL for this function
func WithEntryTTL[A, R any](ttl time.Duration) MemoOption[A, R] {
	return func(m *Memoizer[A, R]) {
		m.ttl = ttl
		m.hasTTL = true
	}
}

// Memoize wraps fn with a cache on backend. name separates the key spaces of
// different functions.
func Memoize[A, R any](backend *Backend, name string, key KeyFunc[A], fn Func[A, R], opts ...MemoOption[A, R]) (*Memoizer[A, R], error) {
	if backend == nil || fn == nil || key == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "cache", "Memoize", "validate arguments")
	}
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "cache", "Memoize", "validate name")
	}

	m := &Memoizer[A, R]{
		backend: backend,
		name:    name,
		fn:      fn,
		key:     key,
		ttl:     backend.ttl,
		kind:    kindOf[R](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Memoize", "validate negative ttl")
	}
	return m, nil
}

func kindOf[R any]() Kind {
	var zero R
	switch any(zero).(type) {
	case []byte:
		return KindBytes
	case string:
		return KindString
	default:
		return KindJSON
	}
}

type callOptions struct {
	forceRefresh bool
}

// CallOption modifies a single Call
type CallOption func(*callOptions)

// ForceRefresh skips the cache read; the result is recomputed and overwrites
// any stored entry.
func ForceRefresh() CallOption {
	return func(o *callOptions) { o.forceRefresh = true }
}

// Call returns the cached result for args or computes and stores it. Storage
// failures never fail the call: a failed read is a miss, a failed write is
// logged. Concurrent misses on the same key may each compute.
func (m *Memoizer[A, R]) Call(ctx context.Context, args A, opts ...CallOption) (R, error) {
	var zero R
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	resolved := m.resolve(args)
	argKey, err := m.key(resolved)
	if err != nil {
		m.backend.recordError(m.name)
		return zero, errors.WrapInvalid(err, "cache", "Call", "build key for "+m.name)
	}
	key := m.backend.prefix + m.name + ":" + argKey

	if co.forceRefresh {
		m.backend.recordRefresh(m.name)
	} else if value, ok := m.read(ctx, key); ok {
		m.backend.recordHit(m.name)
		return value, nil
	} else {
		m.backend.recordMiss(m.name)
	}

	value, err := m.fn(ctx, resolved)
	if err != nil {
		return zero, err
	}
	m.write(ctx, key, value)
	return value, nil
}

func (m *Memoizer[A, R]) resolve(args A) A {
	if d, ok := any(args).(Defaulter[A]); ok {
		args = d.WithDefaults()
	}
	if m.defaults != nil {
		args = m.defaults(args)
	}
	return args
}

func (m *Memoizer[A, R]) read(ctx context.Context, key string) (R, bool) {
	var zero R
	raw, err := m.backend.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			m.backend.recordError(m.name)
			m.backend.logger.Warn("Cache read failed, recomputing", "function", m.name, "error", err)
		}
		return zero, false
	}

	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Kind != m.kind {
		m.backend.logger.Debug("Discarding unreadable cache entry", "function", m.name, "key", key)
		return zero, false
	}

	value, err := decode[R](entry)
	if err != nil {
		m.backend.logger.Debug("Discarding undecodable cache entry", "function", m.name, "error", err)
		return zero, false
	}
	return value, true
}

func (m *Memoizer[A, R]) write(ctx context.Context, key string, value R) {
	data, err := encode(m.kind, value)
	if err == nil {
		var raw []byte
		raw, err = json.Marshal(storedEntry{Kind: m.kind, Data: data})
		if err == nil {
			err = m.backend.store.Set(ctx, key, raw, m.ttl)
		}
	}
	if err != nil {
		m.backend.recordError(m.name)
		m.backend.logger.Warn("Cache write failed", "function", m.name, "error", err)
		return
	}
	m.backend.recordSet(m.name)
}

func encode[R any](kind Kind, value R) ([]byte, error) {
	switch v := any(value).(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	if kind != KindJSON {
		return nil, fmt.Errorf("value of kind %s is not %T", kind, value)
	}
	return json.Marshal(value)
}

func decode[R any](entry storedEntry) (R, error) {
	var out R
	switch p := any(&out).(type) {
	case *[]byte:
		*p = entry.Data
	case *string:
		*p = string(entry.Data)
	default:
		if err := json.Unmarshal(entry.Data, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}
