// Package kv defines the key-value store service: byte values with optional
// per-entry TTL and two compare-and-swap primitives used for locks and leases.
// An expired entry behaves exactly like an absent one on every operation.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/modkit/errors"
)

// NoExpiry stores an entry without a TTL.
const NoExpiry time.Duration = 0

// ErrNotFound is returned by Get and Delete for absent or expired keys.
var ErrNotFound = errors.ErrNotFound

// Store is the key-value service contract shared by all adapters.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value unconditionally. ttl == NoExpiry keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfNotExists stores value only when key is absent or expired and
	// reports whether it did.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	// DeleteIfValueMatches removes key only when its current value equals
	// expected and reports whether it did. Absent keys report false.
	DeleteIfValueMatches(ctx context.Context, key string, expected []byte) (bool, error)
	// Exists reports whether key holds a live entry.
	Exists(ctx context.Context, key string) (bool, error)
	// Close releases the adapter's resources.
	Close() error
}

// TTLFromSeconds converts a configured TTL in whole seconds. Zero means NoExpiry.
func TTLFromSeconds(seconds int) (time.Duration, error) {
	if seconds < 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("ttl %d is negative", seconds), "kv", "TTLFromSeconds", "validate ttl")
	}
	return time.Duration(seconds) * time.Second, nil
}

func validateKey(method, key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "kv", method, "validate empty key")
	}
	return nil
}

func validateTTL(method string, ttl time.Duration) error {
	if ttl < 0 {
		return errors.WrapInvalid(fmt.Errorf("ttl %v is negative", ttl), "kv", method, "validate ttl")
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
