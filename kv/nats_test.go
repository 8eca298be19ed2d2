package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/errors"
)

func TestNATSConfig_Validate(t *testing.T) {
	assert.NoError(t, NATSConfig{URL: "nats://localhost:4222", Bucket: "modkit"}.Validate())

	err := NATSConfig{Bucket: "modkit"}.Validate()
	assert.True(t, errors.IsInvalid(err))

	err = NATSConfig{URL: "nats://localhost:4222"}.Validate()
	assert.True(t, errors.IsInvalid(err))

	err = NATSConfig{URL: "nats://x", Bucket: "b", Replicas: -1}.Validate()
	assert.True(t, errors.IsInvalid(err))
}

func TestEncodeKey(t *testing.T) {
	// NATS keys may not contain spaces, '*', '>' or start with '.'.
	encoded := encodeKey("user:42 *session>")
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, encoded)
	assert.NotEqual(t, encodeKey("a"), encodeKey("b"))
}

func TestEnvelopeExpiry(t *testing.T) {
	now := time.Unix(100, 0)
	assert.False(t, envelope{}.expired(now))
	assert.False(t, envelope{ExpiresAt: now.Add(time.Second).UnixNano()}.expired(now))
	assert.True(t, envelope{ExpiresAt: now.UnixNano()}.expired(now))
}

func TestNATS_WrapCarriesExpiry(t *testing.T) {
	clock := newFakeClock()
	n := &NATS{opts: storeOptions{now: clock.Now}}

	data, err := n.wrap([]byte("v"), 3*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"exp":`)

	data, err = n.wrap([]byte("v"), NoExpiry)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"exp"`)
}
