//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PoolSharesConnection(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := NewPool(nil, nil)
	a, err := pool.Acquire(ctx, tc.URL)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, tc.URL)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, pool.Size())

	changes := make(chan bool, 4)
	stop := pool.Watch(tc.URL, func(healthy bool) { changes <- healthy })
	defer stop()

	require.NoError(t, pool.Release(ctx, tc.URL))
	assert.True(t, a.IsHealthy())
	require.NoError(t, pool.Release(ctx, tc.URL))
	assert.Equal(t, 0, pool.Size())
	assert.False(t, a.IsHealthy())

	select {
	case healthy := <-changes:
		assert.False(t, healthy, "closing the last reference reports the connection down")
	case <-time.After(5 * time.Second):
		t.Fatal("no health change after the connection closed")
	}
}

func TestIntegration_KVStoreRevisions(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, kvConfig("revisions"))
	require.NoError(t, err)
	store := NewKVStore(bucket, nil)

	rev, err := store.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	_, err = store.Create(ctx, "k", []byte("v2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = store.Update(ctx, "k", []byte("v2"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	rev2, err := store.Update(ctx, "k", []byte("v2"), rev)
	require.NoError(t, err)

	assert.ErrorIs(t, store.DeleteRevision(ctx, "k", rev), ErrKVRevisionMismatch)
	require.NoError(t, store.DeleteRevision(ctx, "k", rev2))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	// A deleted key can be created again.
	_, err = store.Create(ctx, "k", []byte("v3"))
	require.NoError(t, err)
}
