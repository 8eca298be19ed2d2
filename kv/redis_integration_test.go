//go:build integration

package kv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type RedisStoreSuite struct {
	suite.Suite
	container testcontainers.Container
	url       string
	store     *Redis
	ctx       context.Context
	seq       int
}

func (s *RedisStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(s.ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(s.ctx, "6379")
	s.Require().NoError(err)
	s.url = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func (s *RedisStoreSuite) TearDownSuite() {
	_ = s.container.Terminate(s.ctx)
}

func (s *RedisStoreSuite) SetupTest() {
	s.seq++
	store, err := NewRedis(s.ctx, RedisConfig{
		URL:     s.url,
		Prefix:  fmt.Sprintf("test%d:", s.seq),
		Timeout: 2 * time.Second,
	})
	s.Require().NoError(err)
	s.store = store
}

func (s *RedisStoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *RedisStoreSuite) TestRoundTrip() {
	s.Require().NoError(s.store.Set(s.ctx, "user:1", []byte("alice"), NoExpiry))

	v, err := s.store.Get(s.ctx, "user:1")
	s.Require().NoError(err)
	s.Equal([]byte("alice"), v)

	exists, err := s.store.Exists(s.ctx, "user:1")
	s.Require().NoError(err)
	s.True(exists)

	s.Require().NoError(s.store.Delete(s.ctx, "user:1"))
	_, err = s.store.Get(s.ctx, "user:1")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.Delete(s.ctx, "user:1"), ErrNotFound)
	s.Equal(int64(1), s.store.Stats().Hits())
}

func (s *RedisStoreSuite) TestExpiry() {
	s.Require().NoError(s.store.Set(s.ctx, "session", []byte("x"), 150*time.Millisecond))

	s.Eventually(func() bool {
		_, err := s.store.Get(s.ctx, "session")
		return err == ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)

	created, err := s.store.SetIfNotExists(s.ctx, "session", []byte("y"), NoExpiry)
	s.Require().NoError(err)
	s.True(created, "an expired key is free")
}

func (s *RedisStoreSuite) TestSetIfNotExists_OneWinner() {
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.store.SetIfNotExists(s.ctx, "lock", []byte(fmt.Sprintf("owner-%d", i)), time.Minute)
			s.NoError(err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *RedisStoreSuite) TestDeleteIfValueMatches() {
	s.Require().NoError(s.store.Set(s.ctx, "lock", []byte("owner-a"), time.Minute))

	deleted, err := s.store.DeleteIfValueMatches(s.ctx, "lock", []byte("owner-b"))
	s.Require().NoError(err)
	s.False(deleted)

	deleted, err = s.store.DeleteIfValueMatches(s.ctx, "lock", []byte("owner-a"))
	s.Require().NoError(err)
	s.True(deleted)

	deleted, err = s.store.DeleteIfValueMatches(s.ctx, "lock", []byte("owner-a"))
	s.Require().NoError(err)
	s.False(deleted, "absent key reports false")
}

func (s *RedisStoreSuite) TestPrefixIsolation() {
	other, err := NewRedis(s.ctx, RedisConfig{URL: s.url, Prefix: "other:"})
	s.Require().NoError(err)
	defer other.Close()

	s.Require().NoError(s.store.Set(s.ctx, "shared", []byte("mine"), NoExpiry))
	exists, err := other.Exists(s.ctx, "shared")
	s.Require().NoError(err)
	s.False(exists)
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}
