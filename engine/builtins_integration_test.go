//go:build integration

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/modkit/health"
	"github.com/c360/modkit/kv"
	"github.com/c360/modkit/natsclient"
	"github.com/c360/modkit/types"
)

type NATSAdaptersSuite struct {
	suite.Suite
	tc  *natsclient.TestClient
	ctx context.Context
	seq int
}

func (s *NATSAdaptersSuite) SetupSuite() {
	tc, err := natsclient.NewSharedTestClient(natsclient.WithJetStream())
	s.Require().NoError(err)
	s.tc = tc
	s.ctx = context.Background()
}

func (s *NATSAdaptersSuite) TearDownSuite() {
	_ = s.tc.Terminate()
}

func (s *NATSAdaptersSuite) raw(format string, args ...any) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(format, args...))
}

func (s *NATSAdaptersSuite) TestBusAndKVShareOneConnection() {
	s.seq++
	modules := NewModuleRegistry()
	adapters := NewAdapterRegistry()
	s.Require().NoError(RegisterBuiltins(adapters))

	var deps ModuleDeps
	s.Require().NoError(modules.Register(Registration{
		Name:         "app",
		Dependencies: Dependencies{Services: []ServiceType{ServiceBus, ServiceKV}},
		Factory: func(d ModuleDeps) (Module, error) {
			deps = d
			return &testModule{name: "app", log: &eventLog{}}, nil
		},
	}))

	pool := natsclient.NewPool(quietLogger(), nil)
	defer pool.Close(s.ctx)

	e, err := New(Options{
		Modules:  modules,
		Adapters: adapters,
		Services: types.ServiceConfigs{
			"bus": {Adapter: "nats", Config: s.raw(
				`{"url": %q, "stream_prefix": "ENGINE%d", "subject_prefix": "engine%d"}`, s.tc.URL, s.seq, s.seq)},
			"kv": {Adapter: "nats", Config: s.raw(`{"url": %q, "bucket": "engine_%d"}`, s.tc.URL, s.seq)},
		},
		Logger:   quietLogger(),
		NATSPool: pool,
	})
	s.Require().NoError(err)
	s.Require().NoError(e.Load(s.ctx, "app"))
	s.Equal(1, pool.Size())

	store, err := deps.Services.KV()
	s.Require().NoError(err)
	created, err := store.SetIfNotExists(s.ctx, "lock", []byte("me"), kv.NoExpiry)
	s.Require().NoError(err)
	s.True(created)

	b, err := deps.Services.Bus()
	s.Require().NoError(err)
	received := make(chan []byte, 1)
	_, err = b.Subscribe(s.ctx, "system", "#", func(_ context.Context, payload []byte) error {
		received <- payload
		return nil
	})
	s.Require().NoError(err)
	s.Require().NoError(b.Publish(s.ctx, "system", "system.ping", []byte("pong")))

	select {
	case got := <-received:
		s.Equal("pong", string(got))
	case <-time.After(5 * time.Second):
		s.Fail("message not delivered")
	}

	s.Require().NoError(e.Close(s.ctx))
	s.Equal(0, pool.Size(), "closing the services releases the pooled connection")
}

func TestNATSAdaptersSuite(t *testing.T) {
	suite.Run(t, new(NATSAdaptersSuite))
}

func TestNATSAdapters_DisconnectDegradesService(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	modules := NewModuleRegistry()
	adapters := NewAdapterRegistry()
	require.NoError(t, RegisterBuiltins(adapters))
	require.NoError(t, modules.Register(Registration{
		Name:         "app",
		Dependencies: Dependencies{Services: []ServiceType{ServiceKV}},
		Factory: func(ModuleDeps) (Module, error) {
			return &testModule{name: "app", log: &eventLog{}}, nil
		},
	}))

	pool := natsclient.NewPool(quietLogger(), nil)
	defer pool.Close(ctx)

	e, err := New(Options{
		Modules:  modules,
		Adapters: adapters,
		Services: types.ServiceConfigs{
			"kv": {Adapter: "nats", Config: json.RawMessage(fmt.Sprintf(
				`{"url": %q, "bucket": "health", "ping_interval": "1s", "reconnect_wait": "100ms", "drain_timeout": "1s"}`, tc.URL))},
		},
		Logger:   quietLogger(),
		NATSPool: pool,
	})
	require.NoError(t, err)
	defer e.Close(ctx)
	require.NoError(t, e.Load(ctx, "app"))
	require.True(t, e.Health().Healthy())

	require.NoError(t, tc.Terminate())

	require.Eventually(t, func() bool {
		for _, d := range e.Health().Details {
			if d.Name == "service/kv" {
				return d.State == health.StateDegraded
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "a lost connection degrades service/kv")
}
