package svc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/pace/internal/config"
	"github.com/neboloop/pace/internal/lifecycle"
	"github.com/neboloop/pace/internal/perf/cache"
	"github.com/neboloop/pace/internal/perf/lazy"
)

func newTestContext(t *testing.T) *ServiceContext {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte("log_level: error\n"))
	require.NoError(t, err)
	return NewServiceContext(cfg)
}

func TestStartStopIdempotent(t *testing.T) {
	s := newTestContext(t)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	jobs := s.Sweeper.Jobs()
	assert.Len(t, jobs, 3)

	s.Stop()
	s.Stop()
}

func TestComponentsShareTheBus(t *testing.T) {
	s := newTestContext(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	// A cache write should surface in the event log through the bus.
	s.Cache.Set(cache.Key{Type: cache.TypeFileContent, ID: "a.txt"}, "hello", cache.SetOptions{})

	deadline := time.After(2 * time.Second)
	for s.EventLog.GetStats().Total == 0 {
		select {
		case <-deadline:
			t.Fatal("cache set never reached the event log")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLifecycleDrivesThrottle(t *testing.T) {
	s := newTestContext(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	s.Lifecycle.Emit(lifecycle.EventWindowHide, nil)
	assert.True(t, s.Throttle.GetState().IsThrottled)

	s.Lifecycle.Emit(lifecycle.EventAgentRunStart, lifecycle.AgentRunData{SessionID: "sess-1"})
	assert.False(t, s.Throttle.GetState().IsThrottled)
	s.Lifecycle.Emit(lifecycle.EventAgentRunComplete, lifecycle.AgentRunData{SessionID: "sess-1"})

	// Host signals land in the event log via the lifecycle binding.
	assert.NotEmpty(t, s.EventLog.BySession("sess-1"))
}

func TestGetStatsMarshalsToJSON(t *testing.T) {
	s := newTestContext(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	s.Cache.Set(cache.Key{Type: cache.TypeToolResult, ID: "t1"}, 42, cache.SetOptions{})
	s.Lazy.Register("store", func(ctx context.Context) (any, error) { return "db", nil }, lazy.RegisterOptions{})
	_, err := s.Lazy.Load(context.Background(), "store")
	require.NoError(t, err)

	stats := s.GetStats()
	assert.Equal(t, 1, stats.Cache.Items)
	assert.Contains(t, stats.Lazy, "store")

	raw, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "cache")
}
