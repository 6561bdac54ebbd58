package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log_level: debug
cache:
  max_items: 500
  max_bytes: 1048576
  default_ttl: 2m
  sweep_interval: 10s
  ttl_by_type:
    llm-response: 30m
  limits_by_type:
    file-content:
      max_items: 50
      max_bytes: 262144
resources:
  max_cpu_percent: 50
  tokens_per_window: 90000
  window: 60s
batch:
  max_batch_size: 25
  max_wait: 250ms
monitor:
  slow_op_threshold: 750ms
lazy:
  timeout: 5s
  concurrency: 2
throttle:
  agent_interval: 250ms
  suspended_interval: 5m
event_log:
  max_entries: 200
`

func TestLoadFromBytes(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)

	cc := cfg.CacheConfig()
	assert.Equal(t, 500, cc.MaxItems)
	assert.Equal(t, int64(1048576), cc.MaxBytes)
	assert.Equal(t, 2*time.Minute, cc.DefaultTTL)
	assert.Equal(t, 30*time.Minute, cc.TTLByType["llm-response"])
	require.Contains(t, cc.LimitsByType, "file-content")
	assert.Equal(t, 50, cc.LimitsByType["file-content"].MaxItems)

	rc := cfg.ResourceConfig()
	assert.Equal(t, float64(50), rc.MaxCPUPercent)
	assert.Equal(t, int64(90000), rc.TokensPerWindow)
	assert.Equal(t, time.Minute, rc.Window)

	bc := cfg.BatchConfig()
	assert.Equal(t, 25, bc.MaxBatchSize)
	assert.Equal(t, 250*time.Millisecond, bc.MaxWait)

	assert.Equal(t, 750*time.Millisecond, cfg.MonitorConfig().SlowOpThreshold)
	assert.Equal(t, 2, cfg.LazyConfig().Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.ThrottleConfig().AgentInterval)
	assert.Equal(t, 200, cfg.EventLogConfig().MaxEntries)
}

func TestLoadFromBytesEmptyDocument(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(""))
	require.NoError(t, err)

	// Everything stays at zero so component defaults apply downstream.
	assert.Zero(t, cfg.CacheConfig().MaxItems)
	assert.Zero(t, cfg.ThrottleConfig().AgentInterval)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("PACE_TEST_TTL", "90s")
	cfg, err := LoadFromBytes([]byte("cache:\n  default_ttl: ${PACE_TEST_TTL}\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.CacheConfig().DefaultTTL)
}

func TestBadDuration(t *testing.T) {
	_, err := LoadFromBytes([]byte("lazy:\n  timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.CacheConfig().MaxItems)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
