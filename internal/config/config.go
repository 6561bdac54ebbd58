// Package config loads the performance core's YAML configuration with
// environment variable expansion. Every field is optional; zero values fall
// through to the component defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/pace/internal/perf/batch"
	"github.com/neboloop/pace/internal/perf/cache"
	"github.com/neboloop/pace/internal/perf/eventlog"
	"github.com/neboloop/pace/internal/perf/lazy"
	"github.com/neboloop/pace/internal/perf/monitor"
	"github.com/neboloop/pace/internal/perf/resource"
	"github.com/neboloop/pace/internal/perf/throttle"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full YAML document.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Cache struct {
		MaxItems      int                 `yaml:"max_items"`
		MaxBytes      int64               `yaml:"max_bytes"`
		DefaultTTL    Duration            `yaml:"default_ttl"`
		SweepInterval Duration            `yaml:"sweep_interval"`
		TTLByType     map[string]Duration `yaml:"ttl_by_type"`
		LimitsByType  map[string]struct {
			MaxItems int   `yaml:"max_items"`
			MaxBytes int64 `yaml:"max_bytes"`
		} `yaml:"limits_by_type"`
	} `yaml:"cache"`

	Resources struct {
		MaxCPUPercent     float64  `yaml:"max_cpu_percent"`
		MaxTokensMin      float64  `yaml:"max_tokens_min"`
		MaxAPICallsMin    float64  `yaml:"max_api_calls_min"`
		MaxConnections    float64  `yaml:"max_connections"`
		TokensPerWindow   int64    `yaml:"tokens_per_window"`
		APICallsPerWindow int64    `yaml:"api_calls_per_window"`
		Window            Duration `yaml:"window"`
		SweepInterval     Duration `yaml:"sweep_interval"`
	} `yaml:"resources"`

	Batch struct {
		MaxBatchSize int      `yaml:"max_batch_size"`
		MinBatchSize int      `yaml:"min_batch_size"`
		MaxWait      Duration `yaml:"max_wait"`
		BatchTimeout Duration `yaml:"batch_timeout"`
	} `yaml:"batch"`

	Monitor struct {
		MaxSamplesPerOp  int      `yaml:"max_samples_per_op"`
		ThroughputWindow Duration `yaml:"throughput_window"`
		SlowOpThreshold  Duration `yaml:"slow_op_threshold"`
		MaxSnapshots     int      `yaml:"max_snapshots"`
		SnapshotMaxAge   Duration `yaml:"snapshot_max_age"`
		SampleInterval   Duration `yaml:"sample_interval"`
	} `yaml:"monitor"`

	Lazy struct {
		Timeout     Duration `yaml:"timeout"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"lazy"`

	Throttle struct {
		AgentInterval     Duration `yaml:"agent_interval"`
		NormalInterval    Duration `yaml:"normal_interval"`
		ThrottledInterval Duration `yaml:"throttled_interval"`
		SuspendedInterval Duration `yaml:"suspended_interval"`
		AnomalyThreshold  Duration `yaml:"anomaly_threshold"`
	} `yaml:"throttle"`

	EventLog struct {
		MaxEntries int `yaml:"max_entries"`
	} `yaml:"event_log"`
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment first.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes with environment variable
// expansion.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// CacheConfig maps the document onto the cache's config.
func (c Config) CacheConfig() cache.Config {
	out := cache.Config{
		MaxItems:      c.Cache.MaxItems,
		MaxBytes:      c.Cache.MaxBytes,
		DefaultTTL:    time.Duration(c.Cache.DefaultTTL),
		SweepInterval: time.Duration(c.Cache.SweepInterval),
	}
	if len(c.Cache.TTLByType) > 0 {
		out.TTLByType = make(map[string]time.Duration, len(c.Cache.TTLByType))
		for typ, ttl := range c.Cache.TTLByType {
			out.TTLByType[typ] = time.Duration(ttl)
		}
	}
	if len(c.Cache.LimitsByType) > 0 {
		out.LimitsByType = make(map[string]cache.TypeLimit, len(c.Cache.LimitsByType))
		for typ, lim := range c.Cache.LimitsByType {
			out.LimitsByType[typ] = cache.TypeLimit{MaxItems: lim.MaxItems, MaxBytes: lim.MaxBytes}
		}
	}
	return out
}

// ResourceConfig maps the document onto the resource manager's config.
func (c Config) ResourceConfig() resource.Config {
	return resource.Config{
		MaxCPUPercent:     c.Resources.MaxCPUPercent,
		MaxTokensMin:      c.Resources.MaxTokensMin,
		MaxAPICallsMin:    c.Resources.MaxAPICallsMin,
		MaxConnections:    c.Resources.MaxConnections,
		TokensPerWindow:   c.Resources.TokensPerWindow,
		APICallsPerWindow: c.Resources.APICallsPerWindow,
		Window:            time.Duration(c.Resources.Window),
		SweepInterval:     time.Duration(c.Resources.SweepInterval),
	}
}

// BatchConfig maps the document onto the batch processor's config.
func (c Config) BatchConfig() batch.Config {
	return batch.Config{
		MaxBatchSize: c.Batch.MaxBatchSize,
		MinBatchSize: c.Batch.MinBatchSize,
		MaxWait:      time.Duration(c.Batch.MaxWait),
		BatchTimeout: time.Duration(c.Batch.BatchTimeout),
	}
}

// MonitorConfig maps the document onto the monitor's config.
func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		MaxSamplesPerOp:  c.Monitor.MaxSamplesPerOp,
		ThroughputWindow: time.Duration(c.Monitor.ThroughputWindow),
		SlowOpThreshold:  time.Duration(c.Monitor.SlowOpThreshold),
		MaxSnapshots:     c.Monitor.MaxSnapshots,
		SnapshotMaxAge:   time.Duration(c.Monitor.SnapshotMaxAge),
		SampleInterval:   time.Duration(c.Monitor.SampleInterval),
	}
}

// LazyConfig maps the document onto the lazy loader's config.
func (c Config) LazyConfig() lazy.Config {
	return lazy.Config{
		Timeout:     time.Duration(c.Lazy.Timeout),
		Concurrency: c.Lazy.Concurrency,
	}
}

// ThrottleConfig maps the document onto the throttle controller's config.
func (c Config) ThrottleConfig() throttle.Config {
	return throttle.Config{
		AgentInterval:     time.Duration(c.Throttle.AgentInterval),
		NormalInterval:    time.Duration(c.Throttle.NormalInterval),
		ThrottledInterval: time.Duration(c.Throttle.ThrottledInterval),
		SuspendedInterval: time.Duration(c.Throttle.SuspendedInterval),
		AnomalyThreshold:  time.Duration(c.Throttle.AnomalyThreshold),
	}
}

// EventLogConfig maps the document onto the event log's config.
func (c Config) EventLogConfig() eventlog.Config {
	return eventlog.Config{MaxEntries: c.EventLog.MaxEntries}
}
