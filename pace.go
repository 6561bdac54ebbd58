// Package pace is a performance governance core for long-running interactive
// agent applications: a typed TTL cache, resource budgets with rate windows,
// request batching, operation timing, lazy component loading, and host-signal
// driven throttling, all reporting through one event bus.
package pace

import (
	"github.com/neboloop/pace/internal/config"
	"github.com/neboloop/pace/internal/svc"
)

// Config is the YAML-backed configuration document.
type Config = config.Config

// Core bundles every performance component. See internal/svc for the wiring.
type Core = svc.ServiceContext

// New builds a core from a loaded config. Call Start to begin sweeps and
// event delivery, Stop to shut down.
func New(cfg Config) *Core {
	return svc.NewServiceContext(cfg)
}

// LoadConfig reads a YAML config file with environment variable expansion.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// LoadConfigBytes parses YAML config bytes with environment variable
// expansion.
func LoadConfigBytes(data []byte) (Config, error) {
	return config.LoadFromBytes(data)
}
