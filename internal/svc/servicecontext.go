// Package svc wires the performance components into one service context.
// Construction is cheap; background work (event dispatch, sweeps, resource
// sampling) starts only when Start is called.
package svc

import (
	"sync/atomic"

	"github.com/neboloop/pace/internal/config"
	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/lifecycle"
	"github.com/neboloop/pace/internal/logging"
	"github.com/neboloop/pace/internal/perf/cache"
	"github.com/neboloop/pace/internal/perf/eventlog"
	"github.com/neboloop/pace/internal/perf/lazy"
	"github.com/neboloop/pace/internal/perf/monitor"
	"github.com/neboloop/pace/internal/perf/resource"
	"github.com/neboloop/pace/internal/perf/throttle"
	"github.com/neboloop/pace/internal/sweep"
)

// ServiceContext holds every long-lived component plus the bus and sweeper
// that connect them. Batch processors are generic and live at their call
// sites; everything else is constructed once here.
type ServiceContext struct {
	Config config.Config

	Bus       *events.Bus
	Sweeper   *sweep.Runner
	Lifecycle *lifecycle.Manager

	Cache     *cache.Cache
	Resources *resource.Manager
	Monitor   *monitor.Monitor
	Lazy      *lazy.Loader
	Throttle  *throttle.Controller
	EventLog  *eventlog.Logger

	started atomic.Bool
}

// Stats aggregates every component's counters into one JSON-friendly bundle.
type Stats struct {
	Cache     cache.Stats                     `json:"cache"`
	Resources resource.Stats                  `json:"resources"`
	Monitor   monitor.Stats                   `json:"monitor"`
	Lazy      map[string]lazy.ComponentStatus `json:"lazy"`
	Throttle  throttle.DurationStats          `json:"throttle"`
	EventLog  eventlog.Stats                  `json:"event_log"`
}

// NewServiceContext builds the component graph from a loaded config.
func NewServiceContext(cfg config.Config) *ServiceContext {
	logger := logging.New("pace", cfg.LogLevel)
	bus := events.NewBus(events.WithLogger(logger))

	ctx := &ServiceContext{
		Config:    cfg,
		Bus:       bus,
		Sweeper:   sweep.NewRunner(logger),
		Lifecycle: lifecycle.NewManager(),
		Cache:     cache.New(cfg.CacheConfig(), logger, bus),
		Resources: resource.NewManager(cfg.ResourceConfig(), logger, bus),
		Monitor:   monitor.New(cfg.MonitorConfig(), logger, bus),
		Lazy:      lazy.New(cfg.LazyConfig(), logger, bus),
		Throttle:  throttle.New(cfg.ThrottleConfig(), logger, bus),
		EventLog:  eventlog.New(cfg.EventLogConfig()),
	}

	ctx.Lifecycle.BindThrottle(ctx.Throttle)
	ctx.Lifecycle.BindLog(ctx.EventLog)
	return ctx
}

// Start attaches the event log to the bus and kicks off the periodic sweeps.
// Calling it twice is a no-op.
func (s *ServiceContext) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.EventLog.AttachBus(s.Bus)

	if err := s.Sweeper.Register("cache-expired", s.Cache.SweepInterval(), func() {
		s.Cache.SweepExpired()
	}); err != nil {
		return err
	}
	if err := s.Sweeper.Register("resource-expired", s.Resources.SweepInterval(), func() {
		s.Resources.Sweep()
	}); err != nil {
		return err
	}
	if err := s.Sweeper.Register("resource-sample", s.Monitor.SampleInterval(), func() {
		s.Monitor.SampleResources()
	}); err != nil {
		return err
	}
	s.Sweeper.Start()
	s.Lifecycle.Emit(lifecycle.EventCoreStarted, nil)
	return nil
}

// Stop halts sweeps and closes the bus. Safe to call twice, but the context
// is not restartable afterwards.
func (s *ServiceContext) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.Lifecycle.Emit(lifecycle.EventShutdownStarted, nil)
	s.Sweeper.Stop()
	s.EventLog.DetachBus()
	s.Bus.Close()
	s.Lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
}

// GetStats snapshots every component.
func (s *ServiceContext) GetStats() Stats {
	return Stats{
		Cache:     s.Cache.GetStats(),
		Resources: s.Resources.GetStats(),
		Monitor:   s.Monitor.GetStats(),
		Lazy:      s.Lazy.Statuses(),
		Throttle:  s.Throttle.GetStats(),
		EventLog:  s.EventLog.GetStats(),
	}
}
