// Package throttle derives the core's effective operating cadence from
// host-machine signals (window visibility, power state) and agent activity.
// Throttle reasons slow background work down; bypass reasons win
// unconditionally and restore full cadence.
package throttle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/logging"
)

// Reason is one condition pushing the controller toward throttling or away
// from it.
type Reason string

// Throttle reasons.
const (
	ReasonWindowHidden    Reason = "window-hidden"
	ReasonWindowBlurred   Reason = "window-blurred"
	ReasonWindowMinimized Reason = "window-minimized"
	ReasonSystemSuspend   Reason = "system-suspend"
	ReasonPowerSaving     Reason = "power-saving"
	ReasonIdle            Reason = "idle"
)

// Bypass reasons.
const (
	BypassAgentRunning      Reason = "agent-running"
	BypassCriticalOperation Reason = "critical-operation"
	BypassUserInteraction   Reason = "user-interaction"
	BypassForeground        Reason = "foreground"
)

// Config holds the cadence tiers and the anomaly threshold for critical
// operation spans. Zero values default.
type Config struct {
	AgentInterval     time.Duration // fastest: an agent run is active
	NormalInterval    time.Duration // foreground default
	ThrottledInterval time.Duration // backgrounded
	SuspendedInterval time.Duration // slowest: system suspended
	AnomalyThreshold  time.Duration
}

const (
	defaultAgentInterval     = 500 * time.Millisecond
	defaultNormalInterval    = 2 * time.Second
	defaultThrottledInterval = 15 * time.Second
	defaultSuspendedInterval = 2 * time.Minute
	defaultAnomalyThreshold  = 30 * time.Second
)

// State is the externally visible throttle state. Readers get deep copies;
// mutation happens only through Controller methods.
type State struct {
	IsThrottled      bool
	ThrottleReasons  []Reason
	BypassReasons    []Reason
	AgentRunning     bool
	RunningSessions  []string
	WindowVisible    bool
	WindowFocused    bool
	SystemPowerState string // "active", "suspended", "locked"
	LastStateChange  time.Time
}

// DurationStats aggregates time spent throttled.
type DurationStats struct {
	Activations      int64
	LongestThrottled time.Duration
	AverageThrottled time.Duration
	TotalThrottled   time.Duration
}

// StateChangedEvent is the payload for throttle.state_changed events.
type StateChangedEvent struct {
	IsThrottled     bool
	ThrottleReasons []Reason
	BypassReasons   []Reason
}

// TimingAnomalyEvent is the payload for throttle.timing_anomaly events.
type TimingAnomalyEvent struct {
	Operation  string
	DurationMs int64
}

// Controller maintains the single process-wide throttle state.
// Safe for concurrent use.
type Controller struct {
	mu              sync.Mutex
	cfg             Config
	throttleReasons map[Reason]struct{}
	bypassReasons   map[Reason]struct{}
	sessions        map[string]struct{}
	criticalOps     map[string]time.Time

	isThrottled      bool
	windowVisible    bool
	windowFocused    bool
	systemPowerState string
	lastStateChange  time.Time

	throttledSince time.Time
	stats          DurationStats

	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// New creates a controller in the foreground (unthrottled) state.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Controller {
	if cfg.AgentInterval <= 0 {
		cfg.AgentInterval = defaultAgentInterval
	}
	if cfg.NormalInterval <= 0 {
		cfg.NormalInterval = defaultNormalInterval
	}
	if cfg.ThrottledInterval <= 0 {
		cfg.ThrottledInterval = defaultThrottledInterval
	}
	if cfg.SuspendedInterval <= 0 {
		cfg.SuspendedInterval = defaultSuspendedInterval
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = defaultAnomalyThreshold
	}
	now := time.Now
	return &Controller{
		cfg:              cfg,
		throttleReasons:  make(map[Reason]struct{}),
		bypassReasons:    make(map[Reason]struct{}),
		sessions:         make(map[string]struct{}),
		criticalOps:      make(map[string]time.Time),
		windowVisible:    true,
		windowFocused:    true,
		systemPowerState: "active",
		lastStateChange:  now(),
		logger:           logging.Or(logger),
		bus:              bus,
		now:              now,
	}
}

// AddThrottleReason toggles a throttle reason on and recomputes the state.
func (c *Controller) AddThrottleReason(r Reason) {
	c.mu.Lock()
	c.throttleReasons[r] = struct{}{}
	c.recomputeLocked()
}

// RemoveThrottleReason toggles a throttle reason off.
func (c *Controller) RemoveThrottleReason(r Reason) {
	c.mu.Lock()
	delete(c.throttleReasons, r)
	c.recomputeLocked()
}

// AddBypassReason toggles a bypass reason on. Bypass always wins over any
// number of active throttle reasons.
func (c *Controller) AddBypassReason(r Reason) {
	c.mu.Lock()
	c.bypassReasons[r] = struct{}{}
	c.recomputeLocked()
}

// RemoveBypassReason toggles a bypass reason off.
func (c *Controller) RemoveBypassReason(r Reason) {
	c.mu.Lock()
	delete(c.bypassReasons, r)
	c.recomputeLocked()
}

// AgentRunStarted refcounts an agent session. The first active session
// raises the agent-running bypass.
func (c *Controller) AgentRunStarted(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.bypassReasons[BypassAgentRunning] = struct{}{}
	c.recomputeLocked()
}

// AgentRunEnded removes a session; the bypass drops only when the set
// empties, restoring whatever throttle state the reasons imply.
func (c *Controller) AgentRunEnded(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	if len(c.sessions) == 0 {
		delete(c.bypassReasons, BypassAgentRunning)
	}
	c.recomputeLocked()
}

// EffectiveInterval applies strict precedence:
// agent-running (fastest) > system-suspended (slowest) > throttled (slow) >
// foreground (normal).
func (c *Controller) EffectiveInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) > 0 {
		return c.cfg.AgentInterval
	}
	if _, ok := c.throttleReasons[ReasonSystemSuspend]; ok {
		return c.cfg.SuspendedInterval
	}
	if c.isThrottled {
		return c.cfg.ThrottledInterval
	}
	return c.cfg.NormalInterval
}

// AddCriticalOperation opens a bypass span for a named operation.
func (c *Controller) AddCriticalOperation(name string) {
	c.mu.Lock()
	c.criticalOps[name] = c.now()
	c.bypassReasons[BypassCriticalOperation] = struct{}{}
	c.recomputeLocked()
}

// RemoveCriticalOperation closes the span. A span exceeding the anomaly
// threshold is reported regardless of throttle state; it never fails.
func (c *Controller) RemoveCriticalOperation(name string) {
	c.mu.Lock()
	started, known := c.criticalOps[name]
	delete(c.criticalOps, name)
	if len(c.criticalOps) == 0 {
		delete(c.bypassReasons, BypassCriticalOperation)
	}
	var duration time.Duration
	if known {
		duration = c.now().Sub(started)
	}
	anomalous := known && duration >= c.cfg.AnomalyThreshold
	c.recomputeLocked()

	if anomalous {
		c.logger.Warn("critical operation overran threshold", "operation", name, "duration_ms", duration.Milliseconds())
		c.publish(events.TopicTimingAnomaly, TimingAnomalyEvent{Operation: name, DurationMs: duration.Milliseconds()})
	}
}

// GetState returns a deep-copied snapshot.
func (c *Controller) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		IsThrottled:      c.isThrottled,
		ThrottleReasons:  reasonsOf(c.throttleReasons),
		BypassReasons:    reasonsOf(c.bypassReasons),
		AgentRunning:     len(c.sessions) > 0,
		RunningSessions:  keysOf(c.sessions),
		WindowVisible:    c.windowVisible,
		WindowFocused:    c.windowFocused,
		SystemPowerState: c.systemPowerState,
		LastStateChange:  c.lastStateChange,
	}
}

// GetStats returns throttled-duration statistics.
func (c *Controller) GetStats() DurationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	if c.isThrottled && !c.throttledSince.IsZero() {
		// Include the open span so live reads are not misleading.
		open := c.now().Sub(c.throttledSince)
		stats.TotalThrottled += open
		if open > stats.LongestThrottled {
			stats.LongestThrottled = open
		}
	}
	if stats.Activations > 0 {
		stats.AverageThrottled = stats.TotalThrottled / time.Duration(stats.Activations)
	}
	return stats
}

// Reset restores the initial foreground state. For tests.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttleReasons = make(map[Reason]struct{})
	c.bypassReasons = make(map[Reason]struct{})
	c.sessions = make(map[string]struct{})
	c.criticalOps = make(map[string]time.Time)
	c.isThrottled = false
	c.windowVisible = true
	c.windowFocused = true
	c.systemPowerState = "active"
	c.throttledSince = time.Time{}
	c.stats = DurationStats{}
}

// recomputeLocked re-derives isThrottled and, on a transition, updates the
// duration stats and fires the state-changed event strictly after the
// mutation. It releases c.mu.
func (c *Controller) recomputeLocked() {
	next := len(c.throttleReasons) > 0 && len(c.bypassReasons) == 0
	if next == c.isThrottled {
		c.mu.Unlock()
		return
	}

	now := c.now()
	c.isThrottled = next
	c.lastStateChange = now
	if next {
		c.throttledSince = now
		c.stats.Activations++
	} else if !c.throttledSince.IsZero() {
		span := now.Sub(c.throttledSince)
		c.stats.TotalThrottled += span
		if span > c.stats.LongestThrottled {
			c.stats.LongestThrottled = span
		}
		c.throttledSince = time.Time{}
	}

	evt := StateChangedEvent{
		IsThrottled:     next,
		ThrottleReasons: reasonsOf(c.throttleReasons),
		BypassReasons:   reasonsOf(c.bypassReasons),
	}
	c.mu.Unlock()

	c.logger.Debug("throttle state changed", "throttled", next)
	c.publish(events.TopicThrottleStateChanged, evt)
}

func (c *Controller) publish(topic string, payload any) {
	if c.bus == nil {
		return
	}
	_ = events.Publish(c.bus, topic, payload)
}

func reasonsOf(set map[Reason]struct{}) []Reason {
	out := make([]Reason, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
