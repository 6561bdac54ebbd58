package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/pace/internal/events"
)

func newTestController(cfg Config) (*Controller, *time.Time) {
	c := New(cfg, nil, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

// invariant asserts the single rule everything else hangs off:
// throttled iff some throttle reason is active and no bypass is.
func invariant(t *testing.T, c *Controller) {
	t.Helper()
	st := c.GetState()
	want := len(st.ThrottleReasons) > 0 && len(st.BypassReasons) == 0
	if st.IsThrottled != want {
		t.Errorf("invariant broken: throttled=%v reasons=%v bypass=%v",
			st.IsThrottled, st.ThrottleReasons, st.BypassReasons)
	}
}

func TestThrottleInvariant(t *testing.T) {
	c, _ := newTestController(Config{})
	invariant(t, c)

	c.AddThrottleReason(ReasonWindowHidden)
	invariant(t, c)
	if !c.GetState().IsThrottled {
		t.Error("hidden window alone should throttle")
	}

	c.AddBypassReason(BypassUserInteraction)
	invariant(t, c)
	if c.GetState().IsThrottled {
		t.Error("bypass must always win")
	}

	c.RemoveBypassReason(BypassUserInteraction)
	invariant(t, c)
	if !c.GetState().IsThrottled {
		t.Error("removing the bypass restores throttling")
	}

	c.RemoveThrottleReason(ReasonWindowHidden)
	invariant(t, c)
	if c.GetState().IsThrottled {
		t.Error("no reasons, no throttle")
	}
}

func TestAgentSessionsRefcount(t *testing.T) {
	c, _ := newTestController(Config{
		AgentInterval:     time.Second,
		NormalInterval:    2 * time.Second,
		ThrottledInterval: 10 * time.Second,
	})

	c.AddThrottleReason(ReasonWindowHidden)
	if got := c.EffectiveInterval(); got != 10*time.Second {
		t.Errorf("throttled interval = %v, want 10s", got)
	}

	c.AgentRunStarted("s1")
	c.AgentRunStarted("s2")
	if got := c.EffectiveInterval(); got != time.Second {
		t.Errorf("any running session forces the agent interval, got %v", got)
	}

	// One session ends: still running, bypass holds.
	c.AgentRunEnded("s1")
	if !c.GetState().AgentRunning {
		t.Error("agent still running while the session set is non-empty")
	}
	if got := c.EffectiveInterval(); got != time.Second {
		t.Errorf("interval with one session left = %v, want 1s", got)
	}

	// Last session ends: prior throttle state is restored.
	c.AgentRunEnded("s2")
	if c.GetState().AgentRunning {
		t.Error("agent must stop when the set empties")
	}
	if !c.GetState().IsThrottled {
		t.Error("stopping the last session restores the throttled state")
	}
	if got := c.EffectiveInterval(); got != 10*time.Second {
		t.Errorf("interval after last session = %v, want 10s", got)
	}
	invariant(t, c)
}

func TestIntervalPrecedence(t *testing.T) {
	c, _ := newTestController(Config{
		AgentInterval:     time.Second,
		NormalInterval:    2 * time.Second,
		ThrottledInterval: 10 * time.Second,
		SuspendedInterval: time.Minute,
	})

	if got := c.EffectiveInterval(); got != 2*time.Second {
		t.Errorf("foreground = %v, want normal 2s", got)
	}

	c.AddThrottleReason(ReasonWindowBlurred)
	if got := c.EffectiveInterval(); got != 10*time.Second {
		t.Errorf("throttled = %v, want 10s", got)
	}

	c.HandleSystemSuspend()
	if got := c.EffectiveInterval(); got != time.Minute {
		t.Errorf("suspend beats plain throttled, got %v", got)
	}

	// Agent running beats everything, even suspend.
	c.AgentRunStarted("s1")
	if got := c.EffectiveInterval(); got != time.Second {
		t.Errorf("agent beats suspend, got %v", got)
	}
}

func TestSignalAdapters(t *testing.T) {
	c, _ := newTestController(Config{})

	c.HandleWindowHide()
	c.HandleWindowBlur()
	st := c.GetState()
	if st.WindowVisible || st.WindowFocused {
		t.Errorf("state after hide+blur: %+v", st)
	}
	// Focus carries the foreground bypass, so not throttled despite hidden.
	c.HandleWindowFocus()
	if c.GetState().IsThrottled {
		t.Error("focused window bypasses throttling")
	}
	c.HandleWindowBlur()
	if !c.GetState().IsThrottled {
		t.Error("hidden+blurred without bypass should throttle")
	}

	c.HandleWindowShow()
	c.HandleWindowRestore()
	c.HandleScreenLock()
	if got := c.GetState().SystemPowerState; got != "locked" {
		t.Errorf("power state = %q, want locked", got)
	}
	c.HandleScreenUnlock()
	c.HandlePowerSaving(true)
	c.HandlePowerSaving(false)
	invariant(t, c)
}

func TestDurationStats(t *testing.T) {
	c, now := newTestController(Config{})

	c.AddThrottleReason(ReasonIdle)
	*now = now.Add(10 * time.Second)
	c.RemoveThrottleReason(ReasonIdle)

	c.AddThrottleReason(ReasonIdle)
	*now = now.Add(30 * time.Second)
	c.RemoveThrottleReason(ReasonIdle)

	stats := c.GetStats()
	if stats.Activations != 2 {
		t.Errorf("activations = %d, want 2", stats.Activations)
	}
	if stats.LongestThrottled != 30*time.Second {
		t.Errorf("longest = %v, want 30s", stats.LongestThrottled)
	}
	if stats.AverageThrottled != 20*time.Second {
		t.Errorf("average = %v, want 20s", stats.AverageThrottled)
	}
}

func TestCriticalOperationAnomaly(t *testing.T) {
	bus := events.NewBus(events.WithSyncDelivery())
	defer bus.Close()

	var mu sync.Mutex
	var anomalies []TimingAnomalyEvent
	events.Subscribe(bus, events.TopicTimingAnomaly, func(_ context.Context, e TimingAnomalyEvent) error {
		mu.Lock()
		defer mu.Unlock()
		anomalies = append(anomalies, e)
		return nil
	})

	c := New(Config{AnomalyThreshold: time.Second}, nil, bus)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.AddCriticalOperation("fast-save")
	c.RemoveCriticalOperation("fast-save") // under threshold

	c.AddCriticalOperation("slow-index")
	now = now.Add(5 * time.Second)
	c.RemoveCriticalOperation("slow-index")

	c.RemoveCriticalOperation("never-added") // silent no-op

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(anomalies)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(anomalies) != 1 || anomalies[0].Operation != "slow-index" {
		t.Errorf("anomalies = %+v, want one for slow-index", anomalies)
	}
}

func TestCriticalOperationBypasses(t *testing.T) {
	c, _ := newTestController(Config{})

	c.AddThrottleReason(ReasonWindowHidden)
	c.AddCriticalOperation("migration")
	if c.GetState().IsThrottled {
		t.Error("critical operation must bypass throttling")
	}
	c.RemoveCriticalOperation("migration")
	if !c.GetState().IsThrottled {
		t.Error("throttle state returns once the span closes")
	}
}

func TestStateChangedEventOrdering(t *testing.T) {
	bus := events.NewBus(events.WithSyncDelivery())
	defer bus.Close()

	c := New(Config{}, nil, bus)

	// The handler observes the already-mutated state: the event fires
	// strictly after the change it reports.
	mismatch := make(chan bool, 8)
	events.Subscribe(bus, events.TopicThrottleStateChanged, func(_ context.Context, e StateChangedEvent) error {
		mismatch <- c.GetState().IsThrottled != e.IsThrottled
		return nil
	})

	check := func(toggle func()) {
		t.Helper()
		toggle()
		select {
		case bad := <-mismatch:
			if bad {
				t.Error("event delivered before the state mutation landed")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected a state-changed event")
		}
	}
	check(func() { c.AddThrottleReason(ReasonWindowHidden) })
	check(func() { c.RemoveThrottleReason(ReasonWindowHidden) })
}
