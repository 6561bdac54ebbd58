package monitor

import (
	"testing"
	"time"
)

func newTestMonitor(cfg Config) (*Monitor, *time.Time) {
	m := New(cfg, nil, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestOperationTiming(t *testing.T) {
	m, now := newTestMonitor(Config{})

	id := m.StartOperation("llm-call", map[string]any{"model": "fast"})
	*now = now.Add(250 * time.Millisecond)

	d, ok := m.EndOperation(id)
	if !ok {
		t.Fatal("known operation must end")
	}
	if d != 250*time.Millisecond {
		t.Errorf("duration = %v, want 250ms", d)
	}

	p, ok := m.GetPercentiles("llm-call")
	if !ok || p.Count != 1 || p.Min != 250*time.Millisecond {
		t.Errorf("percentiles = %+v", p)
	}
}

func TestUnknownOperationIsNoOp(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	if _, ok := m.EndOperation("bogus"); ok {
		t.Error("unknown ID must return false")
	}
	m.StartPhase("bogus", "x") // must not panic
	m.EndPhase("bogus", "x")

	if st := m.GetStats(); st.InFlight != 0 || len(st.Operations) != 0 {
		t.Errorf("no-op calls must leave no trace: %+v", st)
	}
}

func TestPhases(t *testing.T) {
	m, now := newTestMonitor(Config{})

	id := m.StartOperation("tool-call", nil)
	m.StartPhase(id, "resolve")
	*now = now.Add(10 * time.Millisecond)
	m.EndPhase(id, "resolve")
	m.EndPhase(id, "never-started") // silent no-op
	m.EndOperation(id)
}

func TestPercentileIndexing(t *testing.T) {
	m, now := newTestMonitor(Config{})

	// 100 samples: 1ms..100ms.
	for i := 1; i <= 100; i++ {
		id := m.StartOperation("op", nil)
		*now = now.Add(time.Duration(i) * time.Millisecond)
		m.EndOperation(id)
		*now = now.Add(time.Minute) // separation between ops is irrelevant
	}

	p, ok := m.GetPercentiles("op")
	if !ok {
		t.Fatal("expected percentiles")
	}
	// floor(p/100*100) indexes into the zero-based sorted slice.
	if p.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", p.P50)
	}
	if p.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", p.P99)
	}
	if p.Min != time.Millisecond || p.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", p.Min, p.Max)
	}
	if p.Mean != 50500*time.Microsecond {
		t.Errorf("mean = %v, want 50.5ms", p.Mean)
	}
}

func TestSampleRingIsCapped(t *testing.T) {
	m, now := newTestMonitor(Config{MaxSamplesPerOp: 5})

	for i := 0; i < 20; i++ {
		id := m.StartOperation("op", nil)
		*now = now.Add(time.Millisecond)
		m.EndOperation(id)
	}

	p, _ := m.GetPercentiles("op")
	if p.Count != 5 {
		t.Errorf("sample count = %d, want cap of 5", p.Count)
	}
}

func TestSlowOperationCounted(t *testing.T) {
	m, now := newTestMonitor(Config{SlowOpThreshold: 100 * time.Millisecond})

	fast := m.StartOperation("op", nil)
	*now = now.Add(10 * time.Millisecond)
	m.EndOperation(fast)

	slow := m.StartOperation("op", nil)
	*now = now.Add(500 * time.Millisecond)
	m.EndOperation(slow)

	if got := m.GetStats().SlowOpCount; got != 1 {
		t.Errorf("slow op count = %d, want 1", got)
	}
}

func TestThroughputWindow(t *testing.T) {
	m, now := newTestMonitor(Config{ThroughputWindow: time.Minute})

	m.RecordEvent(EventTokens, 300)
	m.RecordEvent(EventTokens, 300)
	if got := m.Throughput(EventTokens); got != 10 {
		t.Errorf("tokens/sec = %v, want 10", got)
	}

	// Old buckets fall off the window cutoff.
	*now = now.Add(2 * time.Minute)
	if got := m.Throughput(EventTokens); got != 0 {
		t.Errorf("tokens/sec after window = %v, want 0", got)
	}
}

func TestSampleResources(t *testing.T) {
	m, now := newTestMonitor(Config{MaxSnapshots: 3})

	first := m.SampleResources()
	if first.HeapBytes == 0 {
		t.Error("heap bytes should be nonzero")
	}
	if first.CPUPercent != 0 {
		t.Error("first sample has no CPU delta to compute")
	}

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		m.SampleResources()
	}
	if got := len(m.GetStats().Snapshots); got != 3 {
		t.Errorf("snapshot ring = %d entries, want cap of 3", got)
	}
}

func TestReset(t *testing.T) {
	m, _ := newTestMonitor(Config{})
	id := m.StartOperation("op", nil)
	m.EndOperation(id)
	m.RecordEvent("calls", 1)

	m.Reset()
	st := m.GetStats()
	if len(st.Operations) != 0 || len(st.Throughput) != 0 || st.InFlight != 0 {
		t.Errorf("reset left state: %+v", st)
	}
}
