// Package monitor does pure bookkeeping of operation timing, latency
// percentiles, throughput, and coarse process resource usage. Timing is
// advisory: calls referencing unknown operation IDs are silent no-ops and
// nothing in here ever fails the measured operation.
package monitor

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/logging"
)

// Config tunes the monitor. Zero values default.
type Config struct {
	MaxSamplesPerOp  int
	ThroughputWindow time.Duration
	SlowOpThreshold  time.Duration
	MaxSnapshots     int
	SnapshotMaxAge   time.Duration
	SampleInterval   time.Duration
}

const (
	defaultMaxSamplesPerOp  = 100
	defaultThroughputWindow = time.Minute
	defaultSlowOpThreshold  = time.Second
	defaultMaxSnapshots     = 120
	defaultSnapshotMaxAge   = 10 * time.Minute
	defaultSampleInterval   = 15 * time.Second
)

// EventTokens is the throughput event type for model tokens.
const EventTokens = "tokens"

// Phase is one named span inside an operation.
type Phase struct {
	StartedAt time.Time
	EndedAt   time.Time
}

// Operation is an in-flight timing record, ephemeral per operation.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time
	Phases    map[string]*Phase
	Metadata  map[string]any
}

// Percentiles summarizes the recorded samples for one operation name.
type Percentiles struct {
	P50, P75, P90, P95, P99 time.Duration
	Min, Max, Mean          time.Duration
	Count                   int
}

// Snapshot is one coarse resource sample.
type Snapshot struct {
	TakenAt    time.Time
	HeapBytes  uint64
	SysBytes   uint64
	RSSBytes   int64
	CPUPercent float64
}

// SlowOperationEvent is the payload for monitor.slow_operation events.
type SlowOperationEvent struct {
	Name       string
	DurationMs int64
	Metadata   map[string]any
}

// Stats is a deep-copied snapshot of all bookkeeping.
type Stats struct {
	InFlight    int
	Operations  map[string]Percentiles
	Throughput  map[string]float64
	Snapshots   []Snapshot
	SlowOpCount int64
}

type throughputBucket struct {
	at    time.Time
	count int64
}

// Monitor records timings and resource samples. Safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	cfg        Config
	inFlight   map[string]*Operation
	samples    map[string][]time.Duration
	buckets    map[string][]throughputBucket
	snapshots  []Snapshot
	slowOps    int64
	prevCPU    time.Duration
	prevSample time.Time

	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// New creates a monitor. Bus may be nil.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Monitor {
	if cfg.MaxSamplesPerOp <= 0 {
		cfg.MaxSamplesPerOp = defaultMaxSamplesPerOp
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = defaultThroughputWindow
	}
	if cfg.SlowOpThreshold <= 0 {
		cfg.SlowOpThreshold = defaultSlowOpThreshold
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = defaultMaxSnapshots
	}
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = defaultSnapshotMaxAge
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	return &Monitor{
		cfg:      cfg,
		inFlight: make(map[string]*Operation),
		samples:  make(map[string][]time.Duration),
		buckets:  make(map[string][]throughputBucket),
		logger:   logging.Or(logger),
		bus:      bus,
		now:      time.Now,
	}
}

// SampleInterval reports how often SampleResources should run.
func (m *Monitor) SampleInterval() time.Duration {
	return m.cfg.SampleInterval
}

// StartOperation opens a timing record and returns its ID.
func (m *Monitor) StartOperation(name string, metadata map[string]any) string {
	op := &Operation{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: m.now(),
		Phases:    make(map[string]*Phase),
		Metadata:  metadata,
	}
	m.mu.Lock()
	m.inFlight[op.ID] = op
	m.mu.Unlock()
	return op.ID
}

// StartPhase opens a named phase on an in-flight operation.
// Unknown IDs are no-ops.
func (m *Monitor) StartPhase(id, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.inFlight[id]
	if !ok {
		return
	}
	op.Phases[phase] = &Phase{StartedAt: m.now()}
}

// EndPhase closes a named phase. Unknown IDs or phases are no-ops.
func (m *Monitor) EndPhase(id, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.inFlight[id]
	if !ok {
		return
	}
	ph, ok := op.Phases[phase]
	if !ok || !ph.EndedAt.IsZero() {
		return
	}
	ph.EndedAt = m.now()
}

// EndOperation closes the record, stores its duration sample, and reports
// the duration. Unknown IDs return (0, false) without any side effect.
func (m *Monitor) EndOperation(id string) (time.Duration, bool) {
	m.mu.Lock()
	op, ok := m.inFlight[id]
	if !ok {
		m.mu.Unlock()
		return 0, false
	}
	delete(m.inFlight, id)

	duration := m.now().Sub(op.StartedAt)
	ring := append(m.samples[op.Name], duration)
	if len(ring) > m.cfg.MaxSamplesPerOp {
		ring = ring[len(ring)-m.cfg.MaxSamplesPerOp:]
	}
	m.samples[op.Name] = ring

	slow := duration >= m.cfg.SlowOpThreshold
	if slow {
		m.slowOps++
	}
	m.mu.Unlock()

	if slow {
		m.logger.Warn("slow operation", "name", op.Name, "duration_ms", duration.Milliseconds())
		if m.bus != nil {
			_ = events.Publish(m.bus, events.TopicSlowOperation, SlowOperationEvent{
				Name:       op.Name,
				DurationMs: duration.Milliseconds(),
				Metadata:   op.Metadata,
			})
		}
	}
	return duration, true
}

// GetPercentiles computes latency percentiles for an operation name by
// sorting the sample ring and indexing at floor(p/100*count).
func (m *Monitor) GetPercentiles(name string) (Percentiles, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return percentilesLocked(m.samples[name])
}

func percentilesLocked(samples []time.Duration) (Percentiles, bool) {
	if len(samples) == 0 {
		return Percentiles{}, false
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(p int) time.Duration {
		idx := p * len(sorted) / 100
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return Percentiles{
		P50:   at(50),
		P75:   at(75),
		P90:   at(90),
		P95:   at(95),
		P99:   at(99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  total / time.Duration(len(sorted)),
		Count: len(sorted),
	}, true
}

// RecordEvent counts n occurrences of a throughput event type now.
func (m *Monitor) RecordEvent(eventType string, n int64) {
	if n <= 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[eventType] = append(m.pruneBucketsLocked(eventType, now), throughputBucket{at: now, count: n})
}

// Throughput returns events/sec for a type over the rolling window.
func (m *Monitor) Throughput(eventType string) float64 {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := m.pruneBucketsLocked(eventType, now)
	m.buckets[eventType] = buckets

	var total int64
	for _, b := range buckets {
		total += b.count
	}
	return float64(total) / m.cfg.ThroughputWindow.Seconds()
}

// pruneBucketsLocked drops entries older than the window cutoff.
func (m *Monitor) pruneBucketsLocked(eventType string, now time.Time) []throughputBucket {
	cutoff := now.Add(-m.cfg.ThroughputWindow)
	buckets := m.buckets[eventType]
	i := 0
	for i < len(buckets) && buckets[i].at.Before(cutoff) {
		i++
	}
	return buckets[i:]
}

// SampleResources takes one coarse resource snapshot: heap and sys from the
// runtime, RSS and cumulative CPU time from the OS. CPU%% is the delta of
// process CPU time over elapsed wall time since the previous sample.
// Registered with the shared sweep runner.
func (m *Monitor) SampleResources() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	cpuTime, rss := sampleRusage()
	now := m.now()

	m.mu.Lock()
	snap := Snapshot{
		TakenAt:   now,
		HeapBytes: ms.HeapAlloc,
		SysBytes:  ms.Sys,
		RSSBytes:  rss,
	}
	if !m.prevSample.IsZero() {
		wall := now.Sub(m.prevSample)
		if wall > 0 && cpuTime >= m.prevCPU {
			snap.CPUPercent = 100 * float64(cpuTime-m.prevCPU) / float64(wall)
		}
	}
	m.prevCPU = cpuTime
	m.prevSample = now

	m.snapshots = append(m.snapshots, snap)
	m.trimSnapshotsLocked(now)
	m.mu.Unlock()

	if m.bus != nil {
		_ = events.Publish(m.bus, events.TopicResourceSample, snap)
	}
	return snap
}

func (m *Monitor) trimSnapshotsLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.SnapshotMaxAge)
	i := 0
	for i < len(m.snapshots) && m.snapshots[i].TakenAt.Before(cutoff) {
		i++
	}
	m.snapshots = m.snapshots[i:]
	if len(m.snapshots) > m.cfg.MaxSnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-m.cfg.MaxSnapshots:]
	}
}

// GetStats returns a deep-copied snapshot of everything recorded.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := make(map[string]Percentiles, len(m.samples))
	for name, samples := range m.samples {
		if p, ok := percentilesLocked(samples); ok {
			ops[name] = p
		}
	}

	now := m.now()
	throughput := make(map[string]float64, len(m.buckets))
	for eventType := range m.buckets {
		buckets := m.pruneBucketsLocked(eventType, now)
		m.buckets[eventType] = buckets
		var total int64
		for _, b := range buckets {
			total += b.count
		}
		throughput[eventType] = float64(total) / m.cfg.ThroughputWindow.Seconds()
	}

	return Stats{
		InFlight:    len(m.inFlight),
		Operations:  ops,
		Throughput:  throughput,
		Snapshots:   append([]Snapshot(nil), m.snapshots...),
		SlowOpCount: m.slowOps,
	}
}

// Reset drops all recorded state. For tests.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = make(map[string]*Operation)
	m.samples = make(map[string][]time.Duration)
	m.buckets = make(map[string][]throughputBucket)
	m.snapshots = nil
	m.slowOps = 0
	m.prevCPU = 0
	m.prevSample = time.Time{}
}
