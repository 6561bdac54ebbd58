// Package resource tracks budgets for the four governed resource types and
// gates token/API-call consumption through rolling rate-limit windows.
// Every denial is backpressure, not a fault: callers get nil/false plus an
// event and are expected to retry later.
package resource

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/logging"
)

// Type enumerates the governed resources.
type Type string

const (
	TypeCPUPercent   Type = "cpu-percent"
	TypeTokensPerMin Type = "tokens-per-minute"
	TypeAPICallsMin  Type = "api-calls-per-minute"
	TypeConnections  Type = "connections"
)

// Types lists all governed resource types in a stable order.
func Types() []Type {
	return []Type{TypeCPUPercent, TypeTokensPerMin, TypeAPICallsMin, TypeConnections}
}

// Budget is one resource type's ceiling plus live accounting.
// Invariant: Available = Max - Current - Reserved, recomputed on every
// mutation and never driven negative by Allocate.
type Budget struct {
	Type              Type
	Max               float64
	Current           float64
	Reserved          float64
	Available         float64
	WarningThreshold  float64 // utilization fraction, e.g. 0.7
	CriticalThreshold float64 // utilization fraction, e.g. 0.9
	Unit              string
}

// Allocation is an active reservation against a budget.
type Allocation struct {
	ID          string
	Type        Type
	Amount      float64
	Owner       string
	OwnerType   string
	AllocatedAt time.Time
	ExpiresAt   time.Time // zero means no expiry
}

// Config holds budget ceilings and window limits. Zero values default.
type Config struct {
	MaxCPUPercent  float64
	MaxTokensMin   float64
	MaxAPICallsMin float64
	MaxConnections float64

	TokensPerWindow   int64
	APICallsPerWindow int64
	Window            time.Duration

	SweepInterval time.Duration
}

const (
	defaultMaxCPUPercent  = 80
	defaultMaxTokensMin   = 100000
	defaultMaxAPICallsMin = 60
	defaultMaxConnections = 32
	defaultWindow         = time.Minute
	defaultSweepInterval  = 10 * time.Second
)

// window is a fixed rolling consumption window that resets when its
// deadline passes.
type window struct {
	limit   int64
	used    int64
	resetAt time.Time
	span    time.Duration
}

func (w *window) tryConsume(n int64, now time.Time) bool {
	if now.After(w.resetAt) {
		w.used = 0
		w.resetAt = now.Add(w.span)
	}
	if w.used+n > w.limit {
		return false
	}
	w.used += n
	return true
}

type level int

const (
	levelNormal level = iota
	levelWarning
	levelCritical
)

// AllocationEvent is the payload for allocation_* events.
type AllocationEvent struct {
	ID     string
	Type   Type
	Amount float64
	Owner  string
}

// ThresholdEvent is the payload for warning/critical threshold events.
type ThresholdEvent struct {
	Type        Type
	Utilization float64
}

// RateLimitEvent is the payload for rate_limit denials.
type RateLimitEvent struct {
	Window    string // "tokens" or "api-calls"
	Requested int64
	Remaining int64
}

// Stats is a deep-copied snapshot of all budgets and windows.
type Stats struct {
	Budgets           map[Type]Budget
	ActiveAllocations int
	TokensUsed        int64
	TokensLimit       int64
	APICallsUsed      int64
	APICallsLimit     int64
	Denials           int64
	RateLimitDenials  int64
}

// Manager owns the budget table. Safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	budgets     map[Type]*Budget
	allocations map[string]*Allocation
	levels      map[Type]level
	tokens      window
	apiCalls    window

	denials          int64
	rateLimitDenials int64

	sweepInterval time.Duration
	logger        *slog.Logger
	bus           *events.Bus
	now           func() time.Time
}

// NewManager creates a manager with the four fixed budgets.
func NewManager(cfg Config, logger *slog.Logger, bus *events.Bus) *Manager {
	if cfg.MaxCPUPercent <= 0 {
		cfg.MaxCPUPercent = defaultMaxCPUPercent
	}
	if cfg.MaxTokensMin <= 0 {
		cfg.MaxTokensMin = defaultMaxTokensMin
	}
	if cfg.MaxAPICallsMin <= 0 {
		cfg.MaxAPICallsMin = defaultMaxAPICallsMin
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.TokensPerWindow <= 0 {
		cfg.TokensPerWindow = int64(cfg.MaxTokensMin)
	}
	if cfg.APICallsPerWindow <= 0 {
		cfg.APICallsPerWindow = int64(cfg.MaxAPICallsMin)
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	now := time.Now
	m := &Manager{
		budgets: map[Type]*Budget{
			TypeCPUPercent:   newBudget(TypeCPUPercent, cfg.MaxCPUPercent, 0.7, 0.9, "percent"),
			TypeTokensPerMin: newBudget(TypeTokensPerMin, cfg.MaxTokensMin, 0.75, 0.95, "tokens"),
			TypeAPICallsMin:  newBudget(TypeAPICallsMin, cfg.MaxAPICallsMin, 0.75, 0.95, "calls"),
			TypeConnections:  newBudget(TypeConnections, cfg.MaxConnections, 0.7, 0.9, "connections"),
		},
		allocations:   make(map[string]*Allocation),
		levels:        make(map[Type]level),
		tokens:        window{limit: cfg.TokensPerWindow, span: cfg.Window, resetAt: now().Add(cfg.Window)},
		apiCalls:      window{limit: cfg.APICallsPerWindow, span: cfg.Window, resetAt: now().Add(cfg.Window)},
		sweepInterval: cfg.SweepInterval,
		logger:        logging.Or(logger),
		bus:           bus,
		now:           now,
	}
	return m
}

func newBudget(t Type, max, warn, crit float64, unit string) *Budget {
	return &Budget{
		Type:              t,
		Max:               max,
		Available:         max,
		WarningThreshold:  warn,
		CriticalThreshold: crit,
		Unit:              unit,
	}
}

// SweepInterval reports how often Sweep should run.
func (m *Manager) SweepInterval() time.Duration {
	return m.sweepInterval
}

// Allocate reserves amount against the budget for the given type. Returns
// nil without mutating anything when the amount exceeds what is available.
// expiresIn of 0 means the allocation lives until released.
func (m *Manager) Allocate(t Type, amount float64, owner, ownerType string, expiresIn time.Duration) *Allocation {
	if amount <= 0 {
		return nil
	}

	m.mu.Lock()
	b, ok := m.budgets[t]
	if !ok || amount > b.Available {
		m.denials++
		m.mu.Unlock()
		m.publish(events.TopicAllocationDenied, AllocationEvent{Type: t, Amount: amount, Owner: owner})
		return nil
	}

	now := m.now()
	a := &Allocation{
		ID:          uuid.NewString(),
		Type:        t,
		Amount:      amount,
		Owner:       owner,
		OwnerType:   ownerType,
		AllocatedAt: now,
	}
	if expiresIn > 0 {
		a.ExpiresAt = now.Add(expiresIn)
	}
	m.allocations[a.ID] = a
	b.Current += amount
	recompute(b)
	m.checkThresholdLocked(b)
	out := *a
	m.mu.Unlock()

	m.publish(events.TopicAllocationGranted, AllocationEvent{ID: out.ID, Type: t, Amount: amount, Owner: owner})
	return &out
}

// Release frees an allocation by ID. Unknown IDs are no-ops.
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	a, ok := m.allocations[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.releaseLocked(a)
	m.mu.Unlock()

	m.publish(events.TopicAllocationReleased, AllocationEvent{ID: a.ID, Type: a.Type, Amount: a.Amount, Owner: a.Owner})
	return true
}

// ReleaseAllForOwner sweeps every allocation held by owner and returns how
// many were released.
func (m *Manager) ReleaseAllForOwner(owner string) int {
	m.mu.Lock()
	var released []*Allocation
	for _, a := range m.allocations {
		if a.Owner == owner {
			released = append(released, a)
		}
	}
	for _, a := range released {
		m.releaseLocked(a)
	}
	m.mu.Unlock()

	for _, a := range released {
		m.publish(events.TopicAllocationReleased, AllocationEvent{ID: a.ID, Type: a.Type, Amount: a.Amount, Owner: a.Owner})
	}
	return len(released)
}

// SetReserved pins headroom on a budget (capacity held back from Allocate
// without an owning allocation). Clamped to what is not currently in use.
func (m *Manager) SetReserved(t Type, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[t]
	if !ok {
		return
	}
	if amount < 0 {
		amount = 0
	}
	if amount > b.Max-b.Current {
		amount = b.Max - b.Current
	}
	b.Reserved = amount
	recompute(b)
	m.checkThresholdLocked(b)
}

// TryConsumeTokens consumes n tokens from the rolling token window.
// False means rate-limited; the caller retries after the window resets.
func (m *Manager) TryConsumeTokens(n int64) bool {
	if n <= 0 {
		return true
	}
	m.mu.Lock()
	ok := m.tokens.tryConsume(n, m.now())
	remaining := m.tokens.limit - m.tokens.used
	if !ok {
		m.rateLimitDenials++
	}
	m.mu.Unlock()

	if !ok {
		m.publish(events.TopicRateLimit, RateLimitEvent{Window: "tokens", Requested: n, Remaining: remaining})
	}
	return ok
}

// TryConsumeAPICall consumes one call from the rolling API-call window.
func (m *Manager) TryConsumeAPICall() bool {
	m.mu.Lock()
	ok := m.apiCalls.tryConsume(1, m.now())
	remaining := m.apiCalls.limit - m.apiCalls.used
	if !ok {
		m.rateLimitDenials++
	}
	m.mu.Unlock()

	if !ok {
		m.publish(events.TopicRateLimit, RateLimitEvent{Window: "api-calls", Requested: 1, Remaining: remaining})
	}
	return ok
}

// Sweep reclaims expired allocations and resets elapsed windows.
// Registered with the shared sweep runner.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var expired []*Allocation
	for _, a := range m.allocations {
		if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
			expired = append(expired, a)
		}
	}
	for _, a := range expired {
		m.releaseLocked(a)
	}
	// Elapsed windows reset eagerly so utilization reads are current even
	// with no consumption traffic.
	if now.After(m.tokens.resetAt) {
		m.tokens.used = 0
		m.tokens.resetAt = now.Add(m.tokens.span)
	}
	if now.After(m.apiCalls.resetAt) {
		m.apiCalls.used = 0
		m.apiCalls.resetAt = now.Add(m.apiCalls.span)
	}
	m.mu.Unlock()

	for _, a := range expired {
		m.logger.Debug("allocation expired", "id", a.ID, "type", a.Type, "owner", a.Owner)
		m.publish(events.TopicAllocationReleased, AllocationEvent{ID: a.ID, Type: a.Type, Amount: a.Amount, Owner: a.Owner})
	}
	return len(expired)
}

// GetBudget returns a copy of one budget.
func (m *Manager) GetBudget(t Type) (Budget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[t]
	if !ok {
		return Budget{}, false
	}
	return *b, true
}

// GetStats returns a deep-copied snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	budgets := make(map[Type]Budget, len(m.budgets))
	for t, b := range m.budgets {
		budgets[t] = *b
	}
	return Stats{
		Budgets:           budgets,
		ActiveAllocations: len(m.allocations),
		TokensUsed:        m.tokens.used,
		TokensLimit:       m.tokens.limit,
		APICallsUsed:      m.apiCalls.used,
		APICallsLimit:     m.apiCalls.limit,
		Denials:           m.denials,
		RateLimitDenials:  m.rateLimitDenials,
	}
}

// Reset clears all allocations and windows. For tests.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = make(map[string]*Allocation)
	for _, b := range m.budgets {
		b.Current = 0
		b.Reserved = 0
		recompute(b)
	}
	m.levels = make(map[Type]level)
	now := m.now()
	m.tokens.used = 0
	m.tokens.resetAt = now.Add(m.tokens.span)
	m.apiCalls.used = 0
	m.apiCalls.resetAt = now.Add(m.apiCalls.span)
}

func (m *Manager) releaseLocked(a *Allocation) {
	delete(m.allocations, a.ID)
	if b, ok := m.budgets[a.Type]; ok {
		b.Current -= a.Amount
		if b.Current < 0 {
			b.Current = 0
		}
		recompute(b)
		m.checkThresholdLocked(b)
	}
}

func recompute(b *Budget) {
	b.Available = b.Max - b.Current - b.Reserved
	if b.Available < 0 {
		b.Available = 0
	}
}

// checkThresholdLocked emits warning/critical events on upward crossings
// only; the level must drop back below before another event fires.
func (m *Manager) checkThresholdLocked(b *Budget) {
	util := 0.0
	if b.Max > 0 {
		util = (b.Current + b.Reserved) / b.Max
	}

	next := levelNormal
	if util >= b.CriticalThreshold {
		next = levelCritical
	} else if util >= b.WarningThreshold {
		next = levelWarning
	}

	prev := m.levels[b.Type]
	m.levels[b.Type] = next
	if next <= prev {
		return
	}

	evt := ThresholdEvent{Type: b.Type, Utilization: util}
	switch next {
	case levelWarning:
		m.logger.Warn("resource utilization warning", "type", b.Type, "utilization", util)
		m.publish(events.TopicWarningThreshold, evt)
	case levelCritical:
		m.logger.Warn("resource utilization critical", "type", b.Type, "utilization", util)
		m.publish(events.TopicCriticalThreshold, evt)
	}
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus == nil {
		return
	}
	_ = events.Publish(m.bus, topic, payload)
}
