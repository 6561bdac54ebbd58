// Package lifecycle provides event hooks for host signals: window visibility,
// power state, user interaction, and agent run activity. The embedding
// application emits these; the performance core subscribes to them.
package lifecycle

import (
	"sync"

	"github.com/neboloop/pace/internal/perf/eventlog"
	"github.com/neboloop/pace/internal/perf/throttle"
)

// Event types for host lifecycle hooks
type Event string

const (
	// Window events
	EventWindowFocus    Event = "window_focus"
	EventWindowBlur     Event = "window_blur"
	EventWindowShow     Event = "window_show"
	EventWindowHide     Event = "window_hide"
	EventWindowMinimize Event = "window_minimize"
	EventWindowRestore  Event = "window_restore"

	// Power events
	EventSystemSuspend  Event = "system_suspend"
	EventSystemResume   Event = "system_resume"
	EventScreenLock     Event = "screen_lock"
	EventScreenUnlock   Event = "screen_unlock"
	EventPowerSavingOn  Event = "power_saving_on"
	EventPowerSavingOff Event = "power_saving_off"

	// User interaction events
	EventInteractionStart Event = "interaction_start"
	EventInteractionEnd   Event = "interaction_end"

	// Agent run events
	EventAgentRunStart    Event = "agent_run_start"
	EventAgentRunComplete Event = "agent_run_complete"

	// Core lifecycle events
	EventCoreStarted      Event = "core_started"
	EventShutdownStarted  Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"
)

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// AgentRunData carries the payload for agent run events.
type AgentRunData struct {
	SessionID  string
	DurationMS int64
	Error      error
}

// Manager manages lifecycle event subscriptions and dispatching.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewManager creates an empty lifecycle manager.
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	for _, h := range handlers {
		// Run handlers synchronously (they can spawn goroutines if needed)
		h(event, data)
	}
}

// EmitAsync dispatches an event asynchronously
func (m *Manager) EmitAsync(event Event, data any) {
	go m.Emit(event, data)
}

// OnAgentRunStart registers a handler for agent run start events
func (m *Manager) OnAgentRunStart(handler func(data AgentRunData)) {
	m.On(EventAgentRunStart, func(e Event, data any) {
		if d, ok := data.(AgentRunData); ok {
			handler(d)
		}
	})
}

// OnAgentRunComplete registers a handler for agent run complete events
func (m *Manager) OnAgentRunComplete(handler func(data AgentRunData)) {
	m.On(EventAgentRunComplete, func(e Event, data any) {
		if d, ok := data.(AgentRunData); ok {
			handler(d)
		}
	})
}

// OnShutdown registers a shutdown handler
func (m *Manager) OnShutdown(handler func()) {
	m.On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}

// hookThrottle maps an event to the throttle signal it drives. Events with no
// throttle consequence (core start, shutdown) are absent.
var hookThrottle = map[Event]func(*throttle.Controller){
	EventWindowFocus:    (*throttle.Controller).HandleWindowFocus,
	EventWindowBlur:     (*throttle.Controller).HandleWindowBlur,
	EventWindowShow:     (*throttle.Controller).HandleWindowShow,
	EventWindowHide:     (*throttle.Controller).HandleWindowHide,
	EventWindowMinimize: (*throttle.Controller).HandleWindowMinimize,
	EventWindowRestore:  (*throttle.Controller).HandleWindowRestore,
	EventSystemSuspend:  (*throttle.Controller).HandleSystemSuspend,
	EventSystemResume:   (*throttle.Controller).HandleSystemResume,
	EventScreenLock:     (*throttle.Controller).HandleScreenLock,
	EventScreenUnlock:   (*throttle.Controller).HandleScreenUnlock,
}

// categoryOf maps an event to its log category.
func categoryOf(event Event) eventlog.Category {
	switch event {
	case EventWindowFocus, EventWindowBlur, EventWindowShow, EventWindowHide,
		EventWindowMinimize, EventWindowRestore:
		return eventlog.CategoryWindow
	case EventSystemSuspend, EventSystemResume, EventScreenLock, EventScreenUnlock,
		EventPowerSavingOn, EventPowerSavingOff:
		return eventlog.CategoryPower
	case EventInteractionStart, EventInteractionEnd:
		return eventlog.CategoryWindow
	case EventAgentRunStart, EventAgentRunComplete:
		return eventlog.CategoryAgent
	default:
		return eventlog.CategorySystem
	}
}

// BindThrottle forwards host signals to the throttle controller so window,
// power, and agent activity drive the effective interval.
func (m *Manager) BindThrottle(tc *throttle.Controller) {
	for event, signal := range hookThrottle {
		sig := signal
		m.On(event, func(e Event, data any) {
			sig(tc)
		})
	}
	m.On(EventPowerSavingOn, func(e Event, data any) { tc.HandlePowerSaving(true) })
	m.On(EventPowerSavingOff, func(e Event, data any) { tc.HandlePowerSaving(false) })
	m.On(EventInteractionStart, func(e Event, data any) { tc.HandleUserInteraction(true) })
	m.On(EventInteractionEnd, func(e Event, data any) { tc.HandleUserInteraction(false) })
	m.OnAgentRunStart(func(d AgentRunData) { tc.AgentRunStarted(d.SessionID) })
	m.OnAgentRunComplete(func(d AgentRunData) { tc.AgentRunEnded(d.SessionID) })
}

// BindLog records every host signal in the event log.
func (m *Manager) BindLog(log *eventlog.Logger) {
	record := func(e Event, data any) {
		session := ""
		if d, ok := data.(AgentRunData); ok {
			session = d.SessionID
		}
		log.Record(categoryOf(e), string(e), session, data)
	}
	for _, event := range []Event{
		EventWindowFocus, EventWindowBlur, EventWindowShow, EventWindowHide,
		EventWindowMinimize, EventWindowRestore,
		EventSystemSuspend, EventSystemResume, EventScreenLock, EventScreenUnlock,
		EventPowerSavingOn, EventPowerSavingOff,
		EventInteractionStart, EventInteractionEnd,
		EventAgentRunStart, EventAgentRunComplete,
		EventCoreStarted, EventShutdownStarted, EventShutdownComplete,
	} {
		m.On(event, record)
	}
}
