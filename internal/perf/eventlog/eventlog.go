// Package eventlog keeps a capped, queryable ring of everything the
// performance core reports: throttle transitions, power and window signals,
// timing anomalies, agent run activity, and system-level events. Recording
// never fails; when the ring is full the oldest entry goes.
package eventlog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/pace/internal/events"
)

// Category buckets log entries for counters and queries.
type Category string

const (
	CategoryState  Category = "state"
	CategoryPower  Category = "power"
	CategoryWindow Category = "window"
	CategoryTiming Category = "timing"
	CategoryAgent  Category = "agent"
	CategorySystem Category = "system"
)

// Entry is one recorded event.
type Entry struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Stats carries the ring's counters.
type Stats struct {
	Total      int64              `json:"total"`
	Dropped    int64              `json:"dropped"`
	ByCategory map[Category]int64 `json:"by_category"`
}

// Export is the JSON bundle handed to external consumers.
type Export struct {
	Entries    []Entry   `json:"entries"`
	Stats      Stats     `json:"stats"`
	ExportedAt time.Time `json:"exported_at"`
}

// Config tunes the logger. Zero values default.
type Config struct {
	MaxEntries int
}

const defaultMaxEntries = 1000

// Logger is the structured event log. Safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry
	total   int64
	dropped int64
	counts  map[Category]int64
	subs    []events.Subscription

	now func() time.Time
}

// New creates an event logger.
func New(cfg Config) *Logger {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	return &Logger{
		cfg:    cfg,
		counts: make(map[Category]int64),
		now:    time.Now,
	}
}

// Record appends an entry, evicting the oldest when the ring is full.
func (l *Logger) Record(category Category, eventType, sessionID string, data any) {
	entry := Entry{
		ID:        uuid.NewString(),
		Category:  category,
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: l.now(),
		Data:      data,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.cfg.MaxEntries {
		drop := len(l.entries) - l.cfg.MaxEntries + 1
		l.entries = append([]Entry(nil), l.entries[drop:]...)
		l.dropped += int64(drop)
	}
	l.entries = append(l.entries, entry)
	l.total++
	l.counts[category]++
}

// AttachBus subscribes the logger to every perf topic so components record
// themselves without knowing the log exists. Call DetachBus to undo.
func (l *Logger) AttachBus(bus *events.Bus) {
	for _, topic := range events.AllTopics() {
		category, eventType := classify(topic)
		sub := events.Subscribe(bus, topic, func(_ context.Context, payload any) error {
			l.Record(category, eventType, sessionOf(payload), payload)
			return nil
		})
		l.mu.Lock()
		l.subs = append(l.subs, sub)
		l.mu.Unlock()
	}
}

// DetachBus drops all bus subscriptions.
func (l *Logger) DetachBus() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Recent returns the newest n entries, newest first.
func (l *Logger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= len(l.entries)-n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// BySession returns every entry tagged with sessionID, oldest first.
func (l *Logger) BySession(sessionID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// ByCategory returns every entry in a category, oldest first.
func (l *Logger) ByCategory(category Category) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// InRange returns entries with from <= timestamp < to, oldest first.
func (l *Logger) InRange(from, to time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

// GetStats returns a deep-copied counter snapshot.
func (l *Logger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Logger) statsLocked() Stats {
	counts := make(map[Category]int64, len(l.counts))
	for c, n := range l.counts {
		counts[c] = n
	}
	return Stats{Total: l.total, Dropped: l.dropped, ByCategory: counts}
}

// ExportEntries bundles the current ring and counters for JSON export.
func (l *Logger) ExportEntries() Export {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Export{
		Entries:    append([]Entry(nil), l.entries...),
		Stats:      l.statsLocked(),
		ExportedAt: l.now(),
	}
}

// ExportJSON renders the export bundle as indented JSON.
func (l *Logger) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(l.ExportEntries(), "", "  ")
}

// Clear empties the ring and counters. For tests.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.total = 0
	l.dropped = 0
	l.counts = make(map[Category]int64)
}

// classify maps a bus topic to a log category and short event type.
func classify(topic string) (Category, string) {
	eventType := topic
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		eventType = topic[i+1:]
	}
	switch {
	case topic == events.TopicThrottleStateChanged:
		return CategoryState, eventType
	case topic == events.TopicTimingAnomaly,
		topic == events.TopicSlowOperation:
		return CategoryTiming, eventType
	default:
		return CategorySystem, eventType
	}
}

// sessionOf pulls a session ID out of payloads that carry one.
func sessionOf(payload any) string {
	type sessioned interface{ Session() string }
	if s, ok := payload.(sessioned); ok {
		return s.Session()
	}
	return ""
}
