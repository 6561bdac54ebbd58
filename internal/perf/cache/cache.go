// Package cache implements the in-memory TTL+LRU+priority cache for
// expensive repeatable operations (model responses, tool results, file
// reads). Entries carry a priority; when capacity is hit the lowest
// priority goes first, oldest LRU order breaking ties. Nothing in here
// persists across restarts.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/logging"
)

// TypeLimit caps one entry type independently of the global ceilings.
type TypeLimit struct {
	MaxItems int
	MaxBytes int64
}

// Config holds cache limits. Zero values fall back to defaults in New.
type Config struct {
	MaxItems      int
	MaxBytes      int64
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	TTLByType     map[string]time.Duration
	LimitsByType  map[string]TypeLimit
}

const (
	defaultMaxItems      = 1000
	defaultMaxBytes      = 64 << 20 // 64 MiB
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultPriority      = 1
)

// Item is a live cache entry. Access mutates LastAccessedAt/AccessCount;
// the entry disappears on expiry, eviction, or delete.
type Item struct {
	Key            Key
	Value          any
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time // zero means no expiry
	AccessCount    int64
	SizeBytes      int64
	TTL            time.Duration
	Priority       int

	lruTick uint64
}

// SetOptions tunes a single Set call.
type SetOptions struct {
	TTL      time.Duration // 0 uses the per-type or default TTL
	Priority int           // 0 uses the default priority
}

// Stats is a point-in-time snapshot of cache bookkeeping.
type Stats struct {
	Items       int
	Bytes       int64
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Drops       int64
	ByType      map[string]TypeStats
}

// TypeStats is per-entry-type accounting.
type TypeStats struct {
	Items int
	Bytes int64
}

// SetEvent is the payload for cache.set events.
type SetEvent struct {
	Key       string
	SizeBytes int64
	Priority  int
}

// EvictEvent is the payload for cache.evict and cache.expire events.
type EvictEvent struct {
	Key    string
	Reason string // "capacity" or "ttl"
}

// Cache is the caching layer. All methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	items   map[string]*Item
	bytes   int64
	byType  map[string]TypeStats
	lruTick uint64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	drops       int64

	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// New creates a cache. Bus may be nil when no one consumes events.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Cache {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Cache{
		cfg:    cfg,
		items:  make(map[string]*Item),
		byType: make(map[string]TypeStats),
		logger: logging.Or(logger),
		bus:    bus,
		now:    time.Now,
	}
}

// SweepInterval reports how often SweepExpired should run.
func (c *Cache) SweepInterval() time.Duration {
	return c.cfg.SweepInterval
}

// Get returns the cached value for key. A TTL-expired entry is purged on the
// way out and reported as a miss. Misses never fail.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	k := key.String()
	item, ok := c.items[k]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	now := c.now()
	if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
		c.removeLocked(item)
		c.expirations++
		c.misses++
		c.mu.Unlock()
		c.publishEvict(k, "ttl", events.TopicCacheExpire)
		return nil, false
	}

	item.LastAccessedAt = now
	item.AccessCount++
	c.lruTick++
	item.lruTick = c.lruTick
	c.hits++
	value := item.Value
	c.mu.Unlock()
	return value, true
}

// Set inserts or replaces an entry, evicting lower-priority entries first if
// the insert would exceed a ceiling. If the value cannot fit even after
// best-effort eviction it is dropped silently.
func (c *Cache) Set(key Key, value any, opts SetOptions) {
	size := EstimateSize(value)
	ttl := opts.TTL
	if ttl <= 0 {
		if t, ok := c.cfg.TTLByType[key.Type]; ok {
			ttl = t
		} else {
			ttl = c.cfg.DefaultTTL
		}
	}
	priority := opts.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	c.mu.Lock()
	k := key.String()

	// Replacing an existing entry frees its accounting so the fit check sees
	// the space the replacement reclaims. The old entry is restored if the
	// new value cannot fit.
	old, hadOld := c.items[k]
	if hadOld {
		c.removeLocked(old)
	}

	evicted, ok := c.makeRoomLocked(key.Type, size)
	if !ok {
		if hadOld {
			c.addLocked(old)
		}
		c.drops++
		c.mu.Unlock()
		c.logger.Debug("cache set dropped, no evictable room", "key", k, "size", size)
		return
	}

	now := c.now()
	c.lruTick++
	item := &Item{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		SizeBytes:      size,
		TTL:            ttl,
		Priority:       priority,
		lruTick:        c.lruTick,
	}
	if ttl > 0 {
		item.ExpiresAt = now.Add(ttl)
	}
	c.addLocked(item)
	c.mu.Unlock()

	for _, ek := range evicted {
		c.publishEvict(ek, "capacity", events.TopicCacheEvict)
	}
	if c.bus != nil {
		_ = events.Publish(c.bus, events.TopicCacheSet, SetEvent{Key: k, SizeBytes: size, Priority: priority})
	}
}

// Delete removes an entry. Returns false when absent.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key.String()]
	if !ok {
		return false
	}
	c.removeLocked(item)
	return true
}

// Clear empties the cache. Counters survive; use a fresh cache in tests that
// assert on them.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
	c.byType = make(map[string]TypeStats)
	c.bytes = 0
}

// SweepExpired purges every TTL-expired entry and returns how many went.
// Registered with the shared sweep runner.
func (c *Cache) SweepExpired() int {
	now := c.now()

	c.mu.Lock()
	var expired []string
	for k, item := range c.items {
		if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		c.removeLocked(c.items[k])
		c.expirations++
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.publishEvict(k, "ttl", events.TopicCacheExpire)
	}
	return len(expired)
}

// Len returns the current item count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the current estimated byte total.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// GetStats returns a deep-copied snapshot.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := make(map[string]TypeStats, len(c.byType))
	for t, s := range c.byType {
		byType[t] = s
	}
	return Stats{
		Items:       len(c.items),
		Bytes:       c.bytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Drops:       c.drops,
		ByType:      byType,
	}
}

// addLocked inserts an item and fixes accounting. Caller holds c.mu.
func (c *Cache) addLocked(item *Item) {
	c.items[item.Key.String()] = item
	c.bytes += item.SizeBytes
	ts := c.byType[item.Key.Type]
	ts.Items++
	ts.Bytes += item.SizeBytes
	c.byType[item.Key.Type] = ts
}

// removeLocked drops an item and fixes accounting. Caller holds c.mu.
func (c *Cache) removeLocked(item *Item) {
	k := item.Key.String()
	if _, ok := c.items[k]; !ok {
		return
	}
	delete(c.items, k)
	c.bytes -= item.SizeBytes
	ts := c.byType[item.Key.Type]
	ts.Items--
	ts.Bytes -= item.SizeBytes
	if ts.Items <= 0 && ts.Bytes <= 0 {
		delete(c.byType, item.Key.Type)
	} else {
		c.byType[item.Key.Type] = ts
	}
}

// makeRoomLocked evicts until an insert of size bytes for entryType fits
// under the global and per-type ceilings. Returns the evicted keys, for the
// caller to publish outside c.mu, and false when the insert cannot fit. A
// value larger than a byte ceiling fails before any eviction.
func (c *Cache) makeRoomLocked(entryType string, size int64) ([]string, bool) {
	limit, hasTypeLimit := c.cfg.LimitsByType[entryType]

	if size > c.cfg.MaxBytes {
		return nil, false
	}
	if hasTypeLimit && limit.MaxBytes > 0 && size > limit.MaxBytes {
		return nil, false
	}

	fits := func() bool {
		if len(c.items)+1 > c.cfg.MaxItems || c.bytes+size > c.cfg.MaxBytes {
			return false
		}
		if hasTypeLimit {
			ts := c.byType[entryType]
			if limit.MaxItems > 0 && ts.Items+1 > limit.MaxItems {
				return false
			}
			if limit.MaxBytes > 0 && ts.Bytes+size > limit.MaxBytes {
				return false
			}
		}
		return true
	}

	var evicted []string
	for !fits() {
		// Per-type pressure evicts within the type; global pressure picks
		// from the whole table.
		var victim *Item
		if hasTypeLimit && c.typeOverLimitLocked(entryType, size, limit) {
			victim = c.pickVictimLocked(entryType)
		} else {
			victim = c.pickVictimLocked("")
		}
		if victim == nil {
			return evicted, false
		}
		c.removeLocked(victim)
		c.evictions++
		evicted = append(evicted, victim.Key.String())
	}
	return evicted, true
}

func (c *Cache) typeOverLimitLocked(entryType string, size int64, limit TypeLimit) bool {
	ts := c.byType[entryType]
	if limit.MaxItems > 0 && ts.Items+1 > limit.MaxItems {
		return true
	}
	if limit.MaxBytes > 0 && ts.Bytes+size > limit.MaxBytes {
		return true
	}
	return false
}

// pickVictimLocked finds the lowest-priority entry, oldest LRU tick breaking
// ties. A non-empty entryType restricts the scan to that type.
func (c *Cache) pickVictimLocked(entryType string) *Item {
	var victim *Item
	for _, item := range c.items {
		if entryType != "" && item.Key.Type != entryType {
			continue
		}
		if victim == nil ||
			item.Priority < victim.Priority ||
			(item.Priority == victim.Priority && item.lruTick < victim.lruTick) {
			victim = item
		}
	}
	return victim
}

func (c *Cache) publishEvict(key, reason, topic string) {
	if c.bus == nil {
		return
	}
	_ = events.Publish(c.bus, topic, EvictEvent{Key: key, Reason: reason})
}
