// Package lazy constructs heavy subsystems on first use, in dependency
// order. Concurrent loads of the same component are collapsed into one
// construction; dependency cycles are rejected before any loader runs.
package lazy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/logging"
)

// Status is a component's lifecycle state.
type Status string

const (
	StatusNotLoaded Status = "not-loaded"
	StatusLoading   Status = "loading"
	StatusLoaded    Status = "loaded"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotRegistered is returned for unknown component names.
	ErrNotRegistered = errors.New("component not registered")

	// ErrNotLoaded is returned by Get for a component that has not been
	// loaded yet.
	ErrNotLoaded = errors.New("component not loaded")

	// ErrCircularDependency is raised synchronously, before any loader
	// runs, when the dependency graph revisits a node still being walked.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrLoadTimeout rejects a load whose factory outran the configured
	// timeout. The factory itself is not force-stopped.
	ErrLoadTimeout = errors.New("component load timed out")
)

// LoaderFunc constructs a component instance.
type LoaderFunc func(ctx context.Context) (any, error)

// RegisterOptions tunes one registration.
type RegisterOptions struct {
	Dependencies []string
	Preload      bool
}

// Config tunes the loader. Zero values default.
type Config struct {
	Timeout     time.Duration
	Concurrency int
}

const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 4
)

type component struct {
	name         string
	loader       LoaderFunc
	dependencies []string
	preload      bool

	status          Status
	instance        any
	err             error
	loadStartedAt   time.Time
	loadCompletedAt time.Time
}

// ComponentStatus is the externally visible state of one component.
type ComponentStatus struct {
	Name            string
	Status          Status
	Dependencies    []string
	Err             string
	LoadStartedAt   time.Time
	LoadCompletedAt time.Time
}

// LoadEvent is the payload for lazy.* events.
type LoadEvent struct {
	Name       string
	DurationMs int64
	Err        string
}

// Loader owns the component registry. Safe for concurrent use.
type Loader struct {
	mu         sync.Mutex
	components map[string]*component
	flight     singleflight.Group

	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// New creates a loader. Bus may be nil.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Loader{
		components: make(map[string]*component),
		cfg:        cfg,
		logger:     logging.Or(logger),
		bus:        bus,
		now:        time.Now,
	}
}

// Register adds a component. Re-registration warns and no-ops.
func (l *Loader) Register(name string, loader LoaderFunc, opts RegisterOptions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.components[name]; ok {
		l.logger.Warn("component already registered", "name", name)
		return
	}
	l.components[name] = &component{
		name:         name,
		loader:       loader,
		dependencies: append([]string(nil), opts.Dependencies...),
		preload:      opts.Preload,
		status:       StatusNotLoaded,
	}
}

// Load returns the component instance, constructing it (and its
// dependencies, in parallel up to the concurrency cap) on first use.
// Concurrent callers share one construction; a previously failed component
// is retried.
func (l *Loader) Load(ctx context.Context, name string) (any, error) {
	l.mu.Lock()
	c, ok := l.components[name]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if c.status == StatusLoaded {
		instance := c.instance
		l.mu.Unlock()
		return instance, nil
	}
	// Cycle detection runs before anything starts loading.
	if err := l.checkCycleLocked(name, map[string]bool{}); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if c.status == StatusFailed {
		c.status = StatusNotLoaded
		c.err = nil
	}
	l.mu.Unlock()

	instance, err, _ := l.flight.Do(name, func() (any, error) {
		return l.loadOne(ctx, name)
	})
	return instance, err
}

// loadOne runs inside the singleflight for name.
func (l *Loader) loadOne(ctx context.Context, name string) (any, error) {
	l.mu.Lock()
	c := l.components[name]
	if c.status == StatusLoaded {
		instance := c.instance
		l.mu.Unlock()
		return instance, nil
	}
	c.status = StatusLoading
	c.loadStartedAt = l.now()
	deps := append([]string(nil), c.dependencies...)
	l.mu.Unlock()

	l.publish(events.TopicLoadStart, LoadEvent{Name: name})

	// Dependencies fan out together; completion order does not matter,
	// only that all are ready before this component's own loader runs.
	if len(deps) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.Concurrency)
		for _, dep := range deps {
			dep := dep
			g.Go(func() error {
				if _, err := l.Load(gctx, dep); err != nil {
					return fmt.Errorf("dependency %s: %w", dep, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, l.failLoad(c, err)
		}
	}

	instance, err := l.invokeWithTimeout(ctx, c)
	if err != nil {
		return nil, l.failLoad(c, err)
	}

	l.mu.Lock()
	c.status = StatusLoaded
	c.instance = instance
	c.loadCompletedAt = l.now()
	duration := c.loadCompletedAt.Sub(c.loadStartedAt)
	l.mu.Unlock()

	l.publish(events.TopicLoadComplete, LoadEvent{Name: name, DurationMs: duration.Milliseconds()})
	return instance, nil
}

// invokeWithTimeout races the factory against the configured timeout.
// On timeout the factory keeps running but its result is discarded. Caller
// cancellation surfaces as the parent context's error, not as a timeout.
func (l *Loader) invokeWithTimeout(parent context.Context, c *component) (any, error) {
	ctx, cancel := context.WithTimeout(parent, l.cfg.Timeout)
	defer cancel()

	type outcome struct {
		instance any
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("loader panicked: %v", rec)}
			}
		}()
		instance, err := c.loader(ctx)
		ch <- outcome{instance: instance, err: err}
	}()

	select {
	case out := <-ch:
		return out.instance, out.err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return nil, fmt.Errorf("load %s: %w", c.name, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrLoadTimeout, c.name)
	}
}

// failLoad marks the component failed and logs once at detection.
func (l *Loader) failLoad(c *component, err error) error {
	l.mu.Lock()
	c.status = StatusFailed
	c.err = err
	l.mu.Unlock()

	l.logger.Error("component load failed", "name", c.name, "error", err)
	l.publish(events.TopicLoadError, LoadEvent{Name: c.name, Err: err.Error()})
	return err
}

// checkCycleLocked walks the dependency graph depth-first with a visiting
// set. Caller holds l.mu.
func (l *Loader) checkCycleLocked(name string, visiting map[string]bool) error {
	if visiting[name] {
		return fmt.Errorf("%w: %s", ErrCircularDependency, name)
	}
	c, ok := l.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	visiting[name] = true
	for _, dep := range c.dependencies {
		if err := l.checkCycleLocked(dep, visiting); err != nil {
			return err
		}
	}
	delete(visiting, name)
	return nil
}

// Get returns a loaded component or an error.
func (l *Loader) Get(name string) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.components[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if c.status != StatusLoaded {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return c.instance, nil
}

// GetIfLoaded returns (instance, true) only for loaded components; absent
// or unloaded names are a quiet (nil, false).
func (l *Loader) GetIfLoaded(name string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.components[name]
	if !ok || c.status != StatusLoaded {
		return nil, false
	}
	return c.instance, true
}

// Unload drops a loaded instance back to not-loaded.
func (l *Loader) Unload(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.components[name]
	if !ok || c.status != StatusLoaded {
		return
	}
	c.status = StatusNotLoaded
	c.instance = nil
	c.err = nil
}

// Preload loads the named components, respecting the concurrency cap, and
// returns a per-name success map. Individual failures are swallowed; they
// were already logged at detection.
func (l *Loader) Preload(ctx context.Context, names []string) map[string]bool {
	results := make(map[string]bool, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			_, err := l.Load(gctx, name)
			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// PreloadAll loads every component registered with the preload flag.
func (l *Loader) PreloadAll(ctx context.Context) map[string]bool {
	l.mu.Lock()
	var names []string
	for name, c := range l.components {
		if c.preload {
			names = append(names, name)
		}
	}
	l.mu.Unlock()
	return l.Preload(ctx, names)
}

// Statuses returns a snapshot of every registered component.
func (l *Loader) Statuses() map[string]ComponentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ComponentStatus, len(l.components))
	for name, c := range l.components {
		cs := ComponentStatus{
			Name:            name,
			Status:          c.status,
			Dependencies:    append([]string(nil), c.dependencies...),
			LoadStartedAt:   c.loadStartedAt,
			LoadCompletedAt: c.loadCompletedAt,
		}
		if c.err != nil {
			cs.Err = c.err.Error()
		}
		out[name] = cs
	}
	return out
}

func (l *Loader) publish(topic string, payload any) {
	if l.bus == nil {
		return
	}
	_ = events.Publish(l.bus, topic, payload)
}
