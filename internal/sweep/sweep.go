// Package sweep runs the periodic housekeeping jobs the performance
// components register: cache TTL expiry, rate-limit window resets,
// allocation reclamation, resource sampling. One runner is shared by the
// whole core so the host sees a single timer source.
package sweep

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neboloop/pace/internal/logging"
)

// Job is a periodic task. Jobs must be short and must not block; anything
// they need to wait on belongs behind their own goroutine.
type Job func()

// Runner schedules registered jobs on fixed intervals.
type Runner struct {
	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID
	logger  *slog.Logger
	started bool
}

// NewRunner creates a stopped runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		cron:    cronlib.New(),
		entries: make(map[string]cronlib.EntryID),
		logger:  logging.Or(logger),
	}
}

// Register schedules job to run every interval. Registering a name twice
// replaces the previous schedule. Panics inside jobs are recovered and
// logged; a broken sweep must never take the host down.
func (r *Runner) Register(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("register %s: interval must be positive", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}

	id, err := r.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("sweep job panicked", "job", name, "panic", rec)
			}
		}()
		job()
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	r.entries[name] = id
	return nil
}

// Remove drops a registered job. Unknown names are no-ops.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}
}

// Start begins running registered jobs. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.cron.Start()
	r.started = true
}

// Stop halts scheduling. Jobs already running finish on their own.
// Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cron.Stop()
	r.started = false
}

// Jobs returns the names of registered jobs.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
