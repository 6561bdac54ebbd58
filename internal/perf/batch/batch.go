// Package batch groups many small operations into priority-ordered batches
// around a caller-supplied processor. At most one batch is in flight at a
// time; arrivals during processing queue up for the next one.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/pace/internal/events"
	"github.com/neboloop/pace/internal/logging"
)

var (
	// ErrBatchTimeout rejects every item of a batch whose processor ran
	// past the configured deadline. The underlying call is not guaranteed
	// to stop; cancellation is best-effort via the context.
	ErrBatchTimeout = errors.New("batch processing timed out")

	// ErrResultCount rejects a batch whose processor returned a result
	// slice shorter or longer than its input.
	ErrResultCount = errors.New("processor returned wrong result count")

	// ErrStopped rejects items added after Stop.
	ErrStopped = errors.New("batch processor stopped")
)

// ProcessFunc receives the ordered batch data and must return one result
// per input, in the same order.
type ProcessFunc[T, R any] func(ctx context.Context, items []T) ([]R, error)

// Result settles one added item: Value on success, Err otherwise.
type Result[R any] struct {
	Value R
	Err   error
}

// Config tunes a Processor. Zero values default.
type Config struct {
	MaxBatchSize int
	MinBatchSize int
	MaxWait      time.Duration
	BatchTimeout time.Duration
}

const (
	defaultMaxBatchSize = 10
	defaultMinBatchSize = 1
	defaultMaxWait      = 100 * time.Millisecond
	defaultBatchTimeout = 30 * time.Second
)

type item[T, R any] struct {
	id       string
	data     T
	priority int
	seq      uint64
	addedAt  time.Time
	done     chan Result[R]
}

// BatchEvent is the payload for batch.* events.
type BatchEvent struct {
	Size       int
	DurationMs int64
	Err        string
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Pending        int
	InFlight       bool
	Batches        int64
	ItemsProcessed int64
	Failures       int64
	Timeouts       int64
	AvgDurationMs  float64
}

// Processor coalesces items of type T into batches handed to fn.
// All methods are safe for concurrent use.
type Processor[T, R any] struct {
	mu       sync.Mutex
	cfg      Config
	fn       ProcessFunc[T, R]
	pending  []*item[T, R]
	seq      uint64
	inFlight bool
	timer    *time.Timer
	rearmed  bool
	stopped  bool

	batches        int64
	itemsProcessed int64
	failures       int64
	timeouts       int64
	totalDuration  time.Duration

	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// New creates a processor around fn. Bus may be nil.
func New[T, R any](cfg Config, fn ProcessFunc[T, R], logger *slog.Logger, bus *events.Bus) *Processor[T, R] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = defaultMinBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	return &Processor[T, R]{
		cfg:    cfg,
		fn:     fn,
		logger: logging.Or(logger),
		bus:    bus,
		now:    time.Now,
	}
}

// Add queues data and returns a channel that settles exactly once when the
// item's batch completes. Higher priority runs first; FIFO within a tier.
func (p *Processor[T, R]) Add(data T, priority int) <-chan Result[R] {
	done := make(chan Result[R], 1)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		done <- Result[R]{Err: ErrStopped}
		return done
	}

	p.seq++
	it := &item[T, R]{
		id:       uuid.NewString(),
		data:     data,
		priority: priority,
		seq:      p.seq,
		addedAt:  p.now(),
		done:     done,
	}

	// Insert priority-descending, after existing items of equal priority.
	idx := sort.Search(len(p.pending), func(i int) bool {
		return p.pending[i].priority < priority
	})
	p.pending = append(p.pending, nil)
	copy(p.pending[idx+1:], p.pending[idx:])
	p.pending[idx] = it

	if len(p.pending) >= p.cfg.MaxBatchSize && !p.inFlight {
		p.flushLocked()
	} else if p.timer == nil && !p.inFlight {
		p.rearmed = false
		p.timer = time.AfterFunc(p.cfg.MaxWait, p.onTimer)
	}
	p.mu.Unlock()

	return done
}

// Flush forces the current pending set into a batch, regardless of size.
func (p *Processor[T, R]) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inFlight && len(p.pending) > 0 {
		p.flushLocked()
	}
}

// Stop flushes anything pending and rejects later Adds. Idempotent.
func (p *Processor[T, R]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !p.inFlight && len(p.pending) > 0 {
		p.flushLocked()
	}
}

// RecommendedBatchSize adapts the configured size to observed processing
// time: double when batches average under 100ms, halve when over 1s,
// clamped to [1,100].
func (p *Processor[T, R]) RecommendedBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.cfg.MaxBatchSize
	if p.batches > 0 {
		avgMs := float64(p.totalDuration.Milliseconds()) / float64(p.batches)
		if avgMs < 100 {
			size *= 2
		} else if avgMs > 1000 {
			size /= 2
		}
	}
	if size < 1 {
		size = 1
	}
	if size > 100 {
		size = 100
	}
	return size
}

// GetStats returns a snapshot.
func (p *Processor[T, R]) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := 0.0
	if p.batches > 0 {
		avg = float64(p.totalDuration.Milliseconds()) / float64(p.batches)
	}
	return Stats{
		Pending:        len(p.pending),
		InFlight:       p.inFlight,
		Batches:        p.batches,
		ItemsProcessed: p.itemsProcessed,
		Failures:       p.failures,
		Timeouts:       p.timeouts,
		AvgDurationMs:  avg,
	}
}

// onTimer fires when the wait window elapses. A pending set below the
// minimum batch size gets one extra wait window before it is force-flushed,
// so a lone item waits at most twice MaxWait under sparse traffic.
func (p *Processor[T, R]) onTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil

	if p.inFlight || len(p.pending) == 0 {
		return
	}
	if len(p.pending) < p.cfg.MinBatchSize && !p.rearmed {
		p.rearmed = true
		p.timer = time.AfterFunc(p.cfg.MaxWait, p.onTimer)
		return
	}
	p.flushLocked()
}

// flushLocked starts processing up to MaxBatchSize pending items.
// Caller holds p.mu and has checked !p.inFlight.
func (p *Processor[T, R]) flushLocked() {
	n := len(p.pending)
	if n > p.cfg.MaxBatchSize {
		n = p.cfg.MaxBatchSize
	}
	batch := p.pending[:n:n]
	p.pending = append([]*item[T, R](nil), p.pending[n:]...)

	p.inFlight = true
	p.rearmed = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	go p.run(batch)
}

func (p *Processor[T, R]) run(batch []*item[T, R]) {
	start := p.now()
	p.publish(events.TopicBatchStart, BatchEvent{Size: len(batch)})

	data := make([]T, len(batch))
	for i, it := range batch {
		data[i] = it.data
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.BatchTimeout)
	defer cancel()

	type outcome struct {
		results []R
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: errors.New("processor panicked")}
			}
		}()
		results, err := p.fn(ctx, data)
		ch <- outcome{results: results, err: err}
	}()

	var results []R
	var err error
	timedOut := false
	select {
	case out := <-ch:
		results, err = out.results, out.err
	case <-ctx.Done():
		err = ErrBatchTimeout
		timedOut = true
	}

	if err == nil && len(results) != len(batch) {
		err = ErrResultCount
	}

	duration := p.now().Sub(start)

	for i, it := range batch {
		if err != nil {
			it.done <- Result[R]{Err: err}
		} else {
			it.done <- Result[R]{Value: results[i]}
		}
	}

	p.mu.Lock()
	p.batches++
	p.totalDuration += duration
	if err != nil {
		p.failures++
		if timedOut {
			p.timeouts++
		}
	} else {
		p.itemsProcessed += int64(len(batch))
	}

	// Next batch: a full backlog goes immediately, anything else gets a
	// fresh wait window.
	p.inFlight = false
	if !p.stopped && len(p.pending) >= p.cfg.MaxBatchSize {
		p.flushLocked()
	} else if len(p.pending) > 0 {
		if p.stopped {
			p.flushLocked()
		} else if p.timer == nil {
			p.rearmed = false
			p.timer = time.AfterFunc(p.cfg.MaxWait, p.onTimer)
		}
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("batch failed", "size", len(batch), "error", err)
		p.publish(events.TopicBatchError, BatchEvent{Size: len(batch), DurationMs: duration.Milliseconds(), Err: err.Error()})
	} else {
		p.publish(events.TopicBatchComplete, BatchEvent{Size: len(batch), DurationMs: duration.Milliseconds()})
	}
}

func (p *Processor[T, R]) publish(topic string, payload any) {
	if p.bus == nil {
		return
	}
	_ = events.Publish(p.bus, topic, payload)
}
