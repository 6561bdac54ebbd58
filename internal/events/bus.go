// Package events provides the in-process pub-sub bus the performance
// components publish on. Consumers (telemetry, UI bridges, the event log)
// subscribe by topic; components never talk to them directly.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is published.
type HandlerFunc func(context.Context, any) error

// Option configures a Bus.
type Option func(*busConfig)

type busConfig struct {
	bufferSize   int
	syncDelivery bool
	logger       *slog.Logger
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(cfg *busConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets a structured logger for handler errors.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *busConfig) {
		cfg.logger = logger
	}
}

// WithSyncDelivery forces synchronous handler calls on the dispatch
// goroutine, so handlers observe events strictly in publication order.
func WithSyncDelivery() Option {
	return func(cfg *busConfig) {
		cfg.syncDelivery = true
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Bus is a process-wide event fan-out. Publishing is non-blocking up to the
// buffer size; dispatch runs on a single goroutine so handlers observe
// events in publication order.
type Bus struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64
	published   int64

	events   chan event
	shutdown chan struct{}

	config busConfig

	closed int32
	wg     sync.WaitGroup
}

// NewBus creates a Bus and starts its dispatch loop.
func NewBus(opts ...Option) *Bus {
	cfg := busConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bus{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}

	empty := make(subscriberMap)
	b.subscribers.Store(&empty)

	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish emits an event to the given topic. It fails only when the bus is
// saturated for a prolonged period, which callers treat as advisory.
func Publish[T any](b *Bus, topic string, value T) error {
	select {
	case b.events <- event{topic: topic, message: value}:
		return nil
	case <-b.shutdown:
		return fmt.Errorf("publish %s: bus closed", topic)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("publish %s: bus saturated", topic)
	}
}

// Subscribe registers a typed handler for a topic. The returned Subscription
// carries an Unsubscribe func.
func Subscribe[T any](b *Bus, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
		}
		return handler(ctx, typed)
	})

	subID := atomic.AddInt64(&b.nextSubID, 1)
	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, subID),
		Handler: wrapped,
	}
	b.addSubscription(sub)
	sub.Unsubscribe = func() {
		b.removeSubscription(sub.ID)
	}
	return sub
}

// Close shuts the bus down and waits briefly for the dispatch loop to drain.
// Idempotent.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		close(b.shutdown)

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

// Published returns the number of events accepted so far.
func (b *Bus) Published() int64 {
	return atomic.LoadInt64(&b.published)
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.shutdown:
			return
		case evt := <-b.events:
			atomic.AddInt64(&b.published, 1)

			subs := b.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range topicSubs {
					b.deliver(sub, evt, b.config.syncDelivery)
				}
			}
		}
	}
}

// addSubscription adds a subscription using copy-on-write.
func (b *Bus) addSubscription(sub Subscription) {
	for {
		oldSubs := b.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub

		if b.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

// removeSubscription removes a subscription using copy-on-write.
func (b *Bus) removeSubscription(subID string) {
	for {
		oldSubs := b.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}

		if b.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}

func (b *Bus) deliver(sub Subscription, evt event, sync bool) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := sub.Handler(ctx, evt.message); err != nil {
			if b.config.logger != nil {
				b.config.logger.Debug("event handler error",
					"topic", evt.topic,
					"error", err,
					"subscription_id", sub.ID)
			}
		}
	}

	if sync {
		run()
	} else {
		go run()
	}
}
