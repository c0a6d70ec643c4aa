// Package eventbus implements the pub/sub primitive described in
// SPEC_FULL.md §4.4: exact and pattern subscriptions, fire-and-forget
// publication, per-subscriber delivery isolation, and bounded backpressure.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/logging"
)

// Handler processes one delivered event. It must not block indefinitely;
// a slow handler only delays delivery to its own subscriber.
type Handler func(ctx context.Context, event events.Envelope)

// Subscription lets a caller tear down a subscription it no longer needs.
type Subscription interface {
	Unsubscribe()
}

// Bus is the pub/sub contract shared by the memory and Redis backings.
type Bus interface {
	Publish(ctx context.Context, channel string, event events.Envelope) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	SubscribePattern(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	Close() error
}

// DefaultQueueCapacity bounds each subscriber's delivery queue in the
// memory backend; newest events are dropped past this point (spec.md §4.4).
const DefaultQueueCapacity = 1024

// subscriber is one registered handler with its own delivery goroutine and
// bounded queue, isolating slow or failing handlers from their siblings.
type subscriber struct {
	id      uint64
	pattern string // "" for exact-channel subscriptions matched by map key
	match   func(channel string) bool
	handler Handler
	queue   chan events.Envelope
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	bus     *Memory
}

func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// DroppedEvents reports how many events were discarded because this
// subscriber's queue was full.
func (s *subscriber) DroppedEvents() int64 { return s.dropped.Load() }

func (s *subscriber) run() {
	for {
		select {
		case ev := <-s.queue:
			s.safeHandle(ev)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) safeHandle(ev events.Envelope) {
	defer func() {
		// A handler that panics is isolated: logged here, then dropped, so
		// delivery to other subscribers is unaffected (spec.md §4.4).
		if r := recover(); r != nil && s.bus.logger != nil {
			s.bus.logger.WithFields(map[string]any{
				"channel":    ev.Channel,
				"event_type": ev.Type,
			}).Error("eventbus: subscriber handler panicked", "recovered", fmt.Sprint(r))
		}
	}()
	s.handler(context.Background(), ev)
}

// Memory is the in-process Bus: one goroutine per subscriber, draining a
// bounded channel, so one slow subscriber never blocks the publisher or
// its siblings.
type Memory struct {
	mu        sync.RWMutex
	exact     map[string][]*subscriber
	patterned []*subscriber
	nextID    uint64
	closed    bool
	logger    *logging.Logger
}

// NewMemory creates an in-process event bus. A recovered handler panic is
// reported through logger, per spec.md §4.4's delivery-isolation clause.
func NewMemory(logger *logging.Logger) *Memory {
	return &Memory{exact: make(map[string][]*subscriber), logger: logger}
}

func (b *Memory) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		handler: handler,
		queue:   make(chan events.Envelope, DefaultQueueCapacity),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.exact[channel] = append(b.exact[channel], sub)
	go sub.run()
	return sub, nil
}

func (b *Memory) SubscribePattern(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	matcher := compileGlob(pattern)
	sub := &subscriber{
		id:      b.nextID,
		pattern: pattern,
		match:   matcher,
		handler: handler,
		queue:   make(chan events.Envelope, DefaultQueueCapacity),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.patterned = append(b.patterned, sub)
	go sub.run()
	return sub, nil
}

func (b *Memory) Publish(_ context.Context, channel string, event events.Envelope) error {
	event.Channel = channel
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.exact[channel] {
		deliver(sub, event)
	}
	for _, sub := range b.patterned {
		if sub.match(channel) {
			deliver(sub, event)
		}
	}
	return nil
}

func deliver(sub *subscriber, event events.Envelope) {
	select {
	case sub.queue <- event:
	default:
		sub.dropped.Add(1)
	}
}

func (b *Memory) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if target.pattern != "" || target.match != nil {
		filtered := b.patterned[:0]
		for _, s := range b.patterned {
			if s.id != target.id {
				filtered = append(filtered, s)
			}
		}
		b.patterned = filtered
		return
	}
	for channel, subs := range b.exact {
		filtered := subs[:0]
		for _, s := range subs {
			if s.id != target.id {
				filtered = append(filtered, s)
			}
		}
		b.exact[channel] = filtered
	}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*subscriber
	for _, subs := range b.exact {
		all = append(all, subs...)
	}
	all = append(all, b.patterned...)
	b.mu.Unlock()
	// Unsubscribe takes b.mu itself (via remove), so it runs unlocked.
	for _, s := range all {
		s.Unsubscribe()
	}
	return nil
}

// compileGlob builds a matcher for a Go-style pattern where "*" matches any
// single segment and "**" matches any suffix of remaining segments,
// segments being delimited by ':'.
func compileGlob(pattern string) func(channel string) bool {
	patternSegs := strings.Split(pattern, ":")
	return func(channel string) bool {
		return matchSegments(patternSegs, strings.Split(channel, ":"))
	}
}

func matchSegments(pattern, channel []string) bool {
	for i := 0; i < len(pattern); i++ {
		seg := pattern[i]
		if seg == "**" {
			// "**" matches any suffix, including the empty suffix.
			return true
		}
		if i >= len(channel) {
			return false
		}
		if seg != "*" && seg != channel[i] {
			return false
		}
	}
	return len(pattern) == len(channel)
}
