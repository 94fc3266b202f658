// Package bus implements the kernel's typed publish/subscribe event bus.
//
// Every subscription owns a bounded FIFO mailbox drained by a single
// goroutine, so a subscriber sees events in publish order and a slow or
// failing subscriber never holds up the publisher or its siblings. Events
// are shared by pointer between subscribers and must be treated as
// immutable once published.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/types"
)

// MatchAll subscribes to every event type except the match-all exclusions.
const MatchAll = "*"

// DefaultMailboxSize bounds each subscriber's queue.
const DefaultMailboxSize = 4096

// DefaultMatchAllExclusions are the event types match-all subscribers never see.
var DefaultMatchAllExclusions = []string{types.EventStateReported, types.EventCoreClose}

// Handler receives one event. A returned error or a panic is logged and
// counted against the subscription; it never affects other subscribers.
type Handler func(ctx context.Context, event *types.Event) error

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize sets the per-subscriber queue bound. Values < 1 are ignored.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithMatchAllExclusions replaces the set of event types hidden from
// match-all subscribers.
func WithMatchAllExclusions(eventTypes ...string) Option {
	return func(b *Bus) {
		b.exclusions = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			b.exclusions[t] = struct{}{}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics registers bus metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(b *Bus) {
		b.metrics = newBusMetrics(registrar)
	}
}

// WithClock replaces the time source used to stamp TimeFired.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus distributes events to subscribers.
type Bus struct {
	mu        sync.RWMutex
	byType    map[string]map[uint64]*Subscription
	listeners map[string]int

	// publishMu orders stamping and enqueueing so TimeFired is monotonic
	// and every subscriber sees the same relative order.
	publishMu sync.Mutex
	lastFired time.Time

	nextID      atomic.Uint64
	closed      atomic.Bool
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	mailboxSize int
	exclusions  map[string]struct{}
	now         func() time.Time
	logger      *slog.Logger
	metrics     *busMetrics
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		byType:      make(map[string]map[uint64]*Subscription),
		listeners:   make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
		mailboxSize: DefaultMailboxSize,
		now:         time.Now,
		logger:      slog.Default().With("component", "bus"),
	}
	WithMatchAllExclusions(DefaultMatchAllExclusions...)(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType, or for every non-excluded
// type when eventType is MatchAll. After Close it returns an inert
// subscription that never receives events.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	sub := newSubscription(b, b.nextID.Add(1), eventType, handler)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.removed.Store(true)
		sub.stop()
		return sub
	}
	subs, ok := b.byType[eventType]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.byType[eventType] = subs
	}
	subs[sub.id] = sub
	b.listeners[eventType]++
	count := b.listeners[eventType]
	// Registered under mu so Close, which sets closed and then takes mu,
	// cannot reach wg.Wait before this Add.
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.setListeners(eventType, count)

	go func() {
		defer b.wg.Done()
		sub.run(b.ctx)
	}()
	return sub
}

// remove detaches sub from the routing table. Returns false if already gone.
func (b *Bus) remove(sub *Subscription) bool {
	b.mu.Lock()
	subs, ok := b.byType[sub.eventType]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if _, ok := subs[sub.id]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.byType, sub.eventType)
	}
	b.listeners[sub.eventType]--
	count := b.listeners[sub.eventType]
	if count <= 0 {
		delete(b.listeners, sub.eventType)
	}
	b.mu.Unlock()

	b.metrics.setListeners(sub.eventType, count)
	return true
}

// Publish stamps event and hands it to every matching subscriber. It never
// blocks on subscribers. A nil Context is replaced by a new root context.
func (b *Bus) Publish(event *types.Event) error {
	if event == nil {
		return errors.WrapInvalid(fmt.Errorf("nil event"), "Bus", "Publish", "validate event")
	}
	if b.closed.Load() {
		return errors.WrapTransient(errors.ErrShuttingDown, "Bus", "Publish", "publish event")
	}
	if event.Context == nil {
		event.Context = types.NewContext()
	}
	if event.Origin == "" {
		event.Origin = types.OriginLocal
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	now := b.now().UTC()
	if now.Before(b.lastFired) {
		now = b.lastFired
	}
	b.lastFired = now
	event.TimeFired = now

	targets := b.matching(event.EventType)
	for _, sub := range targets {
		sub.enqueue(event)
	}
	b.metrics.recordPublished(event.EventType)
	return nil
}

// Fire builds and publishes an event, returning it.
func (b *Bus) Fire(eventType string, data any, origin types.EventOrigin, ctx *types.Context) (*types.Event, error) {
	event := types.NewEvent(eventType, data, ctx)
	if origin != "" {
		event.Origin = origin
	}
	if err := b.Publish(event); err != nil {
		return nil, err
	}
	return event, nil
}

func (b *Bus) matching(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	exact := b.byType[eventType]
	var wildcard map[uint64]*Subscription
	if _, excluded := b.exclusions[eventType]; !excluded && eventType != MatchAll {
		wildcard = b.byType[MatchAll]
	}
	out := make([]*Subscription, 0, len(exact)+len(wildcard))
	for _, s := range exact {
		out = append(out, s)
	}
	for _, s := range wildcard {
		out = append(out, s)
	}
	return out
}

// ListenerCount returns the number of subscriptions registered for eventType.
// MatchAll subscriptions are counted under MatchAll only.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners[eventType]
}

// ListenerCounts returns a copy of all per-type listener counts.
func (b *Bus) ListenerCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.listeners))
	for k, v := range b.listeners {
		out[k] = v
	}
	return out
}

// EventTypes returns the event types with at least one listener, sorted.
func (b *Bus) EventTypes() []string {
	counts := b.ListenerCounts()
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsExcludedFromMatchAll reports whether match-all subscribers skip eventType.
func (b *Bus) IsExcludedFromMatchAll(eventType string) bool {
	_, ok := b.exclusions[eventType]
	return ok
}

// Flush waits until every event published before the call has been handled
// by every current subscriber, or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.RLock()
	var barriers []chan struct{}
	for _, subs := range b.byType {
		for _, s := range subs {
			if done := s.barrier(); done != nil {
				barriers = append(barriers, done)
			}
		}
	}
	b.mu.RUnlock()

	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Bus", "Flush", "wait for subscribers")
		}
	}
	return nil
}

// Close stops accepting events, lets every mailbox drain and waits for the
// subscriber goroutines to exit.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Wait for an in-flight Publish to finish enqueueing.
	b.publishMu.Lock()
	b.publishMu.Unlock()

	b.mu.RLock()
	for _, subs := range b.byType {
		for _, s := range subs {
			s.stopAfterDrain()
		}
	}
	b.mu.RUnlock()

	b.wg.Wait()
	b.cancel()
	b.logger.Debug("Event bus closed")
	return nil
}
