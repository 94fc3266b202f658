package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/pkg/buffer"
	"github.com/c360/homecore/types"
)

// flushBarrier is closed once settled reaches target.
type flushBarrier struct {
	target uint64
	done   chan struct{}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id        uint64
	eventType string
	handler   Handler
	bus       *Bus
	mailbox   buffer.Buffer[*types.Event]

	// mu guards the counters and barriers, and serialises mailbox writes
	// with them. An event is settled once handled or dropped.
	mu       sync.Mutex
	written  uint64
	settled  uint64
	barriers []flushBarrier
	draining bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	removed  atomic.Bool
}

func newSubscription(b *Bus, id uint64, eventType string, handler Handler) *Subscription {
	s := &Subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
		bus:       b,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	// NewCircularBuffer only fails on an unknown policy.
	s.mailbox, _ = buffer.NewCircularBuffer[*types.Event](b.mailboxSize,
		buffer.WithOverflowPolicy[*types.Event](buffer.DropOldest),
		buffer.WithDropCallback(s.dropped),
	)
	return s
}

// ID returns the subscription's unique id within its bus.
func (s *Subscription) ID() uint64 { return s.id }

// EventType returns the subscribed type, or MatchAll.
func (s *Subscription) EventType() string { return s.eventType }

// Unsubscribe detaches the subscription. Events still queued are discarded.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if !s.removed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s)
	s.mu.Lock()
	_ = s.mailbox.Close()
	s.mailbox.Clear()
	s.releaseBarriersLocked()
	s.mu.Unlock()
	s.stop()
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	return s.mailbox.Size()
}

// Stats returns the mailbox counters.
func (s *Subscription) Stats() buffer.StatsSummary {
	return s.mailbox.Stats().Summary()
}

// enqueue appends event. A full mailbox drops its oldest event.
func (s *Subscription) enqueue(event *types.Event) {
	if s.removed.Load() {
		return
	}
	s.mu.Lock()
	if err := s.mailbox.Write(event); err != nil {
		s.mu.Unlock()
		return
	}
	s.written++
	s.mu.Unlock()
	s.signal()
}

// dropped is the mailbox overflow callback. It runs inside enqueue, with
// mu held.
func (s *Subscription) dropped(event *types.Event) {
	s.settled++
	s.settleLocked()
	s.bus.logger.Warn("Subscriber mailbox full, dropped oldest event",
		"subscription", s.id,
		"subscribed_to", s.eventType,
		"dropped_event", event.EventType,
		"mailbox_size", s.mailbox.Capacity())
	s.bus.metrics.recordDropped(s.eventType)
}

// barrier returns a channel closed once every event enqueued so far has
// been handled or dropped. Returns nil if the subscription is gone.
func (s *Subscription) barrier() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed.Load() {
		return nil
	}
	if s.settled >= s.written {
		close(ch)
		return ch
	}
	s.barriers = append(s.barriers, flushBarrier{target: s.written, done: ch})
	return ch
}

func (s *Subscription) settleLocked() {
	i := 0
	for ; i < len(s.barriers) && s.barriers[i].target <= s.settled; i++ {
		close(s.barriers[i].done)
	}
	if i > 0 {
		s.barriers = append(s.barriers[:0], s.barriers[i:]...)
	}
}

func (s *Subscription) releaseBarriersLocked() {
	for _, b := range s.barriers {
		close(b.done)
	}
	s.barriers = nil
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// stopAfterDrain lets the goroutine finish its queue, then exit.
func (s *Subscription) stopAfterDrain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

// run drains the mailbox until stopped.
func (s *Subscription) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			if s.removed.Load() {
				return
			}
			event, ok := s.mailbox.Read()
			if !ok {
				s.mu.Lock()
				draining := s.draining && s.mailbox.IsEmpty()
				if draining {
					s.removed.Store(true)
					_ = s.mailbox.Close()
					s.releaseBarriersLocked()
				}
				s.mu.Unlock()
				if draining {
					s.stop()
					return
				}
				break
			}

			s.deliver(ctx, event)

			s.mu.Lock()
			s.settled++
			s.settleLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, event *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("Event handler panicked",
				"subscription", s.id,
				"subscribed_to", s.eventType,
				"event_type", event.EventType,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			s.bus.metrics.recordFault(event.EventType)
		}
	}()

	if err := s.handler(ctx, event); err != nil {
		err = errors.Wrap(fmt.Errorf("%w: %w", errors.ErrTriggerHandlerFault, err),
			"Subscription", "deliver", "handle event")
		s.bus.logger.Error("Event handler failed",
			"subscription", s.id,
			"subscribed_to", s.eventType,
			"event_type", event.EventType,
			"error", err)
		s.bus.metrics.recordFault(event.EventType)
		return
	}
	s.bus.metrics.recordDelivered(event.EventType)
}
