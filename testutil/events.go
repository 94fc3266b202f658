package testutil

import (
	"context"
	"sync"

	"github.com/c360/homecore/types"
)

// EventCapture records events. It works both as a synchronous publisher
// (Publish) and as a bus handler (Handle).
type EventCapture struct {
	mu     sync.Mutex
	events []*types.Event
}

// NewEventCapture creates an empty capture.
func NewEventCapture() *EventCapture {
	return &EventCapture{}
}

// Publish records event. Implements the statestore and command publishers.
func (c *EventCapture) Publish(event *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Handle records event. Matches bus.Handler.
func (c *EventCapture) Handle(_ context.Context, event *types.Event) error {
	return c.Publish(event)
}

// Events returns recorded events, filtered to eventTypes when given.
func (c *EventCapture) Events(eventTypes ...string) []*types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(eventTypes) == 0 {
		out := make([]*types.Event, len(c.events))
		copy(out, c.events)
		return out
	}
	want := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		want[t] = true
	}
	var out []*types.Event
	for _, e := range c.events {
		if want[e.EventType] {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of recorded events of eventType.
func (c *EventCapture) Count(eventType string) int {
	return len(c.Events(eventType))
}

// Reset forgets everything recorded.
func (c *EventCapture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
