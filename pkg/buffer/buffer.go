// Package buffer provides a generic, thread-safe bounded buffer with a
// configurable overflow policy.
//
// The event bus uses it as the per-subscriber mailbox: a full mailbox
// drops its oldest event so a stalled subscriber never blocks the
// publisher, and the drop callback reports what was lost.
//
//	mailbox, _ := buffer.NewCircularBuffer[*types.Event](4096,
//	    buffer.WithOverflowPolicy[*types.Event](buffer.DropOldest),
//	    buffer.WithDropCallback(func(ev *types.Event) { ... }),
//	)
//
// Statistics are always collected.
package buffer

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes and returns the oldest item. ok is false when empty.
	Read() (item T, ok bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (item T, ok bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes every item without invoking the drop callback and
	// returns how many were removed.
	Clear() int

	// Stats returns the buffer's statistics.
	Stats() *Statistics

	// Close refuses further writes. Queued items can still be read.
	Close() error
}

// OverflowPolicy defines what Write does when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the item being written.
	DropNewest
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback receives an item discarded by the overflow policy. It runs
// on the writer's goroutine after the buffer lock is released.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer holding at most capacity items.
// A capacity below one is raised to one.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
