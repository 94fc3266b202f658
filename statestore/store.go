// Package statestore holds the current state of every entity and keeps a
// domain index for fast domain-scoped queries.
//
// Writes to one entity are serialized by that entity's lock; writes to
// different entities proceed in parallel. The membership lock only guards
// which entities exist and is never held while an event is published.
package statestore

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/types"
)

// Publisher is the part of the event bus the store needs.
type Publisher interface {
	Publish(event *types.Event) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers store metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(s *Store) {
		s.metrics = newStoreMetrics(registrar)
	}
}

// WithClock replaces the time source for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// SetOption modifies a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	force bool
}

// ForceUpdate makes Set publish state_changed and bump LastChanged even
// when value and attributes are unchanged.
func ForceUpdate() SetOption {
	return func(o *setOptions) { o.force = true }
}

type entry struct {
	mu      sync.Mutex
	state   atomic.Pointer[types.State]
	removed bool
}

// Store is the entity state store.
type Store struct {
	mu      sync.RWMutex
	entries map[types.EntityID]*entry

	index *domainIndex

	bus     Publisher
	now     func() time.Time
	logger  *slog.Logger
	metrics *storeMetrics
}

// New creates a Store publishing to bus. bus may be nil in tests that do
// not observe events.
func New(bus Publisher, opts ...Option) *Store {
	s := &Store{
		entries: make(map[types.EntityID]*entry),
		index:   newDomainIndex(),
		bus:     bus,
		now:     time.Now,
		logger:  slog.Default().With("component", "statestore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set writes the state of id.
//
// If value and attrs equal the stored ones and ForceUpdate is not given,
// only LastReported moves and a state_reported event is published.
// Otherwise a value longer than MaxStateLength code points is replaced by
// "unknown", LastUpdated moves, LastChanged moves when the value differs
// (or on ForceUpdate), and state_changed is published with old and new
// states. A nil context is replaced by a new root context.
func (s *Store) Set(id types.EntityID, value string, attrs types.Attributes,
	ctx *types.Context, opts ...SetOption) (*types.State, error) {
	if id.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidEntityID, "StateStore", "Set", "validate entity id")
	}
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	if ctx == nil {
		ctx = types.NewContext()
	}

	for {
		e := s.lockEntry(id)
		if e == nil {
			s.createEntry(id)
			continue
		}
		// Held: membership read lock and entity lock.
		if e.removed {
			e.mu.Unlock()
			s.mu.RUnlock()
			continue
		}
		return s.write(e, id, value, attrs, ctx, o), nil
	}
}

// lockEntry returns the entry for id locked, with the membership read lock
// held, or nil with nothing held.
func (s *Store) lockEntry(id types.EntityID) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	e.mu.Lock()
	return e
}

func (s *Store) createEntry(id types.EntityID) {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = &entry{}
	}
	s.mu.Unlock()
}

// write performs the update. Called with the membership read lock and the
// entity lock held; releases both.
func (s *Store) write(e *entry, id types.EntityID, value string, attrs types.Attributes,
	ctx *types.Context, o setOptions) *types.State {
	now := s.now().UTC()
	old := e.state.Load()

	if old != nil && !o.force && old.SameContent(value, attrs) {
		reported := *old
		reported.LastReported = now
		e.state.Store(&reported)
		s.mu.RUnlock()

		s.publish(types.EventStateReported, types.StateReportedData{
			EntityID:        id,
			NewState:        &reported,
			OldLastReported: old.LastReported,
		}, ctx)
		e.mu.Unlock()

		s.metrics.recordWrite("reported")
		return &reported
	}

	if n := utf8.RuneCountInString(value); n > types.MaxStateLength {
		s.logger.Warn("State value too long, storing unknown",
			"entity_id", id.String(),
			"length", n,
			"max_length", types.MaxStateLength,
			"error", errors.ErrStateValueTooLong)
		s.metrics.recordClamped()
		value = types.StateUnknown
	}

	next := &types.State{
		EntityID:     id,
		Value:        value,
		Attributes:   attrs.Clone(),
		LastChanged:  now,
		LastUpdated:  now,
		LastReported: now,
		Context:      ctx,
	}
	if old != nil && old.Value == value && !o.force {
		next.LastChanged = old.LastChanged
	}
	e.state.Store(next)
	if old == nil {
		s.index.add(id)
		s.metrics.setEntities(s.index.total())
	}
	s.mu.RUnlock()

	s.publish(types.EventStateChanged, types.StateChangedData{
		EntityID: id,
		OldState: old,
		NewState: next,
	}, ctx)
	e.mu.Unlock()

	s.metrics.recordWrite("changed")
	return next
}

// Get returns the current state of id, or nil.
func (s *Store) Get(id types.EntityID) *types.State {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.state.Load()
}

// IsState reports whether id currently has value.
func (s *Store) IsState(id types.EntityID, value string) bool {
	st := s.Get(id)
	return st != nil && st.Value == value
}

// Remove deletes id and publishes state_changed with a nil NewState.
// Returns the removed state, or nil if id was unknown.
func (s *Store) Remove(id types.EntityID, ctx *types.Context) *types.State {
	if ctx == nil {
		ctx = types.NewContext()
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, id)
	e.mu.Lock()
	e.removed = true
	old := e.state.Swap(nil)
	if old != nil {
		s.index.remove(id)
		s.metrics.setEntities(s.index.total())
	}
	s.mu.Unlock()

	if old != nil {
		s.publish(types.EventStateChanged, types.StateChangedData{
			EntityID: id,
			OldState: old,
			NewState: nil,
		}, ctx)
		s.metrics.recordWrite("removed")
	}
	e.mu.Unlock()
	return old
}

// EntityIDs returns the ids stored under domain, sorted.
func (s *Store) EntityIDs(domain string) []types.EntityID {
	return s.index.ids(domain)
}

// DomainStates returns the states of every entity in domain.
func (s *Store) DomainStates(domain string) []*types.State {
	ids := s.index.ids(domain)
	out := make([]*types.State, 0, len(ids))
	for _, id := range ids {
		if st := s.Get(id); st != nil {
			out = append(out, st)
		}
	}
	return out
}

// Domains returns every domain with at least one entity, sorted.
func (s *Store) Domains() []string {
	return s.index.domains()
}

// AllEntityIDs returns every stored id, sorted by text form.
func (s *Store) AllEntityIDs() []types.EntityID {
	s.mu.RLock()
	out := make([]types.EntityID, 0, len(s.entries))
	for id, e := range s.entries {
		if e.state.Load() != nil {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	sortIDs(out)
	return out
}

// All returns every stored state, sorted by entity id.
func (s *Store) All() []*types.State {
	return s.Snapshot().All()
}

// Count returns the number of stored entities.
func (s *Store) Count() int {
	return s.index.total()
}

// Snapshot returns a consistent point-in-time view of every entity.
func (s *Store) Snapshot() *View {
	s.mu.Lock()
	states := make(map[types.EntityID]*types.State, len(s.entries))
	for id, e := range s.entries {
		if st := e.state.Load(); st != nil {
			states[id] = st
		}
	}
	s.mu.Unlock()
	return &View{states: states, takenAt: s.now().UTC()}
}

func (s *Store) publish(eventType string, data any, ctx *types.Context) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(types.NewEvent(eventType, data, ctx)); err != nil {
		s.logger.Debug("State event not published",
			"event_type", eventType,
			"error", err)
	}
}

func sortIDs(ids []types.EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
