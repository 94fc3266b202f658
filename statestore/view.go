package statestore

import (
	"sort"
	"time"

	"github.com/c360/homecore/types"
)

// Reader is read access to entity states. Both Store and View implement it.
type Reader interface {
	Get(id types.EntityID) *types.State
}

// View is an immutable point-in-time copy of the store.
type View struct {
	states  map[types.EntityID]*types.State
	takenAt time.Time
}

// NewView builds a View from states. Intended for tests and tools.
func NewView(states ...*types.State) *View {
	v := &View{states: make(map[types.EntityID]*types.State, len(states)), takenAt: time.Now().UTC()}
	for _, st := range states {
		v.states[st.EntityID] = st
	}
	return v
}

// Get returns the state of id at snapshot time, or nil.
func (v *View) Get(id types.EntityID) *types.State {
	return v.states[id]
}

// TakenAt returns when the snapshot was taken.
func (v *View) TakenAt() time.Time { return v.takenAt }

// Len returns the number of entities in the view.
func (v *View) Len() int { return len(v.states) }

// EntityIDs returns the ids in domain, sorted.
func (v *View) EntityIDs(domain string) []types.EntityID {
	var out []types.EntityID
	for id := range v.states {
		if id.Domain() == domain {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// All returns every state sorted by entity id.
func (v *View) All() []*types.State {
	out := make([]*types.State, 0, len(v.states))
	for _, st := range v.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityID.String() < out[j].EntityID.String()
	})
	return out
}
