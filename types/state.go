package types

import (
	"time"
)

// State limits and sentinel values.
const (
	// MaxStateLength is the maximum number of code points in a state value.
	MaxStateLength = 255

	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// State is the current state of one entity. A stored State is immutable;
// the store replaces it wholesale on every write, so pointers to it may be
// shared freely between goroutines.
type State struct {
	EntityID     EntityID   `json:"entity_id"`
	Value        string     `json:"state"`
	Attributes   Attributes `json:"attributes"`
	LastChanged  time.Time  `json:"last_changed"`
	LastUpdated  time.Time  `json:"last_updated"`
	LastReported time.Time  `json:"last_reported"`
	Context      *Context   `json:"context"`
}

// IsUnavailable reports whether the entity is marked unavailable.
func (s *State) IsUnavailable() bool { return s.Value == StateUnavailable }

// IsUnknown reports whether the entity's value is unknown.
func (s *State) IsUnknown() bool { return s.Value == StateUnknown }

// Attribute returns one attribute value.
func (s *State) Attribute(key string) (any, bool) {
	return s.Attributes.Get(key)
}

// SameContent reports whether s already holds value and attrs.
// Timestamps and context are ignored.
func (s *State) SameContent(value string, attrs Attributes) bool {
	return s.Value == value && s.Attributes.Equal(attrs)
}

// AsMap renders the state as a plain map, the shape template scopes use.
func (s *State) AsMap() map[string]any {
	return map[string]any{
		"entity_id":     s.EntityID.String(),
		"state":         s.Value,
		"attributes":    s.Attributes.Map(),
		"last_changed":  s.LastChanged.UTC().Format(time.RFC3339Nano),
		"last_updated":  s.LastUpdated.UTC().Format(time.RFC3339Nano),
		"last_reported": s.LastReported.UTC().Format(time.RFC3339Nano),
	}
}
