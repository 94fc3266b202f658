package types

import (
	"time"
)

// Event types published by the kernel.
const (
	EventStateChanged        = "state_changed"
	EventStateReported       = "state_reported"
	EventCallService         = "call_service"
	EventServiceRegistered   = "service_registered"
	EventServiceRemoved      = "service_removed"
	EventCoreStart           = "homeassistant_start"
	EventCoreStarted         = "homeassistant_started"
	EventCoreStop            = "homeassistant_stop"
	EventCoreClose           = "homeassistant_close"
	EventAutomationTriggered = "automation_triggered"
	EventAutomationReloaded  = "automation_reloaded"
)

// EventOrigin says where an event was fired.
type EventOrigin string

// Event origins.
const (
	OriginLocal  EventOrigin = "LOCAL"
	OriginRemote EventOrigin = "REMOTE"
)

// Event is a typed notification. Once published it is shared by pointer
// between all subscribers and must not be modified.
type Event struct {
	EventType string      `json:"event_type"`
	Data      any         `json:"data"`
	Origin    EventOrigin `json:"origin"`
	TimeFired time.Time   `json:"time_fired"`
	Context   *Context    `json:"context"`
}

// NewEvent builds a local event with a fresh root context when ctx is nil.
// TimeFired is stamped by the bus on publish.
func NewEvent(eventType string, data any, ctx *Context) *Event {
	if ctx == nil {
		ctx = NewContext()
	}
	return &Event{
		EventType: eventType,
		Data:      data,
		Origin:    OriginLocal,
		Context:   ctx,
	}
}

// StateChangedData is the payload of state_changed. OldState is nil for a
// new entity; NewState is nil when the entity was removed.
type StateChangedData struct {
	EntityID EntityID `json:"entity_id"`
	OldState *State   `json:"old_state"`
	NewState *State   `json:"new_state"`
}

// StateReportedData is the payload of state_reported.
type StateReportedData struct {
	EntityID        EntityID  `json:"entity_id"`
	NewState        *State    `json:"new_state"`
	OldLastReported time.Time `json:"old_last_reported"`
}

// CallServiceData is the payload of call_service.
type CallServiceData struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

// ServiceEventData is the payload of service_registered and service_removed.
type ServiceEventData struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
}

// AutomationTriggeredData is the payload of automation_triggered.
type AutomationTriggeredData struct {
	RuleID string `json:"entity_id"`
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

// DataMap renders well-known payloads as plain maps so rule patterns and
// template scopes can inspect them uniformly.
func (e *Event) DataMap() map[string]any {
	switch d := e.Data.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return d
	case StateChangedData:
		return stateChangedMap(d)
	case *StateChangedData:
		return stateChangedMap(*d)
	case StateReportedData:
		m := map[string]any{"entity_id": d.EntityID.String()}
		if d.NewState != nil {
			m["new_state"] = d.NewState.AsMap()
		}
		return m
	case CallServiceData:
		return map[string]any{"domain": d.Domain, "service": d.Service, "service_data": d.ServiceData}
	case ServiceEventData:
		return map[string]any{"domain": d.Domain, "service": d.Service}
	case AutomationTriggeredData:
		return map[string]any{"entity_id": d.RuleID, "name": d.Name, "source": d.Source}
	case Attributes:
		return d.Map()
	default:
		return map[string]any{"value": d}
	}
}

func stateChangedMap(d StateChangedData) map[string]any {
	m := map[string]any{"entity_id": d.EntityID.String(), "old_state": nil, "new_state": nil}
	if d.OldState != nil {
		m["old_state"] = d.OldState.AsMap()
	}
	if d.NewState != nil {
		m["new_state"] = d.NewState.AsMap()
	}
	return m
}
