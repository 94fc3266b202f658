// Package automation is the rule engine: rules made of triggers,
// conditions and actions, evaluated against events from the bus.
//
// A rule fires when one of its triggers matches an event (or a scheduled
// time arrives, or a debounce period elapses). Its conditions are then
// evaluated against a single state snapshot, and if they hold a run of its
// actions is submitted under the rule's execution mode:
//
//	single    a trigger arriving while a run is active is discarded
//	restart   the active run is cancelled and a new one starts
//	queued    runs wait in order, bounded by max (default 10)
//	parallel  runs proceed concurrently, bounded by max when set
//
// Every run executes under a child of the triggering event's context, so
// every state change, event and command call it causes can be traced back
// to the trigger. The engine uses that ancestry to refuse triggers caused
// by a rule's own runs and chains deeper than the configured limit.
//
// Rules are usually decoded from YAML with ParseDefinitions:
//
//	- id: hallway_follows_kitchen
//	  triggers:
//	    - trigger: state
//	      entity_id: light.kitchen
//	      to: "on"
//	  actions:
//	    - service: light.turn_on
//	      target:
//	        entity_id: light.hallway
package automation
