// Package homecore is the reactive core of a home automation system: an
// in-process event bus, a store of entity states, a registry of named
// commands and a rule engine that ties them together.
//
// # Architecture
//
//	              ┌──────────────────────────────┐
//	 integrations │        command.Registry      │ automation.* services
//	 ───────────▶ │  domain.name → handler       │ ◀───────────┐
//	              └──────────────┬───────────────┘             │
//	                             │ call_service                │
//	                             ▼                             │
//	 ┌──────────────┐  state_changed   ┌──────────┐  events  ┌─┴───────────────┐
//	 │ statestore   │ ───────────────▶ │   bus    │ ───────▶ │ automation      │
//	 │ entity_id →  │                  │ per-sub  │          │ triggers        │
//	 │ State        │ ◀─────────────── │ mailbox  │          │ conditions      │
//	 └──────────────┘   Set / Remove   └────┬─────┘          │ actions, modes  │
//	                                        │ match-all      └─────────────────┘
//	                                        ▼
//	                                 ┌──────────────┐
//	                                 │  natsbridge  │  homecore.events.<type>
//	                                 │  (optional)  │  KV: ENTITY_STATES
//	                                 └──────────────┘
//
// Every event and state carries a types.Context. Actions run under a child
// of the context that triggered them, so a state written by a command
// handler can be traced back to the rule run and the event that caused it.
// The engine uses that lineage to stop rules from re-triggering themselves
// without bound.
//
// # Packages
//
//   - types: EntityID, Context, State, Event and the core event types
//   - bus: ordered, per-subscriber delivery with match-all subscriptions
//   - statestore: entity states with change detection and domain indexes
//   - command: named commands with JSON Schema validated input
//   - template: CUE backed value templates
//   - automation: rule definitions, triggers, conditions, actions and the engine
//   - natsbridge: optional export of events and states to NATS JetStream
//   - config: YAML or JSON process configuration with layered loading
//   - metric: Prometheus registry shared by every component
//   - errors: classified errors (invalid, transient, fatal)
//   - cmd/homecore: the process entry point
//
// # Quick Start
//
//	homecore validate -c homecore.yaml
//	homecore run -c homecore.yaml --log-format json
package homecore
