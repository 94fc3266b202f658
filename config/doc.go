// Package config loads and validates homecore process configuration.
//
// A configuration document is YAML (or JSON) with these sections:
//
//	core:
//	  mailbox_size: 4096
//	  match_all_exclusions: [state_reported, homeassistant_close]
//	  max_context_depth: 10
//	  allow_self_retrigger: false
//	  default_queue_max: 10
//	  time_zone: Europe/Amsterdam
//	  stop_timeout: 10s
//	logging:
//	  level: info        # debug, info, warn, error
//	  format: text       # text or json
//	metrics:
//	  enabled: true
//	  address: ":9090"
//	  path: /metrics
//	nats:
//	  enabled: false
//	  url: nats://localhost:4222
//	  subject_prefix: homecore.events
//	  state_bucket: ENTITY_STATES
//	automations:
//	  - id: porch_light
//	    triggers: [{trigger: state, entity_id: binary_sensor.porch, to: "on"}]
//	    actions: [{action: light.turn_on, target: {entity_id: light.porch}}]
//	automation_files:
//	  - automations.yaml
//
// Loader starts from DefaultConfig, overlays each file layer in order and
// then applies HOMECORE_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/homecore/base.yaml")
//	loader.AddLayer("/etc/homecore/site.yaml")
//	cfg, err := loader.Load()
//
// Validate reports every problem in one error, including automation rules
// that fail to decode and rule ids duplicated across sources.
package config
