package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/errors"
)

const rulesYAML = `
- id: hallway_follows_kitchen
  alias: Hallway follows kitchen
  mode: restart
  triggers:
    - trigger: state
      entity_id: light.kitchen
      to: "on"
      for: "00:00:05"
  conditions:
    - condition: time
      after: "18:00"
  actions:
    - service: light.turn_on
      target:
        entity_id: light.hallway
      data:
        brightness: 120
    - delay:
        minutes: 1
    - action: light.turn_off
      entity_id: light.hallway
      continue_on_error: false
- alias: Queued default
  mode: queued
  trigger:
    platform: event
    event_type: doorbell
  action:
    - event: chime
      event_data:
        volume: 3
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(rulesYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	first := defs[0]
	assert.Equal(t, "hallway_follows_kitchen", first.ID)
	assert.Equal(t, "Hallway follows kitchen", first.Name())
	assert.Equal(t, ModeRestart, first.Mode)
	assert.True(t, first.Enabled)
	require.Len(t, first.Triggers, 1)
	assert.Equal(t, 5*time.Second, first.Triggers[0].For)
	require.Len(t, first.Conditions, 1)
	assert.Equal(t, ConditionTime, first.Conditions[0].Kind)

	require.Len(t, first.Actions, 3)
	call := first.Actions[0]
	assert.Equal(t, ActionService, call.Kind)
	assert.Equal(t, "light", call.Domain)
	assert.Equal(t, "turn_on", call.Service)
	assert.Equal(t, []string{"light.hallway"}, call.Targets)
	assert.EqualValues(t, 120, call.Data["brightness"])
	assert.False(t, call.StopOnError)

	assert.Equal(t, ActionDelay, first.Actions[1].Kind)
	assert.Equal(t, time.Minute, first.Actions[1].Delay)

	off := first.Actions[2]
	assert.Equal(t, "turn_off", off.Service)
	assert.True(t, off.StopOnError)

	second := defs[1]
	assert.NotEmpty(t, second.ID, "missing id is generated")
	assert.Equal(t, ModeQueued, second.Mode)
	assert.Zero(t, second.Max, "queued limit is left to the engine")
	require.Len(t, second.Triggers, 1)
	assert.Equal(t, TriggerEvent, second.Triggers[0].Kind)
	assert.Equal(t, ActionEvent, second.Actions[0].Kind)
	assert.EqualValues(t, 3, second.Actions[0].EventData["volume"])
}

func TestParseDefinitions_Shapes(t *testing.T) {
	single := `
id: one
triggers: [{trigger: homeassistant, event: start}]
actions: [{stop: done}]
`
	defs, err := ParseDefinitions([]byte(single))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, ModeSingle, defs[0].Mode)

	wrapped := `
automation:
  - id: a
    enabled: false
    triggers: [{trigger: time_pattern, minutes: "/5"}]
  - id: b
    triggers: [{trigger: time, at: "07:00"}]
`
	defs, err = ParseDefinitions([]byte(wrapped))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.False(t, defs[0].Enabled)

	asJSON := `[{"id": "j", "triggers": [{"trigger": "event", "event_type": "x"}], "actions": []}]`
	defs, err = ParseDefinitions([]byte(asJSON))
	require.NoError(t, err)
	assert.Equal(t, "j", defs[0].ID)
}

func TestParseDefinitions_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "- id: [unterminated"},
		{"no triggers", "- id: x\n  actions: []"},
		{"unknown mode", "- id: x\n  mode: sometimes\n  triggers: [{trigger: event, event_type: e}]"},
		{"negative max", "- id: x\n  mode: parallel\n  max: -1\n  triggers: [{trigger: event, event_type: e}]"},
		{"bad action", "- id: x\n  triggers: [{trigger: event, event_type: e}]\n  actions: [{dance: true}]"},
		{"bad service name", "- id: x\n  triggers: [{trigger: event, event_type: e}]\n  actions: [{service: turn_on}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecodeActions_Nested(t *testing.T) {
	actions, err := decodeActions([]any{
		map[string]any{
			"choose": []any{
				map[string]any{
					"conditions": []any{map[string]any{"condition": "trigger", "id": "on"}},
					"sequence":   []any{map[string]any{"service": "light.turn_on", "entity_id": "light.a"}},
				},
			},
			"default": []any{map[string]any{"service": "light.turn_off", "entity_id": "light.a"}},
		},
		map[string]any{
			"if":   []any{`{{ true }}`},
			"then": []any{map[string]any{"variables": map[string]any{"x": 1}}},
			"else": []any{map[string]any{"stop": "nope", "error": true}},
		},
		map[string]any{"sequence": []any{map[string]any{"delay": "{{ x }}"}}},
		map[string]any{"condition": "state", "entity_id": "light.a", "state": "on", "enabled": false},
	})
	require.NoError(t, err)
	require.Len(t, actions, 4)

	assert.Equal(t, ActionChoose, actions[0].Kind)
	require.Len(t, actions[0].Options, 1)
	assert.Len(t, actions[0].Default, 1)

	assert.Equal(t, ActionIf, actions[1].Kind)
	assert.Len(t, actions[1].If, 1)
	assert.True(t, actions[1].Else[0].StopError)

	assert.Equal(t, ActionSequence, actions[2].Kind)
	assert.Equal(t, "{{ x }}", actions[2].Sequence[0].DelayTemplate)

	assert.Equal(t, ActionCondition, actions[3].Kind)
	assert.False(t, actions[3].Enabled)
}
