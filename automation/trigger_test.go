package automation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/types"
)

var kitchen = types.MustParseEntityID("light.kitchen")

func st(value string, attrs ...any) *types.State {
	return &types.State{EntityID: kitchen, Value: value, Attributes: types.NewAttributes(attrs...)}
}

func mustTrigger(t *testing.T, raw map[string]any) *Trigger {
	t.Helper()
	trig, err := decodeTrigger(raw, 0)
	require.NoError(t, err)
	return trig
}

func TestTrigger_MatchStateOrder(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		old  *types.State
		next *types.State
		want transition
	}{
		{"any change", map[string]any{}, st("off"), st("on"), transitionMatch},
		{"unchanged value", map[string]any{}, st("on"), st("on", "brightness", 3), transitionIgnore},
		{"unchanged value with to", map[string]any{"to": "on"}, st("on"), st("on"), transitionIgnore},
		{"to matches", map[string]any{"to": "on"}, st("off"), st("on"), transitionMatch},
		{"to list", map[string]any{"to": []any{"on", "dim"}}, st("off"), st("dim"), transitionMatch},
		{"to mismatch", map[string]any{"to": "on"}, st("on"), st("off"), transitionReject},
		{"from matches", map[string]any{"from": "off"}, st("off"), st("on"), transitionMatch},
		{"from mismatch", map[string]any{"from": "off"}, st("dim"), st("on"), transitionReject},
		{"new entity with from", map[string]any{"from": "off"}, nil, st("on"), transitionReject},
		{"new entity any", map[string]any{}, nil, st("on"), transitionMatch},
		{"removed entity with to", map[string]any{"to": "on"}, st("on"), nil, transitionReject},
		{"not_from excluded", map[string]any{"not_from": "unavailable"}, st("unavailable"), st("on"), transitionReject},
		{"not_from other", map[string]any{"not_from": "unavailable"}, st("off"), st("on"), transitionMatch},
		{"not_to excluded", map[string]any{"not_to": []any{"unknown", "unavailable"}}, st("on"), st("unknown"), transitionReject},
		{"not_from before to", map[string]any{"not_from": "off", "to": "on"}, st("off"), st("on"), transitionReject},
		{"attribute change", map[string]any{"attribute": "brightness", "to": "10"}, st("on", "brightness", 3), st("on", "brightness", 10), transitionMatch},
		{"attribute unchanged", map[string]any{"attribute": "brightness"}, st("on", "brightness", 3), st("off", "brightness", 3), transitionIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"trigger": "state", "entity_id": "light.kitchen"}
			for k, v := range tt.raw {
				raw[k] = v
			}
			trig := mustTrigger(t, raw)
			assert.Equal(t, tt.want, trig.matchState(tt.old, tt.next))
		})
	}
}

func TestTrigger_NotFromNeverFires(t *testing.T) {
	trig := mustTrigger(t, map[string]any{
		"trigger":  "state",
		"entity_id": "light.kitchen",
		"not_from": []any{"a", "b"},
	})
	values := []string{"a", "b", "c", "d"}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		oldV, newV := values[rng.Intn(len(values))], values[rng.Intn(len(values))]
		got := trig.matchState(st(oldV), st(newV))
		if oldV == "a" || oldV == "b" {
			assert.NotEqual(t, transitionMatch, got, "%s -> %s", oldV, newV)
		}
		if oldV == newV {
			assert.Equal(t, transitionIgnore, got)
		}
	}
}

func TestTrigger_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"not a mapping", "state"},
		{"missing kind", map[string]any{"entity_id": "light.a"}},
		{"unknown kind", map[string]any{"trigger": "sunrise"}},
		{"state without entity", map[string]any{"trigger": "state"}},
		{"from and not_from", map[string]any{"trigger": "state", "entity_id": "light.a", "from": "on", "not_from": "off"}},
		{"numeric without bounds", map[string]any{"trigger": "numeric_state", "entity_id": "sensor.t"}},
		{"event without type", map[string]any{"trigger": "event"}},
		{"bad homeassistant event", map[string]any{"trigger": "homeassistant", "event": "reboot"}},
		{"time without at", map[string]any{"trigger": "time"}},
		{"bad time", map[string]any{"trigger": "time", "at": "25:99"}},
		{"empty pattern", map[string]any{"trigger": "time_pattern"}},
		{"pattern out of range", map[string]any{"trigger": "time_pattern", "minutes": 75}},
		{"bad for", map[string]any{"trigger": "state", "entity_id": "light.a", "for": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeTrigger(tt.raw, 0)
			assert.Error(t, err)
		})
	}
}

func TestTrigger_PlatformAlias(t *testing.T) {
	trig := mustTrigger(t, map[string]any{"platform": "homeassistant", "event": "start", "id": "boot"})
	assert.Equal(t, TriggerHomeAssistant, trig.Kind)
	assert.Equal(t, types.EventCoreStart, trig.EventType)
	assert.Equal(t, "boot", trig.ID)

	trig = mustTrigger(t, map[string]any{"trigger": "state", "entity_id": "light.a, light.b"})
	assert.Equal(t, "0", trig.ID, "id defaults to the trigger index")
	assert.Len(t, trig.EntityIDs, 2)
	assert.True(t, trig.watches(types.MustParseEntityID("light.b")))
}

func TestTrigger_MatchEvent(t *testing.T) {
	trig := mustTrigger(t, map[string]any{
		"trigger":    "event",
		"event_type": "button_pressed",
		"event_data": map[string]any{"button": "a", "meta": map[string]any{"room": "hall"}},
		"context":    map[string]any{"user_id": "alice"},
	})

	ev := func(eventType string, data map[string]any, user string) *types.Event {
		e := types.NewEvent(eventType, data, types.NewUserContext(user))
		return e
	}

	assert.True(t, trig.matchEvent(ev("button_pressed",
		map[string]any{"button": "a", "extra": 1, "meta": map[string]any{"room": "hall", "floor": 1}}, "alice")))
	assert.False(t, trig.matchEvent(ev("button_pressed", map[string]any{"button": "b"}, "alice")))
	assert.False(t, trig.matchEvent(ev("button_pressed",
		map[string]any{"button": "a", "meta": map[string]any{"room": "hall"}}, "bob")))
	assert.False(t, trig.matchEvent(ev("other", map[string]any{"button": "a"}, "alice")))
}

func TestMatchSubset_Lists(t *testing.T) {
	assert.True(t, matchSubset([]any{1, "a"}, []any{1.0, "a"}))
	assert.False(t, matchSubset([]any{1, "a", 2}, []any{1, "a"}), "lists match exactly")
	assert.False(t, matchSubset("x", map[string]any{"k": 1}))
}

func TestTrigger_NumericValue(t *testing.T) {
	trig := mustTrigger(t, map[string]any{"trigger": "numeric_state", "entity_id": "light.kitchen",
		"attribute": "brightness", "above": 10})
	v, ok := trig.numericValue(st("on", "brightness", 42))
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = trig.numericValue(st("on"))
	assert.False(t, ok)

	assert.True(t, inRange(11, ptr(10), nil))
	assert.False(t, inRange(10, ptr(10), nil), "above is exclusive")
	assert.True(t, inRange(5, ptr(0), ptr(10)))
	assert.False(t, inRange(10, nil, ptr(10)), "below is exclusive")
}

func ptr(f float64) *float64 { return &f }

func TestTrigger_NextPatternTime(t *testing.T) {
	base := time.Date(2024, 6, 1, 8, 3, 20, 0, time.UTC)
	tests := []struct {
		name string
		raw  map[string]any
		want time.Time
	}{
		{"every five minutes", map[string]any{"minutes": "/5"},
			time.Date(2024, 6, 1, 8, 5, 0, 0, time.UTC)},
		{"every second", map[string]any{"seconds": "*"},
			time.Date(2024, 6, 1, 8, 3, 21, 0, time.UTC)},
		{"exact hour", map[string]any{"hours": 7},
			time.Date(2024, 6, 2, 7, 0, 0, 0, time.UTC)},
		{"minute 30 each hour", map[string]any{"minutes": 30},
			time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"trigger": "time_pattern"}
			for k, v := range tt.raw {
				raw[k] = v
			}
			trig := mustTrigger(t, raw)
			assert.Equal(t, tt.want, trig.nextPatternTime(base))
		})
	}
}

func TestTrigger_NextAt(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	alarm := types.MustParseEntityID("input_datetime.alarm")
	view := statestore.NewView(&types.State{EntityID: alarm, Value: "06:30:00"})

	trig := mustTrigger(t, map[string]any{"trigger": "time", "at": []any{"07:00", "09:15", "input_datetime.alarm"}})
	assert.Equal(t, time.Date(2024, 6, 1, 9, 15, 0, 0, time.UTC), trig.nextAt(now, view))
	assert.Equal(t, time.Date(2024, 6, 2, 6, 30, 0, 0, time.UTC),
		trig.nextAt(time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC), view))
	assert.True(t, trig.referencesEntity(alarm))

	oneShot := mustTrigger(t, map[string]any{"trigger": "time", "at": "input_datetime.alarm"})
	past := statestore.NewView(&types.State{EntityID: alarm, Value: "2024-05-01T10:00:00Z"})
	assert.True(t, oneShot.nextAt(now, past).IsZero(), "timestamps in the past never fire")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      any
		want    time.Duration
		wantErr bool
	}{
		{nil, 0, false},
		{"00:00:05", 5 * time.Second, false},
		{"01:30", 90 * time.Second, false},
		{"45", 45 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{30, 30 * time.Second, false},
		{1.5, 1500 * time.Millisecond, false},
		{map[string]any{"hours": 1, "minutes": 2}, time.Hour + 2*time.Minute, false},
		{map[string]any{"days": 1}, 24 * time.Hour, false},
		{"-5", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}
