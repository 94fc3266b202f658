package types_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/types"
)

func TestParseEntityID(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantDomain string
		wantObject string
		wantErr    string
	}{
		{name: "simple", input: "light.kitchen", wantDomain: "light", wantObject: "kitchen"},
		{name: "digits and underscores", input: "sensor.temp_2", wantDomain: "sensor", wantObject: "temp_2"},
		{name: "underscore domain", input: "binary_sensor.door", wantDomain: "binary_sensor", wantObject: "door"},
		{name: "no separator", input: "no_separator", wantErr: "exactly one"},
		{name: "two separators", input: "a.b.c", wantErr: "exactly one"},
		{name: "empty domain", input: ".kitchen", wantErr: "domain cannot be empty"},
		{name: "empty object id", input: "light.", wantErr: "object_id cannot be empty"},
		{name: "uppercase domain", input: "Light.kitchen", wantErr: "domain"},
		{name: "uppercase object id", input: "light.Kitchen", wantErr: "object_id"},
		{name: "leading underscore domain", input: "_light.kitchen", wantErr: "domain"},
		{name: "trailing underscore object", input: "light.kitchen_", wantErr: "object_id"},
		{name: "double underscore domain", input: "my__light.kitchen", wantErr: "domain"},
		{name: "double underscore object allowed", input: "light.my__lamp", wantDomain: "light", wantObject: "my__lamp"},
		{name: "dash rejected", input: "light.kitchen-lamp", wantErr: "object_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := types.ParseEntityID(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidEntityID)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, id.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDomain, id.Domain())
			assert.Equal(t, tt.wantObject, id.ObjectID())
			assert.Equal(t, tt.input, id.String())
		})
	}
}

func TestEntityIDComparableAndJSON(t *testing.T) {
	a := types.MustParseEntityID("light.kitchen")
	b, err := types.NewEntityID("light", "kitchen")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	seen := map[types.EntityID]bool{a: true}
	assert.True(t, seen[b])

	raw, err := json.Marshal(struct {
		ID types.EntityID `json:"id"`
	}{a})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"light.kitchen"}`, string(raw))

	var decoded struct {
		ID types.EntityID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, a, decoded.ID)

	err = json.Unmarshal([]byte(`{"id":"Bad.ID"}`), &decoded)
	assert.ErrorIs(t, err, errors.ErrInvalidEntityID)
}

func TestMustParseEntityIDPanics(t *testing.T) {
	assert.Panics(t, func() { types.MustParseEntityID("nope") })
}
