package command_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/command"
	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	hctest "github.com/c360/homecore/testutil"
	"github.com/c360/homecore/types"
)

const turnOnSchema = `{
	"type": "object",
	"required": ["entity_id"],
	"properties": {
		"entity_id": {"type": ["string", "array"]},
		"brightness": {"type": "integer", "minimum": 0, "maximum": 255}
	}
}`

func noop(context.Context, *command.Call) (map[string]any, error) { return nil, nil }

func TestRegistry_RegisterDuplicate(t *testing.T) {
	events := hctest.NewEventCapture()
	reg := command.NewRegistry(events)

	require.NoError(t, reg.Register(command.Descriptor{Domain: "light", Name: "turn_on", Handler: noop}))
	err := reg.Register(command.Descriptor{Domain: "light", Name: "turn_on", Handler: noop})
	assert.ErrorIs(t, err, errors.ErrCommandExists)
	assert.True(t, errors.IsInvalid(err))

	assert.Equal(t, 1, events.Count(types.EventServiceRegistered))
	assert.True(t, reg.Has("light", "turn_on"))
	assert.False(t, reg.Has("light", "turn_off"))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := command.NewRegistry(nil)

	assert.Error(t, reg.Register(command.Descriptor{Domain: "", Name: "x", Handler: noop}))
	assert.Error(t, reg.Register(command.Descriptor{Domain: "light", Name: "x"}))
	err := reg.Register(command.Descriptor{Domain: "light", Name: "x", Handler: noop, Schema: `{"type": 12}`})
	assert.Error(t, err, "uncompilable schema is rejected at registration")
}

func TestRegistry_CallNotFound(t *testing.T) {
	reg := command.NewRegistry(nil)
	_, err := reg.Call(context.Background(), "light", "turn_on", nil, nil, false)
	assert.ErrorIs(t, err, errors.ErrCommandNotFound)
}

func TestRegistry_SchemaValidation(t *testing.T) {
	reg := command.NewRegistry(nil)
	called := false
	require.NoError(t, reg.Register(command.Descriptor{
		Domain: "light",
		Name:   "turn_on",
		Schema: turnOnSchema,
		Handler: func(context.Context, *command.Call) (map[string]any, error) {
			called = true
			return nil, nil
		},
	}))

	tests := []struct {
		name       string
		data       map[string]any
		wantErr    bool
		violations []string
	}{
		{name: "valid", data: map[string]any{"entity_id": "light.hallway", "brightness": 100}},
		{name: "missing required", data: map[string]any{"brightness": 100}, wantErr: true,
			violations: []string{"entity_id"}},
		{name: "out of range and wrong type", data: map[string]any{"entity_id": 5, "brightness": 300}, wantErr: true,
			violations: []string{"entity_id", "brightness"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			_, err := reg.Call(context.Background(), "light", "turn_on", tt.data, nil, false)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, called)
				return
			}
			require.Error(t, err)
			assert.False(t, called, "handler must not run when validation fails")
			assert.ErrorIs(t, err, errors.ErrSchemaValidation)

			var verr *command.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "light.turn_on", verr.Command)
			assert.Len(t, verr.Violations, len(tt.violations))
			for _, v := range tt.violations {
				assert.Contains(t, err.Error(), v)
			}
		})
	}
}

func TestRegistry_ResponseModes(t *testing.T) {
	reg := command.NewRegistry(nil)
	respond := func(context.Context, *command.Call) (map[string]any, error) {
		return map[string]any{"temperature": 21.5}, nil
	}
	require.NoError(t, reg.Register(command.Descriptor{Domain: "weather", Name: "forecast",
		Handler: respond, Response: command.ResponseRequired}))
	require.NoError(t, reg.Register(command.Descriptor{Domain: "weather", Name: "maybe",
		Handler: respond, Response: command.ResponseOptional}))
	require.NoError(t, reg.Register(command.Descriptor{Domain: "weather", Name: "never",
		Handler: respond, Response: command.ResponseNone}))

	ctx := context.Background()

	_, err := reg.Call(ctx, "weather", "forecast", nil, nil, false)
	assert.ErrorIs(t, err, errors.ErrResponseRequired)

	resp, err := reg.Call(ctx, "weather", "forecast", nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 21.5, resp["temperature"])

	resp, err = reg.Call(ctx, "weather", "maybe", nil, nil, false)
	require.NoError(t, err)
	assert.Nil(t, resp, "response dropped when not requested")

	_, err = reg.Call(ctx, "weather", "never", nil, nil, true)
	assert.ErrorIs(t, err, errors.ErrResponseNotSupported)
}

func TestRegistry_PublishesCallService(t *testing.T) {
	events := hctest.NewEventCapture()
	reg := command.NewRegistry(events)
	var got *command.Call
	require.NoError(t, reg.Register(command.Descriptor{Domain: "light", Name: "turn_on",
		Handler: func(_ context.Context, c *command.Call) (map[string]any, error) {
			got = c
			return nil, nil
		}}))

	callCtx := types.NewContext()
	_, err := reg.Call(context.Background(), "light", "turn_on",
		map[string]any{"entity_id": "light.hallway"}, callCtx, false)
	require.NoError(t, err)

	calls := events.Events(types.EventCallService)
	require.Len(t, calls, 1)
	assert.Same(t, callCtx, calls[0].Context)
	data := calls[0].Data.(types.CallServiceData)
	assert.Equal(t, "light", data.Domain)
	assert.Equal(t, "turn_on", data.Service)

	require.NotNil(t, got)
	assert.Same(t, callCtx, got.Context)
}

func TestRegistry_HandlerErrorsAndPanics(t *testing.T) {
	reg := command.NewRegistry(nil)
	require.NoError(t, reg.Register(command.Descriptor{Domain: "x", Name: "fail",
		Handler: func(context.Context, *command.Call) (map[string]any, error) {
			return nil, fmt.Errorf("device offline")
		}}))
	require.NoError(t, reg.Register(command.Descriptor{Domain: "x", Name: "panic",
		Handler: func(context.Context, *command.Call) (map[string]any, error) {
			panic("boom")
		}}))

	_, err := reg.Call(context.Background(), "x", "fail", nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device offline")

	_, err = reg.Call(context.Background(), "x", "panic", nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
}

func TestRegistry_HandlerRunsOutsideLock(t *testing.T) {
	reg := command.NewRegistry(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, reg.Register(command.Descriptor{Domain: "slow", Name: "op",
		Handler: func(context.Context, *command.Call) (map[string]any, error) {
			close(entered)
			<-release
			return nil, nil
		}}))

	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	go func() {
		defer wg.Done()
		_, callErr = reg.Call(context.Background(), "slow", "op", nil, nil, false)
	}()
	<-entered

	// While the handler blocks, the registry stays fully usable.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Register(command.Descriptor{Domain: "fast", Name: "op", Handler: noop})
		_, _ = reg.Call(context.Background(), "fast", "op", nil, nil, false)
		assert.True(t, reg.Unregister("slow", "op"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registry blocked by a running handler")
	}

	close(release)
	wg.Wait()
	assert.NoError(t, callErr, "in-flight call completes after unregister")
	assert.False(t, reg.Has("slow", "op"))
}

func TestRegistry_UnregisterAndQueries(t *testing.T) {
	events := hctest.NewEventCapture()
	reg := command.NewRegistry(events)
	for _, d := range []command.Descriptor{
		{Domain: "light", Name: "turn_on", Handler: noop, Description: "Turn on"},
		{Domain: "light", Name: "turn_off", Handler: noop},
		{Domain: "switch", Name: "toggle", Handler: noop},
	} {
		require.NoError(t, reg.Register(d))
	}

	assert.Equal(t, []string{"light", "switch"}, reg.Domains())
	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "light.turn_off", all[0].Key())

	desc, ok := reg.Describe("light", "turn_on")
	require.True(t, ok)
	assert.Equal(t, "Turn on", desc.Description)

	assert.False(t, reg.Unregister("light", "missing"))
	assert.Equal(t, 2, reg.UnregisterDomain("light"))
	assert.Equal(t, []string{"switch"}, reg.Domains())
	assert.Equal(t, 2, events.Count(types.EventServiceRemoved))
}

func TestRegistry_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	reg := command.NewRegistry(nil, command.WithMetrics(registry))
	require.NoError(t, reg.Register(command.Descriptor{Domain: "light", Name: "turn_on", Handler: noop}))

	_, _ = reg.Call(context.Background(), "light", "turn_on", nil, nil, false)
	_, _ = reg.Call(context.Background(), "light", "nope", nil, nil, false)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "homecore_command_calls_total" {
			found = true
			assert.Len(t, mf.GetMetric(), 2)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1, testutil.CollectAndCount(registry.PrometheusRegistry(), "homecore_command_registered"))
}

func TestTargetEntityIDs(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		want    []string
		wantErr bool
	}{
		{name: "missing", data: map[string]any{}},
		{name: "single", data: map[string]any{"entity_id": "light.a"}, want: []string{"light.a"}},
		{name: "comma list", data: map[string]any{"entity_id": "light.a, light.b"}, want: []string{"light.a", "light.b"}},
		{name: "list", data: map[string]any{"entity_id": []any{"light.a", "switch.b"}}, want: []string{"light.a", "switch.b"}},
		{name: "invalid id", data: map[string]any{"entity_id": "Light.A"}, wantErr: true},
		{name: "bad type", data: map[string]any{"entity_id": 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := command.TargetEntityIDs(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidEntityID)
				return
			}
			require.NoError(t, err)
			got := make([]string, len(ids))
			for i, id := range ids {
				got[i] = id.String()
			}
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
