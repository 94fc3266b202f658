package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/automation"
	"github.com/c360/homecore/bus"
	"github.com/c360/homecore/command"
	"github.com/c360/homecore/config"
	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/testutil"
	"github.com/c360/homecore/types"
)

const appConfig = `
core:
  stop_timeout: 2s
logging:
  level: debug
automations:
  - id: boot
    triggers:
      - trigger: homeassistant
        event: start
    actions:
      - action: test.mark
        data:
          phase: started
  - id: goodbye
    triggers:
      - trigger: homeassistant
        event: shutdown
    actions:
      - action: test.mark
        data:
          phase: stopping
  - id: porch
    triggers:
      - trigger: state
        entity_id: binary_sensor.porch
        to: "on"
    actions:
      - action: light.turn_on
        target:
          entity_id: light.porch
`

type marks struct {
	mu     sync.Mutex
	phases []string
}

func (m *marks) add(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, p)
}

func (m *marks) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.phases...)
}

func newTestApp(t *testing.T, doc string) (*App, *marks) {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	app, err := NewApp(cfg, setupLogger(&bytes.Buffer{}, cfg.Logging.Level, cfg.Logging.Format))
	require.NoError(t, err)

	m := &marks{}
	require.NoError(t, app.Commands().Register(command.Descriptor{
		Domain: "test",
		Name:   "mark",
		Handler: func(_ context.Context, c *command.Call) (map[string]any, error) {
			phase, _ := c.Data["phase"].(string)
			m.add(phase)
			return nil, nil
		},
	}))
	require.NoError(t, app.Commands().Register(command.Descriptor{
		Domain: "light",
		Name:   "turn_on",
		Handler: func(_ context.Context, c *command.Call) (map[string]any, error) {
			ids, err := command.TargetEntityIDs(c.Data)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if _, err := app.States().Set(id, "on", types.Attributes{}, c.Context); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	}))
	return app, m
}

func TestApp_Lifecycle(t *testing.T) {
	app, m := newTestApp(t, appConfig)
	events := testutil.NewEventCapture()
	app.Bus().Subscribe(bus.MatchAll, events.Handle)
	closes := testutil.NewEventCapture()
	app.Bus().Subscribe(types.EventCoreClose, closes.Handle)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	assert.ErrorIs(t, app.Start(ctx), errors.ErrAlreadyStarted)

	assert.Eventually(t, func() bool { return len(m.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"started"}, m.list())

	for _, name := range []string{"trigger", "turn_on", "turn_off", "toggle", "reload"} {
		assert.True(t, app.Commands().Has(automation.Domain, name), name)
	}
	gatherer := app.registry.PrometheusRegistry()
	assert.Equal(t, float64(metric.StatusRunning),
		testutil.GaugeValue(t, gatherer, "homecore_component_status", "automation"))

	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Shutdown(ctx), "shutdown is idempotent")

	assert.Equal(t, []string{"started", "stopping"}, m.list())
	assert.Len(t, events.Events(types.EventCoreStart), 1)
	assert.Len(t, events.Events(types.EventCoreStarted), 1)
	assert.Len(t, events.Events(types.EventCoreStop), 1)
	assert.Empty(t, events.Events(types.EventCoreClose), "close is hidden from match-all")
	assert.Len(t, closes.Events(types.EventCoreClose), 1)
	assert.Equal(t, float64(metric.StatusStopped),
		testutil.GaugeValue(t, gatherer, "homecore_component_status", "automation"))
}

func TestApp_StateDrivesRule(t *testing.T) {
	app, _ := newTestApp(t, appConfig)
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	trigger := types.NewContext()
	_, err := app.States().Set(types.MustParseEntityID("binary_sensor.porch"), "on", types.Attributes{}, trigger)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return app.States().IsState(types.MustParseEntityID("light.porch"), "on")
	}, 2*time.Second, 10*time.Millisecond)

	light := app.States().Get(types.MustParseEntityID("light.porch"))
	require.NotNil(t, light)
	require.NotNil(t, light.Context)
	assert.NotEqual(t, trigger.ID, light.Context.ID)

	st, err := app.Engine().Status("porch")
	require.NoError(t, err)
	assert.False(t, st.LastTriggered.IsZero())
}

func TestApp_ShutdownWithoutStart(t *testing.T) {
	app, m := newTestApp(t, appConfig)
	require.NoError(t, app.Shutdown(context.Background()))
	assert.Empty(t, m.list())
}

func TestNewApp_Errors(t *testing.T) {
	_, err := NewApp(nil, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := config.DefaultConfig()
	cfg.Core.TimeZone = "Mars/Olympus_Mons"
	_, err = NewApp(cfg, nil)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	_, err = NewApp(cfg, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "homecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(appConfig), 0o600))

	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "porch")
	assert.Contains(t, out.String(), "OK: 3 rule(s)")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("logging:\n  level: loud\n"), 0o600))
	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "-c", bad})
	err := cmd.Execute()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), Version)
}

func TestApp_RunUntilCancelled(t *testing.T) {
	cfg, err := config.Parse([]byte(appConfig))
	require.NoError(t, err)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	app, err := NewApp(cfg, setupLogger(&bytes.Buffer{}, "info", "json"))
	require.NoError(t, err)
	require.NoError(t, app.Commands().Register(command.Descriptor{
		Domain:  "test",
		Name:    "mark",
		Handler: func(context.Context, *command.Call) (map[string]any, error) { return nil, nil },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, 5*time.Second) }()

	assert.Eventually(t, func() bool {
		st, err := app.Engine().Status("boot")
		return err == nil && !st.LastTriggered.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_NATSConnectRetriesThenFails(t *testing.T) {
	cfg, err := config.Parse([]byte(`
nats:
  enabled: true
  url: nats://127.0.0.1:1
  timeout: 500ms
  connect_attempts: 2
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	app, err := NewApp(cfg, setupLogger(&bytes.Buffer{}, "info", "text"))
	require.NoError(t, err)

	err = app.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "failed after 2 attempts")

	gatherer := app.registry.PrometheusRegistry()
	assert.Equal(t, float64(1),
		testutil.CounterValue(t, gatherer, "homecore_errors_total", "natsbridge", errors.ErrorTransient.String()))
	assert.Equal(t, float64(metric.StatusFailed),
		testutil.GaugeValue(t, gatherer, "homecore_component_status", "natsbridge"))
	require.NoError(t, app.Shutdown(context.Background()))
}
