// Package testutil provides fakes and helpers shared by homecore tests.
//
// # Time
//
// FakeClock implements clock.Clock. Timers fire only when the test calls
// Advance or Set, in deadline order, so debounce windows and delays can be
// stepped through without sleeping:
//
//	clk := testutil.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
//	engine, _ := automation.NewEngine(b, store, commands, automation.WithClock(clk))
//	clk.Advance(5 * time.Minute)
//
// # Events
//
// EventCapture records events, either as a bus.Handler attached with
// Subscribe or as a Publisher handed to a component directly:
//
//	events := testutil.NewEventCapture()
//	b.Subscribe(bus.MatchAll, events.Handle)
//	...
//	assert.Len(t, events.Events(types.EventStateChanged), 2)
//
// # NATS
//
// MockPublisher and MockKVStore stand in for natsbridge.Client and a
// JetStream KV bucket in unit tests. Tests needing real NATS behaviour use
// testcontainers behind the integration build tag instead.
//
// # Metrics
//
// CounterValue, CounterSum and GaugeValue read series from a
// prometheus.Gatherer, matching series by label values.
//
// All fakes are safe for concurrent use.
package testutil
