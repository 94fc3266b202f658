//go:build integration

package natsbridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/homecore/bus"
	"github.com/c360/homecore/natsbridge"
	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/types"
)

func startNATS(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--js", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_BridgeExportsToNATS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	url := startNATS(ctx, t)

	client, err := natsbridge.NewClient(url, natsbridge.WithReconnect(0, time.Second))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(context.Background())
	assert.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	bucket, err := client.KeyValue(ctx, natsbridge.StateBucketConfig(""))
	require.NoError(t, err)
	again, err := client.KeyValue(ctx, natsbridge.StateBucketConfig(""))
	require.NoError(t, err, "existing bucket is reused")
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	// independent subscriber verifying what reaches the wire
	watcher, err := nats.Connect(url)
	require.NoError(t, err)
	defer watcher.Close()
	received := make(chan *nats.Msg, 16)
	sub, err := watcher.ChanSubscribe("homecore.events.>", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, watcher.Flush())

	events := bus.New()
	defer events.Close()
	store := statestore.New(events)
	bridge, err := natsbridge.NewBridge(client, natsbridge.WithStateBucket(bucket))
	require.NoError(t, err)
	require.NoError(t, bridge.Start(events))
	defer bridge.Stop()

	lamp := types.MustParseEntityID("light.lamp")
	_, err = store.Set(lamp, "on", types.NewAttributes("brightness", 128), nil)
	require.NoError(t, err)
	require.NoError(t, events.Flush(ctx))

	select {
	case msg := <-received:
		assert.Equal(t, "homecore.events.state_changed", msg.Subject)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "state_changed", ev["event_type"])
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	entry, err := bucket.Get(ctx, "light.lamp")
	require.NoError(t, err)
	var st types.State
	require.NoError(t, json.Unmarshal(entry.Value(), &st))
	assert.Equal(t, "on", st.Value)

	store.Remove(lamp, nil)
	require.NoError(t, events.Flush(ctx))
	_, err = bucket.Get(ctx, "light.lamp")
	assert.ErrorIs(t, err, jetstream.ErrKeyNotFound)
}
