package natsbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/pkg/retry"
)

// nothing listens on port 1
const deadURL = "nats://127.0.0.1:1"

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClient_Options(t *testing.T) {
	_, err := NewClient("")
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient(deadURL, WithTimeout(0))
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient(deadURL, WithCircuitBreaker(0, time.Second))
	assert.True(t, errors.IsInvalid(err))

	c, err := NewClient(deadURL,
		WithName("test"),
		WithCredentials("user", "secret"),
		WithReconnect(0, time.Millisecond),
		WithDrainTimeout(time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, deadURL, c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestClient_CircuitOpensAfterThreshold(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient(deadURL,
		WithTimeout(time.Second),
		WithCircuitBreaker(2, 4*time.Second),
		WithCoreMetrics(registry.CoreMetrics()),
	)
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())

	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(2), c.Failures())

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(2), c.Failures(), "fail-fast attempts are not counted")

	err = c.Publish(ctx, "homecore.events.x", []byte("{}"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClient_ConnectWithRetry(t *testing.T) {
	c, err := NewClient(deadURL, WithTimeout(time.Second), WithCircuitBreaker(10, 4*time.Second))
	require.NoError(t, err)

	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err = c.ConnectWithRetry(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(3), c.Failures(), "every attempt dials")

	require.NoError(t, c.Close(context.Background()))
	err = c.ConnectWithRetry(context.Background(), cfg)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.Equal(t, int32(3), c.Failures(), "a closed client is not retried")
}

func TestClient_TrialCallReopensWithLongerBackoff(t *testing.T) {
	c, err := NewClient(deadURL, WithTimeout(time.Second), WithCircuitBreaker(1, 4*time.Second))
	require.NoError(t, err)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, time.Second, c.Backoff())

	// pretend the backoff elapsed
	c.openedAt.Store(time.Now().Add(-2 * time.Second).UnixNano())
	assert.True(t, c.allow())
	assert.False(t, c.allow(), "only one trial call per backoff window")

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())

	c.openedAt.Store(time.Now().Add(-time.Minute).UnixNano())
	c.recordSuccess()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient(deadURL)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a", nil), errors.ErrNoConnection)
	_, err = c.KeyValue(ctx, StateBucketConfig(""))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	_, err = c.RTT()
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.ErrorIs(t, c.Connect(ctx), errors.ErrShuttingDown)
}
