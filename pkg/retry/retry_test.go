package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.WrapTransient(errors.ErrNoConnection, "test", "op", "dial")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return errors.ErrConnectionLost
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsOnNonTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid", errors.WrapInvalid(fmt.Errorf("bad subject"), "test", "op", "publish")},
		{"fatal", errors.WrapFatal(fmt.Errorf("disk gone"), "test", "op", "write")},
		{"missing config", errors.ErrMissingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), fastConfig(5), func() error {
				attempts++
				return tt.err
			})
			assert.Equal(t, 1, attempts)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.ErrConnectionTimeout
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.ErrNoConnection
		}
		return "bucket", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "bucket", v)
}

func TestRetry_ConfigValidation(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond},
		func() error { return nil })
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	attempts := 0
	_ = Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})
	assert.Equal(t, 1, attempts, "zero attempts still runs once")
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
	assert.Equal(t, 4, Quick().MaxAttempts)
}
