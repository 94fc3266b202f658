package automation

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/errors"
)

func newTestRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{ctx: ctx, cancel: cancel}
}

func TestRunner_WaitTimeoutDoesNotLeak(t *testing.T) {
	release := make(chan struct{})
	r := newRunner(ModeParallel, 0, func(*run) { <-release })
	require.NoError(t, r.submit(newTestRun()))

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		assert.False(t, r.wait(time.Millisecond))
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+2, "timed out waits leave nothing behind")

	close(release)
	assert.True(t, r.wait(time.Second))
	assert.True(t, r.wait(0), "an idle runner reports idle immediately")
}

func TestRunner_QueuedStaysBusyUntilDrained(t *testing.T) {
	var done atomic.Int32
	gate := make(chan struct{})
	r := newRunner(ModeQueued, 3, func(*run) {
		<-gate
		done.Add(1)
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, r.submit(newTestRun()))
	}
	assert.ErrorIs(t, r.submit(newTestRun()), errors.ErrRuleRunOverflow)

	close(gate)
	require.True(t, r.wait(2*time.Second))
	assert.Equal(t, int32(3), done.Load())
	active, queued := r.counts()
	assert.Zero(t, active)
	assert.Zero(t, queued)
}

func TestRunner_StopRefusesUntilResume(t *testing.T) {
	r := newRunner(ModeParallel, 0, func(rn *run) { <-rn.ctx.Done() })
	require.NoError(t, r.submit(newTestRun()))

	r.stop()
	rn := newTestRun()
	assert.ErrorIs(t, r.submit(rn), errors.ErrShuttingDown)
	assert.Error(t, rn.ctx.Err(), "a refused run is cancelled")
	require.True(t, r.wait(time.Second), "stop cancels the active run")

	r.resume()
	require.NoError(t, r.submit(newTestRun()))
	r.cancel()
	assert.True(t, r.wait(time.Second))
}
