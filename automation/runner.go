package automation

import (
	"context"
	"sync"
	"time"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/types"
)

// errAlreadyRunning reports a trigger discarded by a single-mode rule.
var errAlreadyRunning = errors.New("rule already running")

// run is one execution of a rule's actions.
type run struct {
	rule   *rule
	ctx    context.Context
	cancel context.CancelFunc
	hctx   *types.Context
	vars   map[string]any
	source string
}

// runner applies a rule's execution mode to incoming runs.
type runner struct {
	mu      sync.Mutex
	mode    Mode
	max     int
	active  map[*run]struct{}
	queue   []*run
	stopped bool
	exec    func(*run)

	// started counts runs whose goroutine has not returned. idle is closed
	// when it drops to zero and replaced when it leaves zero.
	started int
	idle    chan struct{}
}

func newRunner(mode Mode, max int, exec func(*run)) *runner {
	if mode == ModeQueued && max <= 0 {
		max = DefaultQueueMax
	}
	idle := make(chan struct{})
	close(idle)
	return &runner{mode: mode, max: max, active: make(map[*run]struct{}), exec: exec, idle: idle}
}

// submit starts, queues or refuses rn according to the mode. A nil error
// means rn was accepted.
func (r *runner) submit(rn *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		rn.cancel()
		return errors.ErrShuttingDown
	}

	switch r.mode {
	case ModeSingle:
		if len(r.active) > 0 {
			rn.cancel()
			return errAlreadyRunning
		}
	case ModeRestart:
		r.cancelLocked()
	case ModeQueued:
		if len(r.active) > 0 {
			if len(r.active)+len(r.queue) >= r.max {
				rn.cancel()
				return errors.Detail(errors.ErrRuleRunOverflow, "%d runs already queued", len(r.queue))
			}
			r.queue = append(r.queue, rn)
			return nil
		}
	case ModeParallel:
		if r.max > 0 && len(r.active) >= r.max {
			rn.cancel()
			return errors.Detail(errors.ErrRuleRunOverflow, "%d runs already active", len(r.active))
		}
	}
	r.startLocked(rn)
	return nil
}

func (r *runner) startLocked(rn *run) {
	r.active[rn] = struct{}{}
	if r.started == 0 {
		r.idle = make(chan struct{})
	}
	r.started++
	go func() {
		defer r.finish(rn)
		r.exec(rn)
	}()
}

func (r *runner) finish(rn *run) {
	rn.cancel()
	r.mu.Lock()
	delete(r.active, rn)
	if !r.stopped && len(r.active) == 0 && len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.startLocked(next)
	}
	r.started--
	if r.started == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

// cancelLocked cancels active runs and drops queued ones.
func (r *runner) cancelLocked() {
	for rn := range r.active {
		rn.cancel()
	}
	for _, rn := range r.queue {
		rn.cancel()
	}
	r.queue = nil
}

// cancel stops current work but keeps accepting runs.
func (r *runner) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

// stop cancels current work and refuses further runs until resume.
func (r *runner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelLocked()
}

// resume accepts runs again after stop.
func (r *runner) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
}

// wait blocks until every started run has returned or timeout passes.
func (r *runner) wait(timeout time.Duration) bool {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

func (r *runner) counts() (active, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.queue)
}
