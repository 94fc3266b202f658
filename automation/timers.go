package automation

import (
	"sync"
	"time"

	"github.com/c360/homecore/clock"
	"github.com/c360/homecore/types"
)

// timerKey identifies a pending timer. Scheduled time triggers use a zero
// entity.
type timerKey struct {
	rule    string
	trigger int
	entity  types.EntityID
}

type armedTimer struct {
	timer clock.Timer
	seq   uint64
}

// timerSet holds cancellable timers. Arming a key replaces, and so
// cancels, the timer already armed for it.
type timerSet struct {
	mu     sync.Mutex
	clock  clock.Clock
	timers map[timerKey]armedTimer
	seq    uint64
}

func newTimerSet(c clock.Clock) *timerSet {
	return &timerSet{clock: c, timers: make(map[timerKey]armedTimer)}
}

// arm runs f after d unless key is cancelled or re-armed first.
func (s *timerSet) arm(key timerKey, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	t := s.clock.AfterFunc(d, func() {
		if s.take(key, seq) {
			f()
		}
	})
	s.timers[key] = armedTimer{timer: t, seq: seq}
}

// take removes key if it is still armed with seq.
func (s *timerSet) take(key timerKey, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok || cur.seq != seq {
		return false
	}
	delete(s.timers, key)
	return true
}

// cancel stops the timer armed for key. Returns false if none was armed.
func (s *timerSet) cancel(key timerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.timers, key)
	return true
}

// cancelRule stops every timer of rule.
func (s *timerSet) cancelRule(rule string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, cur := range s.timers {
		if k.rule == rule {
			cur.timer.Stop()
			delete(s.timers, k)
			n++
		}
	}
	return n
}

func (s *timerSet) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, k)
	}
}

func (s *timerSet) armed(key timerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *timerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
