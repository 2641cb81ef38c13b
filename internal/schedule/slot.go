package schedule

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Clock is the time source timers are scheduled on
type Clock = clock.WithDelayedExecution

// Real returns the wall clock.
func Real() Clock { return clock.RealClock{} }

// Slot holds at most one pending timer. Scheduling a new callback cancels
// the pending one first, and a callback that already fired but lost the race
// against Schedule or Stop does nothing.
type Slot struct {
	clock Clock

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

// NewSlot creates an empty slot on clk
func NewSlot(clk Clock) *Slot {
	return &Slot{clock: clk}
}

// Schedule replaces any pending timer with one running f after d.
func (s *Slot) Schedule(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { go s.fire(gen, f) })
}

// fire runs f unless the timer was replaced or stopped. It runs on its own
// goroutine, outside the clock's callback.
func (s *Slot) fire(gen uint64, f func()) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	f()
}

// Stop cancels the pending timer. It reports whether one was pending.
func (s *Slot) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// Pending reports whether a timer is scheduled and has not fired yet.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
