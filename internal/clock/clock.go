// Package clock abstracts time so that profile timing can be driven by the
// monotonic wall clock in production and by a virtual clock in tests.
package clock

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by timing loops.
type Clock interface {
	// Now returns the current time. Real clocks carry a monotonic reading.
	Now() time.Time
	// Sleep blocks for d.
	Sleep(d time.Duration)
}

type realClock struct{}

// Real returns the system clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Stepper is a virtual clock. Sleep advances virtual time by exactly d and
// returns immediately, so a profile of any length runs in microseconds while
// every deadline computed from Now stays exact.
type Stepper struct {
	mu      sync.Mutex
	start   time.Time
	now     time.Time
	pending []timedFunc
}

type timedFunc struct {
	at time.Time
	fn func()
}

// NewStepper returns a virtual clock starting at start.
func NewStepper(start time.Time) *Stepper {
	return &Stepper{start: start, now: start}
}

// Now returns the current virtual time.
func (s *Stepper) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Elapsed returns the virtual time passed since the stepper was created.
func (s *Stepper) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now.Sub(s.start)
}

// Sleep advances virtual time and runs every callback that became due, in
// order, on the sleeping goroutine.
func (s *Stepper) Sleep(d time.Duration) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []timedFunc
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !p.at.After(s.now) {
			due = append(due, p)
		} else {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	s.mu.Unlock()

	for _, p := range due {
		p.fn()
	}
	runtime.Gosched()
}

// AfterFunc schedules fn to run once virtual time reaches start+offset.
func (s *Stepper) AfterFunc(offset time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, timedFunc{at: s.start.Add(offset), fn: fn})
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].at.Before(s.pending[j].at)
	})
}
