package session

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs deferred work. Production uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle of scheduled work. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// ManualScheduler fires scheduled work only when Advance moves its clock.
// Work runs synchronously on the goroutine calling Advance.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.pending = append(s.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Now is the scheduler's clock; pass it as the engine clock to keep both in step.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock by d and runs every timer that became due, in
// due-time order.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	now := s.now
	var due, rest []*manualTimer
	for _, t := range s.pending {
		switch {
		case t.stopped:
		case !t.at.After(now):
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	s.pending = rest
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.s.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		t.s.mu.Unlock()
		if !stopped {
			t.f()
		}
	}
}

// Pending returns the number of timers not yet fired or stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}
