package risk

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stop is the global emergency flag. Done returns a channel closed when the
// stop is triggered, so blocked waiters unblock at once.
type Stop struct {
	active atomic.Bool

	mu     sync.Mutex
	reason string
	since  time.Time
	done   chan struct{}
}

func NewStop() *Stop { return &Stop{done: make(chan struct{})} }

// Trigger sets the flag; it reports false when the stop was already active.
func (s *Stop) Trigger(reason string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.Load() {
		return false
	}
	s.reason, s.since = reason, at
	s.active.Store(true)
	close(s.done)
	return true
}

func (s *Stop) Active() bool { return s.active.Load() }

func (s *Stop) Reason() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.since
}

func (s *Stop) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// reset re-arms the stop; Clear checks the recovery predicate first.
func (s *Stop) reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return false
	}
	s.active.Store(false)
	s.reason, s.since = "", time.Time{}
	s.done = make(chan struct{})
	return true
}
