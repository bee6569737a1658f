// Package breaker isolates failing upstream hosts. One Breaker per host moves
// closed -> open on too many failures, open -> half-open after a cooldown,
// and half-open -> closed on a single successful probe.
package breaker

import (
	"sort"
	"sync"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

type Config struct {
	FailureThreshold int     // consecutive failures that trip the breaker
	FailureRatio     float64 // failure share that trips it once MinRequests is reached
	MinRequests      int
	Window           time.Duration // ratio accounting window
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, FailureRatio: 0.5, MinRequests: 10, Window: time.Minute, Cooldown: 60 * time.Second}
}

// StateChange is delivered to listeners after every transition.
type StateChange struct {
	Host string
	From models.BreakerState
	To   models.BreakerState
	At   time.Time
}

type Breaker struct {
	host     string
	cfg      Config
	now      func() time.Time
	onChange func(StateChange)

	mu          sync.Mutex
	state       models.BreakerState
	consecutive int
	requests    int
	failures    int
	windowStart time.Time
	openedAt    time.Time
	lastProbeAt time.Time
	probing     bool
}

// Allow admits a request. The returned done must be called exactly once with
// the outcome; it is nil when err is non-nil.
func (b *Breaker) Allow() (done func(success bool), err error) {
	var change *StateChange
	b.mu.Lock()
	now := b.now()
	switch b.state {
	case models.BreakerOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return nil, &errs.CircuitOpen{Host: b.host}
		}
		change = b.transition(models.BreakerHalfOpen, now)
		b.probing = true
		b.lastProbeAt = now
	case models.BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return nil, &errs.CircuitOpen{Host: b.host}
		}
		b.probing = true
		b.lastProbeAt = now
	}
	b.mu.Unlock()
	b.notify(change)

	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(success) })
	}, nil
}

func (b *Breaker) record(success bool) {
	var change *StateChange
	b.mu.Lock()
	now := b.now()
	switch b.state {
	case models.BreakerHalfOpen:
		b.probing = false
		if success {
			change = b.transition(models.BreakerClosed, now)
		} else {
			change = b.transition(models.BreakerOpen, now)
		}
	case models.BreakerClosed:
		if b.cfg.Window > 0 && now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart, b.requests, b.failures = now, 0, 0
		}
		b.requests++
		if success {
			b.consecutive = 0
			break
		}
		b.failures++
		b.consecutive++
		ratioTrip := b.cfg.MinRequests > 0 && b.requests >= b.cfg.MinRequests &&
			float64(b.failures)/float64(b.requests) >= b.cfg.FailureRatio
		if b.consecutive >= b.cfg.FailureThreshold || ratioTrip {
			change = b.transition(models.BreakerOpen, now)
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

// transition switches state and resets counters. Callers hold mu.
func (b *Breaker) transition(to models.BreakerState, now time.Time) *StateChange {
	from := b.state
	b.state = to
	switch to {
	case models.BreakerOpen:
		b.openedAt = now
	case models.BreakerClosed:
		b.consecutive, b.requests, b.failures = 0, 0, 0
		b.windowStart = now
	}
	return &StateChange{Host: b.host, From: from, To: to, At: now}
}

func (b *Breaker) notify(c *StateChange) {
	if c != nil && b.onChange != nil {
		b.onChange(*c)
	}
}

func (b *Breaker) State() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() models.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := models.BreakerSnapshot{Host: b.host, State: b.state, FailureCount: b.consecutive, Requests: b.requests}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastProbeAt.IsZero() {
		t := b.lastProbeAt
		s.LastProbeAt = &t
	}
	return s
}

// Set holds one breaker per host, created on first use.
type Set struct {
	cfg      Config
	now      func() time.Time
	onChange func(StateChange)

	mu sync.Mutex
	m  map[string]*Breaker
}

type Option func(*Set)

func WithClock(now func() time.Time) Option { return func(s *Set) { s.now = now } }

// WithListener is called after every transition, outside breaker locks.
func WithListener(fn func(StateChange)) Option { return func(s *Set) { s.onChange = fn } }

func NewSet(cfg Config, opts ...Option) *Set {
	s := &Set{cfg: cfg, now: time.Now, m: make(map[string]*Breaker)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) For(host string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[host]
	if !ok {
		b = &Breaker{host: host, cfg: s.cfg, now: s.now, onChange: s.onChange, windowStart: s.now()}
		s.m[host] = b
	}
	return b
}

// Snapshots lists every known host sorted by name.
func (s *Set) Snapshots() []models.BreakerSnapshot {
	s.mu.Lock()
	hosts := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		hosts = append(hosts, b)
	}
	s.mu.Unlock()
	out := make([]models.BreakerSnapshot, 0, len(hosts))
	for _, b := range hosts {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
