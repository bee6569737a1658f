// Package ratelimit holds admission control for outbound provider traffic
// (rolling per-second and per-minute windows plus a daily quota) and keyed
// token buckets for inbound throttling.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

// Priority orders requests competing for a scarce daily quota.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Quota describes one provider's limits. Zero Daily means unlimited.
type Quota struct {
	PerSecond int
	PerMinute int
	Daily     int
	// Share of Daily reserved for PriorityCritical requests.
	CriticalReserve float64
}

// QuotaAlert is raised when daily usage crosses 80% and 100%, and when the
// daily counter resets.
type QuotaAlert struct {
	Provider string
	Level    string // approaching, exceeded, reset
	Used     int
	Quota    int
}

type window struct {
	name  string
	quota Quota
	now   func() time.Time
	alert func(QuotaAlert)

	mu       sync.Mutex
	sec      []time.Time
	min      []time.Time
	day      time.Time
	dayUsed  int
	warned   bool
	exceeded bool
}

// Limiter tracks windows for every registered provider. Each provider's
// window has its own mutex.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
	alert   func(QuotaAlert)
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithAlertHandler receives quota alerts. It is called outside the window lock.
func WithAlertHandler(fn func(QuotaAlert)) Option { return func(l *Limiter) { l.alert = fn } }

func New(opts ...Option) *Limiter {
	l := &Limiter{windows: make(map[string]*window), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register sets (or replaces) the quota for provider.
func (l *Limiter) Register(provider string, q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows[provider] = &window{name: provider, quota: q, now: l.now, alert: l.alert}
}

func (l *Limiter) get(provider string) *window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.windows[provider]
}

// Admit records one request for provider if every window permits it, and
// returns *errs.RateLimited otherwise. Unknown providers are unlimited.
func (l *Limiter) Admit(provider string, p Priority) error {
	w := l.get(provider)
	if w == nil {
		return nil
	}
	return w.admit(p)
}

// Wait blocks until provider admits a request or ctx is done. A daily quota
// refusal is returned immediately rather than waited out.
func (l *Limiter) Wait(ctx context.Context, provider string, p Priority) error {
	for {
		err := l.Admit(provider, p)
		if err == nil {
			return nil
		}
		var rl *errs.RateLimited
		if !errors.As(err, &rl) || rl.Quota {
			return err
		}
		t := time.NewTimer(rl.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Status reports usage for provider.
func (l *Limiter) Status(provider string) models.RateWindowStatus {
	w := l.get(provider)
	if w == nil {
		return models.RateWindowStatus{Provider: provider}
	}
	return w.status()
}

// All reports every provider sorted by name.
func (l *Limiter) All() []models.RateWindowStatus {
	l.mu.RLock()
	names := make([]string, 0, len(l.windows))
	for n := range l.windows {
		names = append(names, n)
	}
	l.mu.RUnlock()
	sort.Strings(names)
	out := make([]models.RateWindowStatus, 0, len(names))
	for _, n := range names {
		out = append(out, l.Status(n))
	}
	return out
}

func (w *window) admit(p Priority) error {
	var alerts []QuotaAlert
	err := func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		now := w.now()
		alerts = w.rollDay(now, alerts)
		w.prune(now)

		if w.quota.Daily > 0 {
			limit := w.quota.Daily
			if p != PriorityCritical && w.quota.CriticalReserve > 0 {
				limit = int(float64(w.quota.Daily) * (1 - w.quota.CriticalReserve))
			}
			if w.dayUsed >= limit {
				return &errs.RateLimited{Provider: w.name, RetryAfter: nextDay(now).Sub(now), Quota: true}
			}
		}

		var wait time.Duration
		if w.quota.PerSecond > 0 && len(w.sec) >= w.quota.PerSecond {
			wait = w.sec[len(w.sec)-w.quota.PerSecond].Add(time.Second).Sub(now)
		}
		if w.quota.PerMinute > 0 && len(w.min) >= w.quota.PerMinute {
			if d := w.min[len(w.min)-w.quota.PerMinute].Add(time.Minute).Sub(now); d > wait {
				wait = d
			}
		}
		if wait > 0 {
			return &errs.RateLimited{Provider: w.name, RetryAfter: wait}
		}

		w.sec = append(w.sec, now)
		w.min = append(w.min, now)
		w.dayUsed++
		if w.quota.Daily > 0 {
			if !w.warned && float64(w.dayUsed) >= 0.8*float64(w.quota.Daily) {
				w.warned = true
				alerts = append(alerts, QuotaAlert{Provider: w.name, Level: "approaching", Used: w.dayUsed, Quota: w.quota.Daily})
			}
			if !w.exceeded && w.dayUsed >= w.quota.Daily {
				w.exceeded = true
				alerts = append(alerts, QuotaAlert{Provider: w.name, Level: "exceeded", Used: w.dayUsed, Quota: w.quota.Daily})
			}
		}
		return nil
	}()
	if w.alert != nil {
		for _, a := range alerts {
			w.alert(a)
		}
	}
	return err
}

// prune drops timestamps that left the rolling windows. Callers hold mu.
func (w *window) prune(now time.Time) {
	w.sec = dropBefore(w.sec, now.Add(-time.Second))
	w.min = dropBefore(w.min, now.Add(-time.Minute))
}

func (w *window) rollDay(now time.Time, alerts []QuotaAlert) []QuotaAlert {
	day := now.UTC().Truncate(24 * time.Hour)
	if w.day.IsZero() {
		w.day = day
		return alerts
	}
	if !day.After(w.day) {
		return alerts
	}
	if w.quota.Daily > 0 && w.dayUsed > 0 {
		alerts = append(alerts, QuotaAlert{Provider: w.name, Level: "reset", Used: w.dayUsed, Quota: w.quota.Daily})
	}
	w.day, w.dayUsed, w.warned, w.exceeded = day, 0, false, false
	return alerts
}

func (w *window) status() models.RateWindowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	return models.RateWindowStatus{
		Provider:       w.name,
		PerSecondUsed:  len(w.sec),
		PerSecondLimit: w.quota.PerSecond,
		PerMinuteUsed:  len(w.min),
		PerMinuteLimit: w.quota.PerMinute,
		DailyUsed:      w.dayUsed,
		DailyQuota:     w.quota.Daily,
		ResetAt:        nextDay(now),
	}
}

// dropBefore keeps timestamps strictly after cutoff, reusing the backing array.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}

func nextDay(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
