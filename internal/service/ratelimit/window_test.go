package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindowNeverExceedsPerSecond(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(WithClock(clk.now))
	l.Register("cc", Quota{PerSecond: 3, PerMinute: 100})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Admit("cc", PriorityNormal))
		clk.advance(100 * time.Millisecond)
	}
	err := l.Admit("cc", PriorityNormal)
	var rl *errs.RateLimited
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 700*time.Millisecond, rl.RetryAfter)
	assert.False(t, rl.Quota)

	clk.advance(rl.RetryAfter)
	require.NoError(t, l.Admit("cc", PriorityNormal))
}

func TestWindowPerMinute(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(WithClock(clk.now))
	l.Register("news", Quota{PerSecond: 10, PerMinute: 5})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Admit("news", PriorityNormal))
		clk.advance(2 * time.Second)
	}
	err := l.Admit("news", PriorityNormal)
	var rl *errs.RateLimited
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 50*time.Second, rl.RetryAfter)
	assert.Equal(t, 5, l.Status("news").PerMinuteUsed)
}

func TestDailyQuotaReserveAndAlerts(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)}
	var alerts []QuotaAlert
	l := New(WithClock(clk.now), WithAlertHandler(func(a QuotaAlert) { alerts = append(alerts, a) }))
	l.Register("p", Quota{Daily: 10, CriticalReserve: 0.2})

	for i := 0; i < 8; i++ {
		require.NoError(t, l.Admit("p", PriorityNormal))
	}
	err := l.Admit("p", PriorityNormal)
	var rl *errs.RateLimited
	require.True(t, errors.As(err, &rl))
	assert.True(t, rl.Quota)
	assert.Equal(t, time.Hour, rl.RetryAfter)

	require.NoError(t, l.Admit("p", PriorityCritical))
	require.NoError(t, l.Admit("p", PriorityCritical))
	require.Error(t, l.Admit("p", PriorityCritical))

	require.Len(t, alerts, 2)
	assert.Equal(t, "approaching", alerts[0].Level)
	assert.Equal(t, "exceeded", alerts[1].Level)

	clk.advance(time.Hour)
	require.NoError(t, l.Admit("p", PriorityNormal))
	assert.Equal(t, "reset", alerts[len(alerts)-1].Level)
	assert.Equal(t, 1, l.Status("p").DailyUsed)
}

func TestWaitHonoursContext(t *testing.T) {
	l := New()
	l.Register("slow", Quota{PerSecond: 1, PerMinute: 1})
	require.NoError(t, l.Admit("slow", PriorityNormal))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow", PriorityNormal)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestUnknownProviderIsUnlimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		if err := l.Admit("nobody", PriorityLow); err != nil {
			t.Fatalf("unexpected refusal: %v", err)
		}
	}
}

func TestBucketsAllow(t *testing.T) {
	b := NewBuckets()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	assert.True(t, b.Allow("client", 2, 1))
	assert.True(t, b.Allow("client", 2, 1))
	assert.False(t, b.Allow("client", 2, 1))
	now = now.Add(time.Second)
	assert.True(t, b.Allow("client", 2, 1))
}
