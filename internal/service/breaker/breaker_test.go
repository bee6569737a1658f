package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(false)
}

func TestCircuitTripsAndRecovers(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []StateChange
	set := NewSet(Config{FailureThreshold: 3, FailureRatio: 1, MinRequests: 100, Window: time.Minute, Cooldown: time.Second},
		WithClock(clk.now), WithListener(func(c StateChange) { changes = append(changes, c) }))
	b := set.For("H")

	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	_, err := b.Allow()
	var open *errs.CircuitOpen
	require.True(t, errors.As(err, &open))
	assert.Equal(t, "H", open.Host)

	clk.t = clk.t.Add(time.Second)
	done, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, models.BreakerHalfOpen, b.State())

	_, err = b.Allow()
	require.Error(t, err, "only one probe at a time")

	done(true)
	assert.Equal(t, models.BreakerClosed, b.State())

	require.Len(t, changes, 3)
	assert.Equal(t, models.BreakerOpen, changes[0].To)
	assert.Equal(t, models.BreakerHalfOpen, changes[1].To)
	assert.Equal(t, models.BreakerClosed, changes[2].To)
}

func TestFailedProbeReopens(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewSet(Config{FailureThreshold: 1, Cooldown: time.Second}, WithClock(clk.now)).For("H")
	fail(t, b)
	clk.t = clk.t.Add(time.Second)
	fail(t, b)
	assert.Equal(t, models.BreakerOpen, b.State())

	clk.t = clk.t.Add(500 * time.Millisecond)
	if _, err := b.Allow(); err == nil {
		t.Fatalf("cooldown restarts after a failed probe")
	}
}

func TestRatioTrip(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewSet(Config{FailureThreshold: 100, FailureRatio: 0.5, MinRequests: 4, Window: time.Minute, Cooldown: time.Minute},
		WithClock(clk.now)).For("H")
	for _, ok := range []bool{true, false, true, false} {
		done, err := b.Allow()
		require.NoError(t, err)
		done(ok)
	}
	assert.Equal(t, models.BreakerOpen, b.State())
}

func TestSuccessResetsConsecutive(t *testing.T) {
	b := NewSet(Config{FailureThreshold: 2, Cooldown: time.Minute}).For("H")
	fail(t, b)
	done, _ := b.Allow()
	done(true)
	fail(t, b)
	assert.Equal(t, models.BreakerClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}
