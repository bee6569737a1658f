package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	calls atomic.Int32
	fail  int32
	err   error
}

func (j *countingJob) Name() string { return "counting" }
func (j *countingJob) Type() string { return "count" }
func (j *countingJob) Handle(context.Context, interface{}) error {
	if j.calls.Add(1) <= j.fail {
		return j.err
	}
	return nil
}

func startQueue(t *testing.T, cfg *QueueConfig, job Job) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(nil, cfg)
	q.RegisterJob(job)
	require.NoError(t, q.Start())
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

func TestMemoryQueueRetriesThenSucceeds(t *testing.T) {
	job := &countingJob{fail: 2, err: errors.New("flaky")}
	q := startQueue(t, &QueueConfig{RetryLimit: 3, RetryDelay: time.Millisecond}, job)

	require.NoError(t, q.Enqueue(context.Background(), "count", nil))
	require.Eventually(t, func() bool { return job.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueuePermanentErrorDeadLetters(t *testing.T) {
	job := &countingJob{fail: 10, err: NonRetryable(errors.New("bad payload"))}
	q := startQueue(t, &QueueConfig{RetryLimit: 5, RetryDelay: time.Millisecond}, job)

	require.NoError(t, q.Enqueue(context.Background(), "count", nil))
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), job.calls.Load())
}

func TestMemoryQueueUnknownTypeDeadLetters(t *testing.T) {
	q := startQueue(t, nil, &countingJob{})
	require.NoError(t, q.Enqueue(context.Background(), "other", nil))
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(nil, &QueueConfig{QueueSize: 1})
	require.NoError(t, q.Enqueue(context.Background(), "count", nil))
	assert.ErrorIs(t, q.Enqueue(context.Background(), "count", nil), ErrQueueFull)
}

func TestParsePayload(t *testing.T) {
	type req struct {
		Symbols []string `json:"symbols"`
	}
	got, err := ParsePayload[req](map[string]interface{}{"symbols": []interface{}{"BTC"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, got.Symbols)

	_, err = ParsePayload[req](42)
	assert.Error(t, err)
	assert.True(t, Permanent(NonRetryable(err)))
	assert.False(t, Permanent(err))
}

func TestSettleCountsAttemptsAgainstLimit(t *testing.T) {
	cfg := withDefaults(&QueueConfig{RetryLimit: 1, RetryDelay: time.Second})
	job := &countingJob{fail: 5, err: errors.New("down")}
	msg := &Message{Type: "count"}

	res, delay, err := settle(context.Background(), job, msg, cfg)
	assert.Equal(t, outcomeRetry, res)
	assert.Equal(t, time.Second, delay)
	assert.Error(t, err)

	res, _, _ = settle(context.Background(), job, msg, cfg)
	assert.Equal(t, outcomeDead, res)
	assert.Equal(t, 2, msg.Attempts)
}

func TestBackoffIsLinear(t *testing.T) {
	cfg := &QueueConfig{RetryDelay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, backoff(cfg, 0))
	assert.Equal(t, 30*time.Second, backoff(cfg, 3))
}

func TestMemoryQueueDepth(t *testing.T) {
	q := startQueue(t, &QueueConfig{RetryDelay: time.Millisecond}, &countingJob{})
	require.NoError(t, q.Enqueue(context.Background(), "other", nil))
	require.Eventually(t, func() bool {
		d, err := q.Depth(context.Background())
		return err == nil && d.Dead == 1 && d.Pending == 0
	}, time.Second, 5*time.Millisecond)
}
