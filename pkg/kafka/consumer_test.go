package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct{ msgs []kafka.Message }

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type flakyHandler struct {
	failures int
	calls    int
	trace    string
}

func (h *flakyHandler) Topic() string { return "bars" }

func (h *flakyHandler) Handle(ctx context.Context, _ []byte) error {
	h.calls++
	if v := TraceID(ctx); v != "" {
		h.trace = v
	}
	if h.calls <= h.failures {
		return errors.New("boom")
	}
	return nil
}

func newTestConsumer(t *testing.T, h MessageHandler) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)
	c.RegisterHandler(h)
	return c
}

func TestConsumerRetriesThenCommits(t *testing.T) {
	h := &flakyHandler{failures: 2}
	c := newTestConsumer(t, h)
	r := &fakeReader{}

	c.process(delivery{topic: "bars", reader: r, msg: kafka.Message{
		Topic: "bars", Offset: 7,
		Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc")}},
	}})

	assert.Equal(t, 3, h.calls)
	assert.Equal(t, "abc", h.trace)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestConsumerDeadLettersAfterRetries(t *testing.T) {
	h := &flakyHandler{failures: 10}
	c := newTestConsumer(t, h)
	dlq := &fakeWriter{}
	c.dlq = dlq
	var hookErr error
	c.WithConsumerHook(HookFuncs{Err: func(_ context.Context, _ string, _ kafka.Message, _ []byte, err error) { hookErr = err }})
	r := &fakeReader{}

	c.process(delivery{topic: "bars", reader: r, msg: kafka.Message{Topic: "bars", Partition: 1, Offset: 9, Value: []byte("x")}})

	assert.Equal(t, 3, h.calls)
	require.Error(t, hookErr)
	require.Len(t, dlq.msgs, 1)
	headers := map[string]string{}
	for _, hd := range dlq.msgs[0].Headers {
		headers[hd.Key] = string(hd.Value)
	}
	assert.Equal(t, "bars", headers["source_topic"])
	assert.Equal(t, "9", headers["source_offset"])
	assert.Equal(t, []int64{9}, r.committed)
}

func TestConsumerWithoutDLQLeavesOffset(t *testing.T) {
	h := &flakyHandler{failures: 10}
	c := newTestConsumer(t, h)
	r := &fakeReader{}

	c.process(delivery{topic: "bars", reader: r, msg: kafka.Message{Topic: "bars", Offset: 3}})
	assert.Empty(t, r.committed)
}

func TestHookRejectionIsNotRetried(t *testing.T) {
	h := &flakyHandler{}
	c := newTestConsumer(t, h)
	c.WithConsumerHook(HookFuncs{Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
		return ctx, km, data, &HookError{Code: "ERR_VALIDATION"}
	}})

	attempts, err := c.handleWithRetry(h, kafka.Message{Topic: "bars"})
	assert.Equal(t, 1, attempts)
	assert.Error(t, err)
	assert.Zero(t, h.calls)
}

func TestConsumerConfigValidation(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)
	_, err = NewConsumer(WithConsumerBrokers([]string{"b:9092"}), WithConsumerStartOffset("middle"))
	assert.Error(t, err)
	_, err = NewProducer(WithBrokers([]string{"b:9092"}), WithCompression("brotli"))
	assert.Error(t, err)
}

func TestBackoffBounded(t *testing.T) {
	for attempt := 1; attempt < 70; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, time.Second, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}
