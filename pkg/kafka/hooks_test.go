package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrderAndRejection(t *testing.T) {
	var order []string
	rec := func(name string) ConsumerHook {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
				order = append(order, "before:"+name)
				return ctx, km, append(data, name...), nil
			},
			After: func(context.Context, string, kafka.Message, []byte, error) { order = append(order, "after:"+name) },
		}
	}
	chain := Chain{rec("a"), rec("b")}

	ctx, km, data, err := chain.BeforeHandle(context.Background(), "bars", kafka.Message{}, []byte(">"))
	require.NoError(t, err)
	assert.Equal(t, ">ab", string(data))
	chain.AfterHandle(ctx, "bars", km, data, nil)
	assert.Equal(t, []string{"before:a", "before:b", "after:b", "after:a"}, order)

	_, _, _, err = Chain{RejectOversize(2), rec("c")}.BeforeHandle(context.Background(), "bars", kafka.Message{}, []byte("abc"))
	var herr *HookError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "ERR_SIZE", herr.Code)
}

func TestChainSurvivesPanics(t *testing.T) {
	boom := HookFuncs{
		Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
			panic("boom")
		},
		Err: func(context.Context, string, kafka.Message, []byte, error) { panic("again") },
	}
	_, _, _, err := Chain{boom}.BeforeHandle(context.Background(), "bars", kafka.Message{}, nil)
	var herr *HookError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "ERR_PANIC", herr.Code)
	assert.NotPanics(t, func() { Chain{boom}.OnError(context.Background(), "bars", kafka.Message{}, nil, err) })
}

func TestTraceContext(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{{Key: "trace_id", Value: []byte("ev-1")}}}
	now := time.Now()
	ctx := WithTraceID(WithStartTime(context.Background(), now), ExtractTraceID(msg))
	assert.Equal(t, "ev-1", TraceID(ctx))
	got, ok := StartTime(ctx)
	assert.True(t, ok)
	assert.Equal(t, now, got)
	assert.Empty(t, TraceID(WithTraceID(context.Background(), "")))
}
