package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueService is the publishing side, all the scheduler needs.
type QueueService interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// Queue is a job queue with registered handlers. RedisQueue and MemoryQueue
// both satisfy it.
type Queue interface {
	QueueService
	RegisterJob(job Job)
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
	Start() error
	Stop(ctx context.Context) error
	Depth(ctx context.Context) (Depth, error)
}

// Depth counts messages by state.
type Depth struct {
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// NonRetryable marks err so the queue dead-letters the message at once.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Permanent reports whether err was marked NonRetryable.
func Permanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// QueueConfig sizes the worker pool and the retry policy. A message is
// retried RetryLimit times, waiting RetryDelay times the attempt count.
type QueueConfig struct {
	Workers    int
	QueueSize  int
	RetryLimit int
	RetryDelay time.Duration
}

// Message is the unit stored in the queue. Payload survives a JSON round
// trip when the queue is backed by Redis.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Attempts  int         `json:"attempts"`
	Timestamp time.Time   `json:"ts"`
}

// ParsePayload converts a payload into T. Typed values pass through; maps,
// slices and raw JSON are decoded through encoding/json.
func ParsePayload[T any](payload interface{}) (*T, error) {
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	}

	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("invalid payload type: %T", payload)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}
