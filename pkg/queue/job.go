package queue

import (
	"context"
	"errors"
	"time"
)

// Job handles one message type.
type Job interface {
	Name() string
	Type() string
	Handle(ctx context.Context, payload interface{}) error
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeCancelled
	outcomeRetry
	outcomeDead
)

// settle runs job against msg and decides what happens to it next. On
// failure msg.Attempts is incremented before the decision is made.
func settle(ctx context.Context, job Job, msg *Message, cfg *QueueConfig) (outcome, time.Duration, error) {
	err := job.Handle(ctx, msg.Payload)
	switch {
	case err == nil:
		return outcomeDone, 0, nil
	case errors.Is(err, context.Canceled):
		return outcomeCancelled, 0, err
	}
	msg.Attempts++
	if msg.Attempts > cfg.RetryLimit || Permanent(err) {
		return outcomeDead, 0, err
	}
	return outcomeRetry, backoff(cfg, msg.Attempts), err
}

// backoff grows linearly with the attempt count.
func backoff(cfg *QueueConfig, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return cfg.RetryDelay * time.Duration(attempts)
}

func withDefaults(config *QueueConfig) *QueueConfig {
	if config == nil {
		config = &QueueConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}
	return config
}
