package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"CryptoPull/pkg/logger"
)

const (
	pollTimeout   = time.Second
	retryInterval = time.Second
)

// RedisQueue keeps pending messages in a Redis list, delayed retries in a
// sorted set scored by due time (unix ms) and exhausted messages in a
// capped dead-letter list. Several processes may share one prefix.
type RedisQueue struct {
	logger  *logger.Logger
	config  *QueueConfig
	client  *redis.Client
	prefix  string
	deadCap int64

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type RedisQueueOption func(*RedisQueue)

func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) { r.prefix = prefix }
}

// WithDeadLetterCap bounds the dead-letter list; older entries are trimmed.
func WithDeadLetterCap(n int) RedisQueueOption {
	return func(r *RedisQueue) {
		if n > 0 {
			r.deadCap = int64(n)
		}
	}
}

func NewRedisQueue(lgr *logger.Logger, config *QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisQueue{
		logger:  lgr.Component("queue"),
		config:  withDefaults(config),
		client:  client,
		prefix:  "cryptopull:queue",
		deadCap: 1000,
		jobs:    make(map[string]Job),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Type()]; ok {
		r.logger.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
	r.logger.Info("job registered", logger.String("job", job.Name()), logger.String("type", job.Type()))
}

func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	r.running = true
	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.promoter()
	r.logger.Info("redis queue started",
		logger.Int("workers", r.config.Workers),
		logger.String("prefix", r.prefix))
	return nil
}

func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("redis queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop queue: %w", ctx.Err())
	}
}

// Enqueue rejects types no job handles, so typos fail at the caller rather
// than in the dead-letter list.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	_, known := r.jobs[msgType]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("enqueue %s: no job registered", msgType)
	}

	msg := Message{ID: uuid.NewString(), Type: msgType, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	if err := r.client.LPush(ctx, r.key("pending"), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", msgType, err)
	}
	r.logger.Debug("job enqueued", logger.String("type", msgType), logger.String("id", msg.ID))
	return nil
}

func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return r.Enqueue(ctx, msgType, payload)
}

func (r *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := r.client.Pipeline()
	p := pipe.LLen(ctx, r.key("pending"))
	d := pipe.ZCard(ctx, r.key("delayed"))
	x := pipe.LLen(ctx, r.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Pending: p.Val(), Delayed: d.Val(), Dead: x.Val()}, nil
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	for r.ctx.Err() == nil {
		res, err := r.client.BRPop(r.ctx, pollTimeout, r.key("pending")).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("queue poll failed", logger.Int("worker_id", id), logger.Error(err))
			r.sleep(pollTimeout)
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			r.logger.Error("dropping undecodable message", logger.Error(err))
			continue
		}
		r.process(msg)
	}
}

func (r *RedisQueue) process(msg Message) {
	r.mu.RLock()
	job, ok := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no job for message type", logger.String("type", msg.Type))
		r.push("dead", msg)
		return
	}

	// payloads come back from JSON as maps; handlers decode them again
	if m, isMap := msg.Payload.(map[string]interface{}); isMap {
		if raw, err := json.Marshal(m); err == nil {
			msg.Payload = json.RawMessage(raw)
		}
	}

	start := time.Now()
	res, delay, err := settle(r.ctx, job, &msg, r.config)
	switch res {
	case outcomeDone:
		r.logger.Info("job done",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Duration("took", time.Since(start)))
		return
	case outcomeCancelled:
		// shutting down: put it back for the next process
		r.push("pending", msg)
		return
	}
	r.logger.Error("job failed",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts),
		logger.Error(err))
	if res == outcomeDead {
		r.push("dead", msg)
		return
	}
	r.delay(msg, time.Now().Add(delay))
}

func (r *RedisQueue) push(list string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encode message", logger.String("id", msg.ID), logger.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key(list), data)
	if list == "dead" {
		pipe.LTrim(ctx, r.key(list), 0, r.deadCap-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("push message", logger.String("list", list), logger.String("id", msg.ID), logger.Error(err))
	}
}

func (r *RedisQueue) delay(msg Message, due time.Time) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encode retry", logger.String("id", msg.ID), logger.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	z := redis.Z{Score: float64(due.UnixMilli()), Member: data}
	if err := r.client.ZAdd(ctx, r.key("delayed"), z).Err(); err != nil {
		r.logger.Error("schedule retry", logger.String("id", msg.ID), logger.Error(err))
		return
	}
	r.logger.Info("retry scheduled",
		logger.String("id", msg.ID),
		logger.Int("attempt", msg.Attempts),
		logger.Time("due", due))
}

// promoter moves due retries back onto the pending list. ZRem decides which
// process owns an entry when several share the prefix.
func (r *RedisQueue) promoter() {
	defer r.wg.Done()
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
		}
		due, err := r.client.ZRangeByScore(r.ctx, r.key("delayed"), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
		}).Result()
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("read delayed messages", logger.Error(err))
			}
			continue
		}
		for _, member := range due {
			n, err := r.client.ZRem(r.ctx, r.key("delayed"), member).Result()
			if err != nil || n == 0 {
				continue
			}
			if err := r.client.LPush(r.ctx, r.key("pending"), member).Err(); err != nil {
				r.logger.Error("promote retry", logger.Error(err))
			}
		}
	}
}

func (r *RedisQueue) sleep(d time.Duration) {
	select {
	case <-r.ctx.Done():
	case <-time.After(d):
	}
}

func (r *RedisQueue) key(name string) string { return r.prefix + ":" + name }
