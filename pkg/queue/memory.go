package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"CryptoPull/pkg/logger"
)

// ErrQueueFull is returned by MemoryQueue.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("queue full")

// MemoryQueue runs jobs in-process. It keeps the retry and dead-letter
// semantics of RedisQueue but loses pending messages on restart.
type MemoryQueue struct {
	logger *logger.Logger
	config *QueueConfig

	mu      sync.RWMutex
	jobs    map[string]Job
	dead    []Message
	delayed int64
	running bool

	ch     chan Message
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(lgr *logger.Logger, config *QueueConfig) *MemoryQueue {
	config = withDefaults(config)
	if lgr == nil {
		lgr = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		logger: lgr.Component("queue"),
		config: config,
		jobs:   make(map[string]Job),
		ch:     make(chan Message, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *MemoryQueue) RegisterJob(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.Type()]; ok {
		m.logger.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	m.jobs[job.Type()] = job
	m.logger.Info("job registered", logger.String("job", job.Name()), logger.String("type", job.Type()))
}

func (m *MemoryQueue) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("queue already running")
	}
	m.running = true
	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.logger.Info("memory queue started", logger.Int("workers", m.config.Workers))
	return nil
}

func (m *MemoryQueue) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("memory queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop queue: %w", ctx.Err())
	}
}

// Enqueue buffers a message without blocking.
func (m *MemoryQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	msg := Message{ID: uuid.NewString(), Type: msgType, Payload: payload, Timestamp: time.Now()}
	return m.push(ctx, msg)
}

func (m *MemoryQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return m.Enqueue(ctx, msgType, payload)
}

func (m *MemoryQueue) push(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.ch <- msg:
		m.logger.Debug("job enqueued", logger.String("type", msg.Type), logger.String("id", msg.ID))
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", msg.Type, ErrQueueFull)
	}
}

// DeadLetters returns a copy of the messages that exhausted their retries.
func (m *MemoryQueue) DeadLetters() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.dead...)
}

func (m *MemoryQueue) Depth(context.Context) (Depth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Depth{Pending: int64(len(m.ch)), Delayed: m.delayed, Dead: int64(len(m.dead))}, nil
}

func (m *MemoryQueue) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.ch:
			m.process(msg)
		}
	}
}

func (m *MemoryQueue) process(msg Message) {
	m.mu.RLock()
	job, ok := m.jobs[msg.Type]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("no job for message type", logger.String("type", msg.Type))
		m.deadLetter(msg)
		return
	}

	start := time.Now()
	res, delay, err := settle(m.ctx, job, &msg, m.config)
	switch res {
	case outcomeDone:
		m.logger.Info("job done",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Duration("took", time.Since(start)))
		return
	case outcomeCancelled:
		return
	}
	m.logger.Error("job failed",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts),
		logger.Error(err))
	if res == outcomeDead {
		m.deadLetter(msg)
		return
	}
	m.mu.Lock()
	m.delayed++
	m.mu.Unlock()
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.delayed--
		m.mu.Unlock()
		if err := m.push(m.ctx, msg); err != nil {
			m.logger.Warn("requeue failed", logger.String("id", msg.ID), logger.Error(err))
			m.deadLetter(msg)
		}
	})
}

func (m *MemoryQueue) deadLetter(msg Message) {
	m.mu.Lock()
	m.dead = append(m.dead, msg)
	m.mu.Unlock()
	m.logger.Warn("message dead-lettered", logger.String("id", msg.ID), logger.String("type", msg.Type))
}
