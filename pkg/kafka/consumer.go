package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"CryptoPull/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// fetcher is the part of *kafka.Reader the consumer drives.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type delivery struct {
	topic  string
	reader fetcher
	msg    kafka.Message
}

type partitionKey struct {
	topic     string
	partition int
}

// Consumer reads registered topics in a consumer group and fans messages
// out to a worker pool. Offsets are committed only after the handler
// succeeded or the message reached the dead-letter topic; one message per
// partition is in flight at a time.
type Consumer struct {
	cfg      *ConsumerConfig
	handlers map[string]MessageHandler
	readers  map[string]fetcher
	dlq      messageWriter
	hook     ConsumerHook
	lgr      *logger.Logger

	msgs     chan delivery
	ctx      context.Context
	cancel   context.CancelFunc
	readerWg sync.WaitGroup
	workerWg sync.WaitGroup
	stopOnce sync.Once

	partMu    sync.Mutex
	partLocks map[partitionKey]*sync.Mutex
}

func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:       cfg,
		handlers:  make(map[string]MessageHandler),
		readers:   make(map[string]fetcher),
		hook:      NoopHook{},
		lgr:       lgr.Component("kafka_consumer"),
		msgs:      make(chan delivery, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		partLocks: make(map[partitionKey]*sync.Mutex),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.Hash{}}
	}
	consumerMetrics()
	return c, nil
}

// RegisterHandler must be called before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.lgr.Warn("handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	start := kafka.FirstOffset
	if c.cfg.StartOffset == "latest" {
		start = kafka.LastOffset
	}
	for topic := range c.handlers {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.cfg.Brokers,
			Topic:       topic,
			GroupID:     c.cfg.GroupID,
			MinBytes:    c.cfg.MinBytes,
			MaxBytes:    c.cfg.MaxBytes,
			StartOffset: start,
		})
	}

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.workerWg.Add(1)
		go c.worker()
	}
	for topic, r := range c.readers {
		c.readerWg.Add(1)
		go c.read(topic, r)
		c.lgr.Info("consuming", logger.String("topic", topic), logger.String("group", c.cfg.GroupID))
	}
	c.lgr.Info("started", logger.Int("workers", c.cfg.WorkerCount))
	return nil
}

// Stop cancels fetching, lets workers drain what was already fetched, then
// closes the readers and the dead-letter writer.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.lgr.Info("stopping")
		c.cancel()
		c.readerWg.Wait()
		close(c.msgs)

		done := make(chan struct{})
		go func() {
			c.workerWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer workers: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if err := r.Close(); err != nil {
				c.lgr.Error("close reader", logger.String("topic", topic), logger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.lgr.Error("close dlq writer", logger.Error(err))
			}
		}
		if stopErr == nil {
			c.lgr.Info("stopped")
		}
	})
	return stopErr
}

func (c *Consumer) read(topic string, r fetcher) {
	defer c.readerWg.Done()
	m := consumerMetrics()
	for {
		msg, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.lgr.Warn("fetch message", logger.String("topic", topic), logger.Error(err))
			if !c.sleep(c.cfg.BackoffMin) {
				return
			}
			continue
		}
		select {
		case c.msgs <- delivery{topic: topic, reader: r, msg: msg}:
			m.depth.WithLabelValues(topic).Set(float64(len(c.msgs)))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker() {
	defer c.workerWg.Done()
	for d := range c.msgs {
		c.process(d)
	}
}

func (c *Consumer) process(d delivery) {
	handler, ok := c.handlers[d.topic]
	if !ok {
		return
	}
	start := time.Now()
	m := consumerMetrics()
	defer func() { m.latency.WithLabelValues(d.topic).Observe(time.Since(start).Seconds()) }()

	lock := c.partitionLock(d.topic, d.msg.Partition)
	lock.Lock()
	defer lock.Unlock()

	attempts, err := c.handleWithRetry(handler, d.msg)
	if err != nil {
		safeOnError(c.hook, context.Background(), d.topic, d.msg, d.msg.Value, err)
		c.lgr.Error("handle message",
			logger.String("topic", d.topic),
			logger.Int("partition", d.msg.Partition),
			logger.Int64("offset", d.msg.Offset),
			logger.Int("attempts", attempts),
			logger.Error(err))
		if !c.deadLetter(d, err) {
			// Left uncommitted; the group redelivers it after a rebalance.
			m.messages.WithLabelValues(d.topic, "failed").Inc()
			return
		}
		m.messages.WithLabelValues(d.topic, "dead_lettered").Inc()
	} else {
		m.messages.WithLabelValues(d.topic, "ok").Inc()
	}
	_ = c.commitWithRetry(d.reader, d.msg, 3)
}

// handleWithRetry runs up to RetryMax+1 attempts. Hook rejections are not
// retried.
func (c *Consumer) handleWithRetry(h MessageHandler, msg kafka.Message) (int, error) {
	for attempt := 1; ; attempt++ {
		err := c.attempt(h, msg)
		var herr *HookError
		if err == nil || attempt > c.cfg.RetryMax || errors.As(err, &herr) {
			return attempt, err
		}
		c.lgr.Debug("retrying message",
			logger.String("topic", msg.Topic), logger.Int("attempt", attempt), logger.Error(err))
		if !c.sleep(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return attempt, err
		}
	}
}

func (c *Consumer) attempt(h MessageHandler, msg kafka.Message) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
	defer cancel()
	ctx = WithTraceID(WithStartTime(ctx, time.Now()), ExtractTraceID(msg))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	hctx, hmsg, data, err := safeBefore(c.hook, ctx, h.Topic(), msg, msg.Value)
	if err != nil {
		return err
	}
	err = h.Handle(hctx, data)
	safeAfter(c.hook, hctx, h.Topic(), hmsg, data, err)
	return err
}

// deadLetter copies the message to the DLQ topic with its origin in the
// headers. It reports whether the offset may be committed.
func (c *Consumer) deadLetter(d delivery, cause error) bool {
	if c.dlq == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	headers := append([]kafka.Header(nil), d.msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "source_topic", Value: []byte(d.topic)},
		kafka.Header{Key: "source_partition", Value: []byte(strconv.Itoa(d.msg.Partition))},
		kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(d.msg.Offset, 10))},
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
	)
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Time:    time.Now().UTC(),
		Headers: headers,
	})
	if err != nil {
		c.lgr.Error("write dlq", logger.String("topic", c.cfg.DLQTopic), logger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) commitWithRetry(r fetcher, km kafka.Message, max int) error {
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.lgr.Error("commit offset", logger.Int("attempts", max), logger.Int64("offset", km.Offset), logger.Error(err))
	return err
}

// sleep waits d unless the consumer is stopping.
func (c *Consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	c.partMu.Lock()
	defer c.partMu.Unlock()
	k := partitionKey{topic: topic, partition: partition}
	l, ok := c.partLocks[k]
	if !ok {
		l = &sync.Mutex{}
		c.partLocks[k] = l
	}
	return l
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min << uint(attempt-1)
	if exp > max || exp <= 0 {
		exp = max
	}
	// up to 50% jitter
	return exp - time.Duration(rand.Int64N(int64(exp)/2+1))
}

type consumerCollectors struct {
	depth    *prometheus.GaugeVec
	messages *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	consumerOnce       sync.Once
	consumerCols       *consumerCollectors
	consumerRegisterer prometheus.Registerer = prometheus.DefaultRegisterer
)

// SetConsumerMetricsRegisterer must be called before the first consumer is
// built; tests use it to avoid the global registry.
func SetConsumerMetricsRegisterer(reg prometheus.Registerer) { consumerRegisterer = reg }

func consumerMetrics() *consumerCollectors {
	consumerOnce.Do(func() {
		f := promauto.With(consumerRegisterer)
		consumerCols = &consumerCollectors{
			depth: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "cryptopull_kafka_consumer_queue_depth",
				Help: "Fetched messages waiting for a worker",
			}, []string{"topic"}),
			messages: f.NewCounterVec(prometheus.CounterOpts{
				Name: "cryptopull_kafka_consumer_messages_total",
				Help: "Consumed messages by outcome",
			}, []string{"topic", "result"}),
			latency: f.NewHistogramVec(prometheus.HistogramOpts{
				Name: "cryptopull_kafka_consumer_handle_seconds",
				Help: "Handling time per message including retries",
			}, []string{"topic"}),
		}
	})
	return consumerCols
}
