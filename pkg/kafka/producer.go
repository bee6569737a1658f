package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// Message is one record of a batch. Values that are not []byte or string
// are JSON-encoded.
type Message struct {
	Key     []byte
	Value   interface{}
	Headers map[string]string
}

// Producer writes JSON records to Kafka. It is safe for concurrent use.
type Producer struct {
	writer  *kafka.Writer
	brokers []string
	comp    string
}

func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	comp, _ := parseCompression(cfg.Compression)
	bal, _ := parseBalancer(cfg.Balancer)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     bal,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  comp,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		BatchSize:    cfg.BatchSize,
		BatchBytes:   int64(cfg.BatchBytes),
		BatchTimeout: cfg.BatchTimeout,
		Async:        cfg.Async,
	}
	if cfg.Async {
		writer.Completion = func(msgs []kafka.Message, err error) {
			if err != nil && len(msgs) > 0 {
				producerMetrics().errs.WithLabelValues(msgs[0].Topic).Add(float64(len(msgs)))
			}
		}
	}
	producerMetrics()
	return &Producer{writer: writer, brokers: cfg.Brokers, comp: cfg.Compression}, nil
}

// Publish sends one keyed record.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	return p.PublishBatch(ctx, topic, []Message{{Key: key, Value: value}})
}

// PublishMessage publishes an unkeyed payload. It lets the producer serve as
// the log collector sink.
func (p *Producer) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.Publish(ctx, topic, nil, payload)
}

// PublishBatch writes all messages in one call; with the hash balancer,
// records sharing a key keep their order.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	start := time.Now()
	now := start.UTC()
	msgs := make([]kafka.Message, 0, len(messages))
	var total int64
	for _, m := range messages {
		v, err := encode(m.Value)
		if err != nil {
			return fmt.Errorf("encode %s message: %w", topic, err)
		}
		km := kafka.Message{Topic: topic, Key: m.Key, Value: v, Time: now}
		for k, hv := range m.Headers {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(hv)})
		}
		msgs = append(msgs, km)
		total += int64(len(v))
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	p.observe(topic, total, len(msgs), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), topic, err)
	}
	return nil
}

// Ping dials the brokers until one answers.
func (p *Producer) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

type producerCollectors struct {
	msgs    *prometheus.CounterVec
	errs    *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	producerOnce sync.Once
	producerCols *producerCollectors
)

func producerMetrics() *producerCollectors {
	producerOnce.Do(func() {
		producerCols = &producerCollectors{
			msgs: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "cryptopull_kafka_producer_messages_total",
				Help: "Messages published to Kafka",
			}, []string{"topic", "compression", "result"}),
			errs: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "cryptopull_kafka_producer_errors_total",
				Help: "Messages that failed to publish",
			}, []string{"topic"}),
			bytes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "cryptopull_kafka_producer_bytes_total",
				Help: "Payload bytes published",
			}, []string{"topic", "compression"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "cryptopull_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"topic"}),
		}
	})
	return producerCols
}

func (p *Producer) observe(topic string, bytes int64, count int, dur time.Duration, err error) {
	m := producerMetrics()
	result := "ok"
	if err != nil {
		result = "error"
		m.errs.WithLabelValues(topic).Add(float64(count))
	}
	m.msgs.WithLabelValues(topic, p.comp, result).Add(float64(count))
	m.bytes.WithLabelValues(topic, p.comp).Add(float64(bytes))
	m.latency.WithLabelValues(topic).Observe(dur.Seconds())
}
