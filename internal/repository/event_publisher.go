package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	pkgkafka "CryptoPull/pkg/kafka"
)

// KafkaPublisher publishes domain events and live bars to Kafka.
type KafkaPublisher struct {
	producer    *pkgkafka.Producer
	eventsTopic string
	barsTopic   string
}

func NewKafkaPublisher(producer *pkgkafka.Producer, eventsTopic, barsTopic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, eventsTopic: eventsTopic, barsTopic: barsTopic}
}

var _ repository.EventPublisher = (*KafkaPublisher)(nil)

// Publish keys events by type so one type stays ordered on a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev models.Event) error {
	stamp(&ev)
	return p.producer.PublishBatch(ctx, p.eventsTopic, []pkgkafka.Message{{
		Key:     []byte(ev.Type),
		Value:   ev,
		Headers: map[string]string{"trace_id": ev.ID, "event_type": string(ev.Type)},
	}})
}

// PublishBars keys bars by symbol.
func (p *KafkaPublisher) PublishBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(bars))
	for i, b := range bars {
		msgs[i] = pkgkafka.Message{Key: []byte(b.Symbol), Value: b}
	}
	return p.producer.PublishBatch(ctx, p.barsTopic, msgs)
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// LogPublisher records alert-worthy events in the alert log only; used when
// Kafka is off.
type LogPublisher struct {
	alerts repository.AlertRepository
}

func NewLogPublisher(alerts repository.AlertRepository) *LogPublisher {
	return &LogPublisher{alerts: alerts}
}

func (p *LogPublisher) Publish(ctx context.Context, ev models.Event) error {
	stamp(&ev)
	if !alertWorthy(ev) {
		return nil
	}
	return p.alerts.AppendEvent(ctx, ev)
}

func (p *LogPublisher) PublishBars(context.Context, []models.Bar) error { return nil }

func (p *LogPublisher) Close() error { return nil }

// FanoutPublisher writes events to the alert log and then to the bus.
type FanoutPublisher struct {
	alerts repository.AlertRepository
	bus    repository.EventPublisher
}

func NewFanoutPublisher(alerts repository.AlertRepository, bus repository.EventPublisher) *FanoutPublisher {
	return &FanoutPublisher{alerts: alerts, bus: bus}
}

func (p *FanoutPublisher) Publish(ctx context.Context, ev models.Event) error {
	stamp(&ev)
	if alertWorthy(ev) {
		if err := p.alerts.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	return p.bus.Publish(ctx, ev)
}

func (p *FanoutPublisher) PublishBars(ctx context.Context, bars []models.Bar) error {
	return p.bus.PublishBars(ctx, bars)
}

func (p *FanoutPublisher) Close() error { return p.bus.Close() }

// alertWorthy keeps progress chatter out of the alert log.
func alertWorthy(ev models.Event) bool {
	if ev.Severity >= models.SeverityWarning {
		return true
	}
	switch ev.Type {
	case models.EventPipelineDone, models.EventCalibration, models.EventTRSStatus, models.EventEmergencyClear:
		return true
	}
	return false
}

func stamp(ev *models.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
}
