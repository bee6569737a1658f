package usecase

import (
	"context"
	"encoding/json"
	"time"

	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	pkgkafka "CryptoPull/pkg/kafka"
	"CryptoPull/pkg/metrics"
)

// KafkaBarsHandler applies bars published by other instances.
type KafkaBarsHandler struct {
	topic   string
	proc    *BarProcessor
	metrics domrepo.Metrics
}

func NewKafkaBarsHandler(topic string, proc *BarProcessor, m domrepo.Metrics) *KafkaBarsHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &KafkaBarsHandler{topic: topic, proc: proc, metrics: m}
}

func (h *KafkaBarsHandler) Topic() string { return h.topic }

// Handle accepts a JSON array of bars or a single bar object.
func (h *KafkaBarsHandler) Handle(ctx context.Context, b []byte) error {
	var bars []models.Bar
	if err := json.Unmarshal(b, &bars); err != nil {
		var one models.Bar
		if err2 := json.Unmarshal(b, &one); err2 != nil {
			h.metrics.RecordError("consumer_unmarshal")
			return err
		}
		bars = []models.Bar{one}
	}
	valid := bars[:0]
	for _, bar := range bars {
		if err := bar.Validate(); err != nil {
			h.metrics.RecordError("consumer_invalid")
			continue
		}
		valid = append(valid, bar)
	}
	if len(valid) == 0 {
		return nil
	}
	// E2E latency from bar close to now
	last := valid[len(valid)-1]
	h.metrics.RecordLatency("bars_e2e_seconds", time.Since(last.Timestamp.Add(h.proc.interval.Duration())).Seconds())

	start := time.Now()
	err := h.proc.Apply(ctx, valid)
	h.metrics.RecordLatency("bars_apply_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("consumer_store")
		return err
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaBarsHandler)(nil)
