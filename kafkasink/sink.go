// Package kafkasink delivers engine audit events to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/helioslabs/authgate"
)

// Sink is a Kafka-backed authgate.AuditSink. Emit is best effort: a failed
// write is counted and logged, never propagated, because the engine's
// dispatcher must not stall on the audit path.
type Sink struct {
	writer  *kafka.Writer
	logger  *zap.Logger
	dropped atomic.Uint64
}

// New wraps an existing writer. The caller keeps ownership of writer
// configuration; messages are keyed by tenant so one tenant's events stay
// ordered within a partition.
func New(writer *kafka.Writer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writer: writer, logger: logger}
}

// NewWithBrokers builds a writer for brokers/topic with hash partitioning.
func NewWithBrokers(brokers []string, topic string, logger *zap.Logger) *Sink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return New(writer, logger)
}

// Emit writes one event as a JSON message.
func (s *Sink) Emit(ctx context.Context, event authgate.AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Error("audit event marshal failed", zap.Error(err))
		return
	}

	key := event.TenantID
	if key == "" {
		key = event.AccountID
	}

	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	}); err != nil {
		s.dropped.Add(1)
		s.logger.Error("audit event publish failed",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

// Dropped returns the number of events lost to marshal or publish errors.
func (s *Sink) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
