// internal/pub/pub.go
package pub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"refill-service/config"
	"refill-service/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventReceiptFinalized = "refill.receipt.finalized"
	EventAnomalyDetected  = "refill.anomaly.detected"
)

// Publisher announces reconciliation outcomes to downstream consumers
// (settlement, reporting). Publishing never blocks a reconciliation.
type Publisher interface {
	PublishReceiptFinalized(ctx context.Context, sessionID string, r *domain.ReconciliationReceipt) error
	PublishAnomaly(ctx context.Context, a *domain.Anomaly) error
	Close() error
}

type RefillEvent struct {
	EventType string                        `json:"event_type"`
	SessionID string                        `json:"session_id,omitempty"`
	Reference string                        `json:"reference"`
	Receipt   *domain.ReconciliationReceipt `json:"receipt,omitempty"`
	Anomaly   *domain.Anomaly               `json:"anomaly,omitempty"`
	Timestamp time.Time                     `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) publish(ctx context.Context, ev *RefillEvent) error {
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Reference),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debug("refill event published",
		zap.String("event_type", ev.EventType),
		zap.String("reference", ev.Reference))
	return nil
}

func (p *KafkaPublisher) PublishReceiptFinalized(ctx context.Context, sessionID string, r *domain.ReconciliationReceipt) error {
	return p.publish(ctx, &RefillEvent{
		EventType: EventReceiptFinalized,
		SessionID: sessionID,
		Reference: r.Reference,
		Receipt:   r,
	})
}

func (p *KafkaPublisher) PublishAnomaly(ctx context.Context, a *domain.Anomaly) error {
	return p.publish(ctx, &RefillEvent{
		EventType: EventAnomalyDetected,
		SessionID: a.SessionID,
		Reference: a.Reference,
		Anomaly:   a,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher is used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishReceiptFinalized(context.Context, string, *domain.ReconciliationReceipt) error {
	return nil
}

func (NoopPublisher) PublishAnomaly(context.Context, *domain.Anomaly) error { return nil }

func (NoopPublisher) Close() error { return nil }
