package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"queue-callback/internal/config"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100
)

// Lifecycle event types mirrored onto the event stream.
const (
	TypeRequested  = "callback.requested"
	TypeDispatched = "callback.dispatched"
	TypeCancelled  = "callback.cancelled"
	TypeCompleted  = "callback.completed"
	TypeFailed     = "callback.failed"
)

type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	RequestID int64     `json:"requestId"`
	QueueID   string    `json:"queueId"`
	At        time.Time `json:"at"`
}

// Publisher mirrors request lifecycle changes onto an event stream for
// downstream consumers (wallboards, reporting). The core loop never
// depends on publishing succeeding.
type Publisher interface {
	Publish(ctx context.Context, eventType string, requestID int64, queueID string)
	Close() error
}

// NewPublisher returns a Kafka-backed publisher when a broker is
// configured and a no-op one otherwise.
func NewPublisher(cfg config.Kafka, logger *slog.Logger) Publisher {
	if cfg.Broker.URL == "" || cfg.Topic.LifecycleEvents == "" {
		return noopPublisher{}
	}
	return &KafkaPublisher{
		writer: newWriter(cfg),
		logger: logger,
	}
}

func newWriter(cfg config.Kafka) *kafka.Writer {
	batchSize := config.GetEnvInt("KAFKA_WRITER_BATCH_SIZE", cfg.Writer.BatchSize)
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := config.GetEnvInt("KAFKA_WRITER_BATCH_TIMEOUT", cfg.Writer.BatchTimeoutMs)
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Broker.URL),
		Topic:                  cfg.Topic.LifecycleEvents,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, requestID int64, queueID string) {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		RequestID: requestID,
		QueueID:   queueID,
		At:        time.Now(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling lifecycle event", "error", err)
		return
	}

	// Keyed by queue id so per-queue ordering is preserved.
	msg := kafka.Message{
		Key:   []byte(queueID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing lifecycle event",
			"type", eventType, "requestId", requestID, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, int64, string) {}
func (noopPublisher) Close() error                                   { return nil }
