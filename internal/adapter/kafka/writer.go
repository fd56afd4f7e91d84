package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/seismoi-feed/internal/config"
	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

// Publisher produces entity lifecycle events to a Kafka topic.
// It implements geolocation.Listener.
type Publisher struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPublisher creates an asynchronous Kafka producer for the configured
// topic. Delivery failures are logged and counted, never returned to the
// entity platform.
func NewPublisher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	p := &Publisher{logger: logger, metrics: metrics}
	p.writer = &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		Async:                  true,
		BatchTimeout:           100 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Completion:             p.completion,
	}
	return p
}

// HandleEntityEvent enqueues one entity event for publication.
func (p *Publisher) HandleEntityEvent(ctx context.Context, ev domain.EntityEvent) {
	msg, err := serializeToMessage(ev)
	if err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Error("entity event not published", "unique_id", ev.Entity.UniqueID, "error", err)
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Warn("entity event not enqueued", "unique_id", ev.Entity.UniqueID, "error", err)
	}
}

// Close flushes pending messages and closes the producer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) completion(messages []kafkago.Message, err error) {
	if err == nil {
		return
	}
	p.metrics.PublishErrors.Add(float64(len(messages)))
	p.logger.Warn("kafka delivery failed", "messages", len(messages), "error", err)
}

// serializeToMessage marshals an EntityEvent into a Kafka message keyed by the
// entity unique id, so every event for one entity lands on one partition.
func serializeToMessage(ev domain.EntityEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize entity event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.Entity.UniqueID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
			{Key: "installation_id", Value: []byte(ev.Entity.InstallationID)},
			{Key: "occurred_at", Value: []byte(ev.OccurredAt.Format(time.RFC3339))},
		},
	}, nil
}
