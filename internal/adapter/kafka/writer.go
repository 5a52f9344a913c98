package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/storm-radar-service/internal/config"
	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// messageWriter is the subset of kafkago.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces scan events to a Kafka topic.
// It implements pipeline.EventPublisher.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured scan topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaScanTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, logger: logger}
}

// PublishScans serializes and publishes scan events in a single
// WriteMessages call. Events are keyed by station so that one station's
// scans stay ordered within a partition.
func (p *Publisher) PublishScans(ctx context.Context, events []domain.ScanEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d scan events: %w", len(msgs), err)
	}
	p.logger.Debug("scan events published", "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a ScanEvent into a Kafka message.
func serializeToMessage(event domain.ScanEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize scan event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.StationID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "station_id", Value: []byte(event.StationID)},
			{Key: "observed_at", Value: []byte(event.ObservedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
