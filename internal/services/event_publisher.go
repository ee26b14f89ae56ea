package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// EventPublisher announces booking lifecycle changes to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event models.BookingEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher writes booking events to a Kafka topic keyed by booking id
type KafkaEventPublisher struct {
	writer messageWriter
	logger *logrus.Logger
}

// NewKafkaEventPublisher creates a publisher for topic on brokers
func NewKafkaEventPublisher(brokers []string, topic string, logger *logrus.Logger) *KafkaEventPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		MaxAttempts:            3,
	}
	return &KafkaEventPublisher{writer: writer, logger: logger}
}

// Publish implements EventPublisher
func (p *KafkaEventPublisher) Publish(ctx context.Context, event models.BookingEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal booking event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.BookingID.String()),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish booking event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type": event.Type,
		"booking_id": event.BookingID,
	}).Debug("Booking event published")
	return nil
}

// Close flushes pending writes
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

// NoopEventPublisher drops events; used when no brokers are configured
type NoopEventPublisher struct{}

func (NoopEventPublisher) Publish(context.Context, models.BookingEvent) error { return nil }
func (NoopEventPublisher) Close() error                                       { return nil }
