package services

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/amirphl/Mizuchi/config"
	"github.com/segmentio/kafka-go"
)

// DomainEvent is the envelope relayed from the outbox to the event bus
type DomainEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uint            `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

// EventPublisher delivers domain events downstream
type EventPublisher interface {
	Publish(ctx context.Context, events []DomainEvent) error
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher returns a kafka writer when events are enabled, a log sink otherwise
func NewEventPublisher(cfg config.EventsConfig, logger *log.Logger) EventPublisher {
	if !cfg.Enabled {
		return &logPublisher{logger: logger}
	}
	return &kafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *kafkaPublisher) Publish(ctx context.Context, events []DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		// keyed by aggregate so one order's events stay in one partition
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.AggregateType + ":" + strconv.FormatUint(uint64(e.AggregateID), 10)),
			Value: b,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *kafkaPublisher) Close() error { return p.writer.Close() }

type logPublisher struct {
	logger *log.Logger
}

func (p *logPublisher) Publish(ctx context.Context, events []DomainEvent) error {
	for _, e := range events {
		p.printf("event %s %s/%d", e.Type, e.AggregateType, e.AggregateID)
	}
	return nil
}

func (p *logPublisher) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (p *logPublisher) Close() error { return nil }
