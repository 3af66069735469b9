package events

import (
	"context"

	"railbook/pkg/kafka"
	"railbook/pkg/logger"
)

// KafkaPublisher fans events out through the seat-events topic. The channel
// name is the partition key, so every channel observes its own events in
// publish order.
type KafkaPublisher struct {
	producer *kafka.Producer
	source   string
	log      *logger.Logger
}

func NewKafkaPublisher(producer *kafka.Producer, source string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		source:   source,
		log:      log,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel string, event Event) error {
	msg := kafka.NewMessage().
		WithKey(channel).
		WithEventType(event.Type).
		WithSource(p.source).
		WithValue(event).
		Build()

	if err := p.producer.Publish(ctx, msg); err != nil {
		p.log.Error("Failed to publish seat event",
			"channel", channel,
			"event_type", event.Type,
			"train_id", event.TrainID,
			"seat_number", event.SeatNumber,
			"error", err,
		)
		return err
	}

	return nil
}
