package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"railbook/internal/reservations/events"
	"railbook/pkg/config"
	"railbook/pkg/kafka"
	kafka_config "railbook/pkg/kafka/config"
	kafka_middleware "railbook/pkg/kafka/middleware"
	"railbook/pkg/logger"
)

const (
	ServiceName     = "notifier"
	ConsumerGroupID = "railbook-notifier"
)

func main() {
	cfg := config.Load(ServiceName)
	cfg.Log.Info("Starting Notifier service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := kafka.NewConsumer(
		kafka_config.Load(),
		cfg.SeatEventsTopic,
		ConsumerGroupID,
		notifyHandler(cfg.Log),
	)
	if err != nil {
		cfg.Log.Fatal("Failed to create Kafka consumer", "error", err)
	}
	consumer.Use(kafka_middleware.LoggingConsumerMiddleware(cfg.Log))

	cfg.Log.Info("Notifier consuming seat events", "topic", cfg.SeatEventsTopic, "group_id", ConsumerGroupID)

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		cfg.Log.Error("Consumer stopped with error", "error", err)
	}

	if err := consumer.Close(); err != nil {
		cfg.Log.Error("Failed to close Kafka consumer", "error", err)
	}
	cfg.Log.Info("Notifier service stopped")
}

// notifyHandler delivers each seat event to the channel named in the
// message key. Delivery is a structured log line; a push transport
// (websocket, APNs) would subscribe on the same channel names.
func notifyHandler(log *logger.Logger) kafka.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var event events.Event
		if err := msg.DecodeValue(&event); err != nil {
			log.Error("Failed to decode seat event", "key", msg.Key, "error", err)
			return err
		}

		log.Info("Delivering seat event",
			"channel", msg.Key,
			"type", event.Type,
			"train_id", event.TrainID,
			"seat_number", event.SeatNumber,
		)
		return nil
	}
}
