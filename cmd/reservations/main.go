package main

import (
	"railbook/internal/reservations/events"
	"railbook/internal/reservations/expiry"
	"railbook/internal/reservations/handler"
	"railbook/internal/reservations/payment"
	"railbook/internal/reservations/registry"
	"railbook/internal/reservations/repository"
	"railbook/internal/reservations/service"
	"railbook/internal/reservations/validator"
	"railbook/internal/reservations/waitlist"
	"railbook/pkg/app"
	"railbook/pkg/config"
	"railbook/pkg/kafka"
	kafka_config "railbook/pkg/kafka/config"
	kafka_middleware "railbook/pkg/kafka/middleware"
)

const ServiceName = "reservations"

func main() {
	cfg := config.Load(ServiceName)
	cfg.Log.Info("Starting Reservations service")
	cfg.SetMongo()

	producer := initProducer(cfg)
	scheduler := expiry.NewScheduler(cfg.Log)
	reservationService := initServices(cfg, producer, scheduler)

	serverApp := app.NewApplication(cfg)
	serverApp.SetApp(
		handler.NewReservationHandler(reservationService, cfg.Log),
		handler.NewHealthHandler(cfg.Client.Mongo, cfg.Log),
	)
	serverApp.OnShutdown(func() {
		scheduler.Stop()
		if err := producer.Close(); err != nil {
			cfg.Log.Error("Failed to close Kafka producer", "error", err)
		}
		cfg.GracefulShutdown()
	})
	serverApp.Run()
}

func initProducer(cfg *config.Config) *kafka.Producer {
	kafkaCfg := kafka_config.Load()
	producer, err := kafka.NewProducer(kafkaCfg, cfg.SeatEventsTopic, cfg.SeatEventsTopic+".dlq")
	if err != nil {
		cfg.Log.Fatal("Failed to create Kafka producer", "error", err)
	}
	producer.Use(kafka_middleware.LoggingProducerMiddleware(cfg.Log))
	return producer
}

func initServices(cfg *config.Config, producer *kafka.Producer, scheduler *expiry.Scheduler) service.ReservationService {
	reservationValidator := validator.NewReservationValidator(cfg.Log)

	trainRepo := repository.NewMongoTrainRepository(cfg)
	bookingRepo := repository.NewMongoBookingRepository(cfg)
	waitlistRepo := repository.NewMongoWaitlistRepository(cfg)

	seatRegistry := registry.New(trainRepo, cfg)
	queue := waitlist.NewQueue(waitlistRepo, seatRegistry, cfg)
	gate := payment.NewHTTPGate(cfg.PaymentBaseURL, "INR", cfg.Log)
	publisher := events.NewKafkaPublisher(producer, ServiceName, cfg.Log)

	reservationService := service.NewReservationService(
		seatRegistry,
		queue,
		scheduler,
		trainRepo,
		bookingRepo,
		gate,
		publisher,
		reservationValidator,
		cfg,
	)

	cfg.Log.Info("Reservation service initialized", "database", cfg.MongoDatabaseName)
	return reservationService
}
