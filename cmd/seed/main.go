package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/internal/reservations/repository"
	"railbook/internal/reservations/validator"
	"railbook/pkg/config"
	"railbook/pkg/model"
)

const JobName = "seed"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	cfg := config.Load(JobName)
	cfg.SetMongo()
	cfg.Log.Info("Starting seed job", "path", cfg.SeedDataPath)
	defer cfg.GracefulShutdown()

	trains, err := loadTrains(cfg.SeedDataPath)
	if err != nil {
		cfg.Log.Fatal("Failed to load seed data", "error", err)
	}

	trainValidator := validator.NewReservationValidator(cfg.Log)
	for _, train := range trains {
		if err := trainValidator.Validate(train); err != nil {
			cfg.Log.Fatal("Seed data failed validation", "train_id", train.ID, "error", err)
		}
	}

	repo := repository.NewMongoTrainRepository(cfg)
	inserted, skipped := 0, 0
	for _, train := range trains {
		_, err := repo.FindByID(ctx, train.ID)
		if err == nil {
			skipped++
			continue
		}
		if !errors.Is(err, reservationserrors.ErrTrainNotFound) {
			cfg.Log.Fatal("Failed to check existing train", "train_id", train.ID, "error", err)
		}

		if err := repo.Insert(ctx, train); err != nil {
			cfg.Log.Fatal("Failed to insert train", "train_id", train.ID, "error", err)
		}
		cfg.Log.Info("Seeded train", "train_id", train.ID, "seats", len(train.Seats))
		inserted++
	}

	fmt.Printf("Seed completed: %d inserted, %d already present.\n", inserted, skipped)
}

func loadTrains(path string) ([]*model.Train, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var trains []*model.Train
	if err := json.Unmarshal(data, &trains); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	if len(trains) == 0 {
		return nil, fmt.Errorf("seed file contains no trains")
	}

	return trains, nil
}
