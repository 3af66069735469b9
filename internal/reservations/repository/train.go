package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/pkg/config"
	"railbook/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	TrainCollectionName = "trains"
)

type TrainRepository interface {
	FindByID(ctx context.Context, trainID string) (*model.Train, error)
	Search(ctx context.Context, source, destination string, limit int, offset int64) ([]*model.Train, error)
	CountBySearch(ctx context.Context, source, destination string) (int64, error)
	UpdateSeat(ctx context.Context, trainID string, seat model.Seat) error
	Insert(ctx context.Context, train *model.Train) error
	Count(ctx context.Context) (int64, error)
}

type mongoTrainRepository struct {
	cfg        *config.Config
	collection *mongo.Collection
}

func NewMongoTrainRepository(cfg *config.Config) TrainRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoTrainRepository{
		cfg:        cfg,
		collection: db.Collection(TrainCollectionName),
	}
}

// withTimeout wraps the context with a timeout if not already in a transaction.
// SessionContext cannot be wrapped without breaking transaction semantics.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.(mongo.SessionContext); ok {
		return ctx, func() {}
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return context.WithTimeout(ctx, timeout)
	}

	remaining := time.Until(deadline)
	if remaining < timeout {
		return context.WithTimeout(ctx, remaining)
	}

	return context.WithTimeout(ctx, timeout)
}

func (r *mongoTrainRepository) FindByID(ctx context.Context, trainID string) (*model.Train, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var train model.Train
	err := r.collection.FindOne(ctx, bson.M{"_id": trainID}).Decode(&train)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, reservationserrors.ErrTrainNotFound
		}
		return nil, fmt.Errorf("failed to find train: %w", err)
	}

	return &train, nil
}

func (r *mongoTrainRepository) Search(ctx context.Context, source, destination string, limit int, offset int64) ([]*model.Train, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "departure_time", Value: 1}}).
		SetLimit(int64(limit)).
		SetSkip(offset)

	cursor, err := r.collection.Find(ctx, buildTrainSearchFilter(source, destination), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search trains: %w", err)
	}
	defer cursor.Close(ctx)

	var trains []*model.Train
	if err = cursor.All(ctx, &trains); err != nil {
		return nil, fmt.Errorf("failed to decode trains: %w", err)
	}

	return trains, nil
}

func (r *mongoTrainRepository) CountBySearch(ctx context.Context, source, destination string) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	count, err := r.collection.CountDocuments(ctx, buildTrainSearchFilter(source, destination))
	if err != nil {
		return 0, fmt.Errorf("failed to count trains: %w", err)
	}
	return count, nil
}

func buildTrainSearchFilter(source, destination string) bson.M {
	filter := bson.M{}
	if source != "" {
		filter["source"] = source
	}
	if destination != "" {
		filter["destination"] = destination
	}
	return filter
}

// UpdateSeat writes one seat's full state back with a positional update.
// Unset hold/owner fields are removed rather than written as empty strings.
func (r *mongoTrainRepository) UpdateSeat(ctx context.Context, trainID string, seat model.Seat) error {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	filter := bson.M{
		"_id":               trainID,
		"seats.seat_number": seat.SeatNumber,
	}

	set := bson.M{
		"seats.$.state": seat.State,
	}
	unset := bson.M{}

	if seat.Holder != "" {
		set["seats.$.holder"] = seat.Holder
	} else {
		unset["seats.$.holder"] = ""
	}
	if seat.Owner != "" {
		set["seats.$.owner"] = seat.Owner
	} else {
		unset["seats.$.owner"] = ""
	}
	if seat.ExpiresAt != nil {
		set["seats.$.expires_at"] = *seat.ExpiresAt
	} else {
		unset["seats.$.expires_at"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update seat: %w", err)
	}

	if result.MatchedCount == 0 {
		return reservationserrors.ErrSeatNotFound
	}

	return nil
}

func (r *mongoTrainRepository) Insert(ctx context.Context, train *model.Train) error {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	if _, err := r.collection.InsertOne(ctx, train); err != nil {
		return fmt.Errorf("failed to insert train: %w", err)
	}
	return nil
}

func (r *mongoTrainRepository) Count(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	count, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count trains: %w", err)
	}
	return count, nil
}
