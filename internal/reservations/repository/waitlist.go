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
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	WaitlistCollectionName = "waitlist"
)

type WaitlistRepository interface {
	Insert(ctx context.Context, entry *model.WaitlistEntry) error
	PopOldest(ctx context.Context, trainID string) (*model.WaitlistEntry, error)
	Count(ctx context.Context, trainID string) (int64, error)
}

type mongoWaitlistRepository struct {
	cfg        *config.Config
	collection *mongo.Collection
}

func NewMongoWaitlistRepository(cfg *config.Config) WaitlistRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoWaitlistRepository{
		cfg:        cfg,
		collection: db.Collection(WaitlistCollectionName),
	}
}

// Insert relies on the unique (train_id, user_id) index to reject duplicate
// joins atomically.
func (r *mongoWaitlistRepository) Insert(ctx context.Context, entry *model.WaitlistEntry) error {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	entry.JoinedAt = time.Now().UTC().Truncate(time.Millisecond)
	result, err := r.collection.InsertOne(ctx, entry)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return reservationserrors.ErrAlreadyWaitlisted
		}
		return fmt.Errorf("failed to insert waitlist entry: %w", err)
	}

	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		entry.ID = oid
	}
	return nil
}

// PopOldest atomically removes and returns the longest-waiting entry for the
// train. Ordering is joined_at then _id, so same-millisecond joins still pop
// in insertion order.
func (r *mongoWaitlistRepository) PopOldest(ctx context.Context, trainID string) (*model.WaitlistEntry, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	opts := options.FindOneAndDelete().
		SetSort(bson.D{
			{Key: "joined_at", Value: 1},
			{Key: "_id", Value: 1},
		})

	var entry model.WaitlistEntry
	err := r.collection.FindOneAndDelete(ctx, bson.M{"train_id": trainID}, opts).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, reservationserrors.ErrWaitlistEmpty
		}
		return nil, fmt.Errorf("failed to pop waitlist entry: %w", err)
	}

	return &entry, nil
}

func (r *mongoWaitlistRepository) Count(ctx context.Context, trainID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	count, err := r.collection.CountDocuments(ctx, bson.M{"train_id": trainID})
	if err != nil {
		return 0, fmt.Errorf("failed to count waitlist entries: %w", err)
	}
	return count, nil
}
