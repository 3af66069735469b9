package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WaitlistEntry is one user waiting for a fully-booked train. Entries are
// consumed strictly oldest-first; the ObjectID breaks joined_at ties by
// insertion order.
type WaitlistEntry struct {
	ID       primitive.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	UserID   string             `json:"user_id" bson:"user_id" validate:"required,min=1,max=100"`
	TrainID  string             `json:"train_id" bson:"train_id" validate:"required,min=2,max=50"`
	JoinedAt time.Time          `json:"joined_at" bson:"joined_at" validate:"required"`
}
