package model

import "time"

type Booking struct {
	ID         string    `json:"id" bson:"_id" validate:"required,uuid4"`
	UserID     string    `json:"user_id" bson:"user_id" validate:"required,min=1,max=100"`
	TrainID    string    `json:"train_id" bson:"train_id" validate:"required,min=2,max=50"`
	SeatNumber string    `json:"seat_number" bson:"seat_number" validate:"required,seat_number"`
	BookedAt   time.Time `json:"booked_at" bson:"booked_at" validate:"required"`
}
