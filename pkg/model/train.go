package model

import "time"

// SeatState is the lifecycle tag of a single seat.
type SeatState string

const (
	SeatFree   SeatState = "FREE"
	SeatHeld   SeatState = "HELD"
	SeatBooked SeatState = "BOOKED"
)

// Seat classes are a fixed enumeration matching the seeded inventory.
const (
	ClassAC      = "AC"
	ClassSleeper = "Sleeper"
)

// Seat is one numbered seat inside a train. Holder is set only while the
// seat is HELD, Owner only while it is BOOKED, ExpiresAt only while HELD.
type Seat struct {
	SeatNumber string     `json:"seat_number" bson:"seat_number" validate:"required,seat_number"`
	Class      string     `json:"class" bson:"class" validate:"required,oneof=AC Sleeper"`
	State      SeatState  `json:"state" bson:"state" validate:"required,oneof=FREE HELD BOOKED"`
	Holder     string     `json:"holder,omitempty" bson:"holder,omitempty"`
	Owner      string     `json:"owner,omitempty" bson:"owner,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

type Train struct {
	ID            string    `json:"id" bson:"_id" validate:"required,min=2,max=50"`
	Name          string    `json:"name" bson:"name" validate:"required,min=2,max=100"`
	Source        string    `json:"source" bson:"source" validate:"required,min=2,max=50"`
	Destination   string    `json:"destination" bson:"destination" validate:"required,min=2,max=50"`
	DepartureTime time.Time `json:"departure_time" bson:"departure_time" validate:"required"`
	Seats         []Seat    `json:"seats" bson:"seats" validate:"required,min=1,dive"`
}
