package events

import (
	"context"
	"time"
)

// Event types emitted after a committed seat transition.
const (
	TypeSeatBooked = "seat_booked"
	TypeSeatFreed  = "seat_freed"
	TypeSeatHeld   = "seat_held"
)

// Event is one seat state change. Holder/ExpiresAt are set for seat_held,
// Owner for seat_booked; seat_freed carries only the coordinates.
type Event struct {
	Type       string     `json:"type"`
	TrainID    string     `json:"train_id"`
	SeatNumber string     `json:"seat_number"`
	Holder     string     `json:"holder,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// TrainChannel is the fan-out channel observed by clients watching a train's
// seat map.
func TrainChannel(trainID string) string {
	return "train:" + trainID
}

// UserChannel is the fan-out channel for one user's own notifications
// (promotion holds, bookings).
func UserChannel(userID string) string {
	return "user:" + userID
}

// Publisher delivers events at-most-once, best-effort. Publish is called
// only after the corresponding state transition is durably committed, never
// while a seat lock is held; a delivery failure never rolls the transition
// back.
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, channel string, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, channel string, event Event) error {
	return f(ctx, channel, event)
}
