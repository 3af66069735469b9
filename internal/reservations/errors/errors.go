package errors

import "errors"

var (
	ErrTrainNotFound = errors.New("train not found")

	ErrSeatNotFound = errors.New("seat not found")

	ErrSeatUnavailable = errors.New("seat is not free")

	ErrHeldByOther = errors.New("seat is held by another user")

	ErrHoldExpired = errors.New("seat hold has expired")

	ErrBookingNotFound = errors.New("booking not found")

	ErrAlreadyWaitlisted = errors.New("user is already waitlisted for this train")

	ErrSeatsAvailable = errors.New("train still has free seats")

	ErrWaitlistEmpty = errors.New("waitlist is empty")

	ErrPaymentNotCaptured = errors.New("payment not captured")
)
