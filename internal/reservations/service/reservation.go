package service

import (
	"context"
	"errors"
	"sync"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/internal/reservations/events"
	"railbook/internal/reservations/expiry"
	"railbook/internal/reservations/payment"
	"railbook/internal/reservations/registry"
	"railbook/internal/reservations/repository"
	"railbook/internal/reservations/validator"
	"railbook/internal/reservations/waitlist"
	"railbook/pkg/config"
	apperrors "railbook/pkg/errors"
	"railbook/pkg/model"
	"railbook/pkg/sanitizer"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
)

type CreateOrderRequest struct {
	TrainID    string `json:"train_id" validate:"required,min=2,max=50"`
	SeatNumber string `json:"seat_number" validate:"required,seat_number"`
	UserID     string `json:"user_id" validate:"required,min=1,max=100"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

// OrderResult binds the provider order to the hold that secures the seat for
// the payment window.
type OrderResult struct {
	Order *payment.Order `json:"order"`
	Seat  model.Seat     `json:"seat"`
}

type BookRequest struct {
	TrainID    string `json:"train_id" validate:"required,min=2,max=50"`
	SeatNumber string `json:"seat_number" validate:"required,seat_number"`
	UserID     string `json:"user_id" validate:"required,min=1,max=100"`
	PaymentID  string `json:"payment_id" validate:"required,min=1,max=100"`
}

type ReservationService interface {
	SearchTrains(ctx context.Context, source, destination string, limit int, offset int64) ([]*model.Train, int64, error)
	GetSeatMap(ctx context.Context, trainID string) ([]model.Seat, error)
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResult, error)
	Book(ctx context.Context, req *BookRequest) (*model.Booking, error)
	Cancel(ctx context.Context, userID, bookingID string) error
	JoinWaitlist(ctx context.Context, trainID, userID string) (*model.WaitlistEntry, error)
	ListBookings(ctx context.Context, userID string, limit int, offset int64) ([]*model.Booking, int64, error)
}

type reservationService struct {
	registry  *registry.Registry
	queue     *waitlist.Queue
	scheduler *expiry.Scheduler
	trains    repository.TrainRepository
	bookings  repository.BookingRepository
	gate      payment.Gate
	publisher events.Publisher
	validator *validator.ReservationValidator
	cfg       *config.Config
}

func NewReservationService(
	reg *registry.Registry,
	queue *waitlist.Queue,
	scheduler *expiry.Scheduler,
	trains repository.TrainRepository,
	bookings repository.BookingRepository,
	gate payment.Gate,
	publisher events.Publisher,
	v *validator.ReservationValidator,
	cfg *config.Config,
) ReservationService {
	s := &reservationService{
		registry:  reg,
		queue:     queue,
		scheduler: scheduler,
		trains:    trains,
		bookings:  bookings,
		gate:      gate,
		publisher: publisher,
		validator: v,
		cfg:       cfg,
	}
	scheduler.SetHandler(s.handleExpiry)
	return s
}

func (s *reservationService) SearchTrains(ctx context.Context, source, destination string, limit int, offset int64) ([]*model.Train, int64, error) {
	source = sanitizer.SanitizeStation(source)
	destination = sanitizer.SanitizeStation(destination)
	limit = config.NormalizePaginationLimit(limit)
	offset = config.NormalizeOffset(offset)

	var count int64
	var trains []*model.Train
	var errCount, errFind error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		count, errCount = s.trains.CountBySearch(ctx, source, destination)
		if errCount != nil {
			s.cfg.Log.Error("Failed to count trains", "error", errCount)
			errCount = apperrors.Internal("Failed to count trains", errCount)
		}
	}()

	go func() {
		defer wg.Done()
		trains, errFind = s.trains.Search(ctx, source, destination, limit, offset)
		if errFind != nil {
			s.cfg.Log.Error("Failed to search trains", "error", errFind)
			errFind = apperrors.Internal("Failed to search trains", errFind)
		}
	}()

	wg.Wait()
	if errCount != nil {
		return nil, 0, errCount
	}
	if errFind != nil {
		return nil, 0, errFind
	}

	return trains, count, nil
}

func (s *reservationService) GetSeatMap(ctx context.Context, trainID string) ([]model.Seat, error) {
	if trainID == "" {
		return nil, apperrors.InvalidInput("Train ID cannot be empty")
	}

	seats, err := s.registry.SeatMap(ctx, trainID)
	if err != nil {
		if errors.Is(err, reservationserrors.ErrTrainNotFound) {
			return nil, apperrors.NotFoundWithID("Train", trainID)
		}
		return nil, apperrors.Internal("Failed to load seat map", err)
	}

	return seats, nil
}

// CreateOrder places the hold first, then opens the provider order. The hold
// is what keeps two concurrent payers from both capturing payment for one
// seat: the second request fails fast with SeatUnavailable instead of
// discovering the conflict at booking time.
func (s *reservationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	seat, err := s.registry.TryPlaceHold(ctx, req.TrainID, req.SeatNumber, req.UserID, s.cfg.HoldTTL)
	if err != nil {
		return nil, s.mapSeatError(err, req.TrainID, req.SeatNumber)
	}
	s.scheduler.Schedule(req.TrainID, req.SeatNumber, *seat.ExpiresAt)

	order, err := s.gate.CreateOrder(ctx, req.Amount)
	if err != nil {
		s.cfg.Log.Error("Payment order creation failed, releasing hold",
			"train_id", req.TrainID,
			"seat_number", req.SeatNumber,
			"user_id", req.UserID,
			"error", err,
		)
		s.scheduler.Cancel(req.TrainID, req.SeatNumber)
		if _, _, releaseErr := s.registry.Release(ctx, req.TrainID, req.SeatNumber); releaseErr != nil {
			s.cfg.Log.Error("Invariant violation: failed to release hold after order failure",
				"train_id", req.TrainID,
				"seat_number", req.SeatNumber,
				"error", releaseErr,
			)
		}
		return nil, apperrors.Internal("Failed to create payment order", err)
	}

	s.fanOut(events.TypeSeatHeld, req.TrainID, seat, req.UserID)

	s.cfg.Log.Info("Order created with seat hold",
		"train_id", req.TrainID,
		"seat_number", req.SeatNumber,
		"user_id", req.UserID,
		"order_id", order.ID,
		"expires_at", seat.ExpiresAt,
	)
	return &OrderResult{Order: order, Seat: seat}, nil
}

// Book finalizes a seat for the payer. The payment must already be captured;
// the seat may be FREE (first-come booking) or HELD by the same user from an
// earlier CreateOrder.
func (s *reservationService) Book(ctx context.Context, req *BookRequest) (*model.Booking, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	captured, err := s.gate.IsCaptured(ctx, req.PaymentID)
	if err != nil {
		return nil, apperrors.Internal("Failed to verify payment", err)
	}
	if !captured {
		s.cfg.Log.Warn("Booking rejected, payment not captured",
			"train_id", req.TrainID,
			"seat_number", req.SeatNumber,
			"payment_id", req.PaymentID,
		)
		return nil, apperrors.PaymentNotCaptured(req.PaymentID)
	}

	seat, err := s.registry.TryBook(ctx, req.TrainID, req.SeatNumber, req.UserID)
	if err != nil {
		return nil, s.mapSeatError(err, req.TrainID, req.SeatNumber)
	}
	s.scheduler.Cancel(req.TrainID, req.SeatNumber)

	booking := &model.Booking{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		TrainID:    req.TrainID,
		SeatNumber: req.SeatNumber,
	}
	if err := s.bookings.Create(ctx, booking); err != nil {
		s.cfg.Log.Error("Booking record creation failed, reverting seat",
			"train_id", req.TrainID,
			"seat_number", req.SeatNumber,
			"user_id", req.UserID,
			"error", err,
		)
		_, freed, releaseErr := s.registry.Release(ctx, req.TrainID, req.SeatNumber)
		if releaseErr != nil {
			s.cfg.Log.Error("Invariant violation: failed to revert seat after booking failure",
				"train_id", req.TrainID,
				"seat_number", req.SeatNumber,
				"error", releaseErr,
			)
		} else if freed {
			s.fanOut(events.TypeSeatFreed, req.TrainID, model.Seat{SeatNumber: req.SeatNumber, State: model.SeatFree}, "")
			s.promote(ctx, req.TrainID, req.SeatNumber)
		}
		return nil, apperrors.Internal("Failed to create booking", err)
	}

	s.fanOut(events.TypeSeatBooked, req.TrainID, seat, req.UserID)

	s.cfg.Log.Info("Seat booked",
		"booking_id", booking.ID,
		"train_id", req.TrainID,
		"seat_number", req.SeatNumber,
		"user_id", req.UserID,
	)
	return booking, nil
}

// Cancel removes the caller's booking, frees the seat and promotes the
// longest-waiting user if the waitlist is non-empty. A second cancel of the
// same booking fails with NotFound.
func (s *reservationService) Cancel(ctx context.Context, userID, bookingID string) error {
	if userID == "" {
		return apperrors.InvalidInput("User ID cannot be empty")
	}
	if bookingID == "" {
		return apperrors.InvalidInput("Booking ID cannot be empty")
	}

	var booking *model.Booking
	err := s.bookings.ExecuteTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		found, err := s.bookings.FindByID(sessCtx, bookingID)
		if err != nil {
			if errors.Is(err, reservationserrors.ErrBookingNotFound) {
				return apperrors.NotFoundWithID("Booking", bookingID)
			}
			return apperrors.Internal("Failed to load booking", err)
		}

		// Bookings owned by someone else are indistinguishable from missing ones.
		if found.UserID != userID {
			return apperrors.NotFoundWithID("Booking", bookingID)
		}

		if err := s.bookings.Delete(sessCtx, bookingID); err != nil {
			if errors.Is(err, reservationserrors.ErrBookingNotFound) {
				return apperrors.NotFoundWithID("Booking", bookingID)
			}
			return apperrors.Internal("Failed to delete booking", err)
		}

		booking = found
		return nil
	})
	if err != nil {
		return err
	}

	_, freed, err := s.registry.Release(ctx, booking.TrainID, booking.SeatNumber)
	if err != nil {
		s.cfg.Log.Error("Invariant violation: booking deleted but seat release failed",
			"booking_id", bookingID,
			"train_id", booking.TrainID,
			"seat_number", booking.SeatNumber,
			"error", err,
		)
		return apperrors.InvariantViolation("Booking cancelled but seat release failed", err)
	}

	s.cfg.Log.Info("Booking cancelled",
		"booking_id", bookingID,
		"train_id", booking.TrainID,
		"seat_number", booking.SeatNumber,
		"user_id", userID,
	)

	if freed {
		s.fanOut(events.TypeSeatFreed, booking.TrainID, model.Seat{SeatNumber: booking.SeatNumber, State: model.SeatFree}, "")
		s.promote(ctx, booking.TrainID, booking.SeatNumber)
	}

	return nil
}

func (s *reservationService) JoinWaitlist(ctx context.Context, trainID, userID string) (*model.WaitlistEntry, error) {
	if trainID == "" {
		return nil, apperrors.InvalidInput("Train ID cannot be empty")
	}
	if userID == "" {
		return nil, apperrors.InvalidInput("User ID cannot be empty")
	}

	entry, err := s.queue.Join(ctx, trainID, userID)
	if err != nil {
		switch {
		case errors.Is(err, reservationserrors.ErrSeatsAvailable):
			return nil, apperrors.SeatsAvailable(trainID)
		case errors.Is(err, reservationserrors.ErrAlreadyWaitlisted):
			return nil, apperrors.AlreadyWaitlisted(trainID)
		case errors.Is(err, reservationserrors.ErrTrainNotFound):
			return nil, apperrors.NotFoundWithID("Train", trainID)
		}
		return nil, apperrors.Internal("Failed to join waitlist", err)
	}

	return entry, nil
}

func (s *reservationService) ListBookings(ctx context.Context, userID string, limit int, offset int64) ([]*model.Booking, int64, error) {
	if userID == "" {
		return nil, 0, apperrors.InvalidInput("User ID cannot be empty")
	}
	limit = config.NormalizePaginationLimit(limit)
	offset = config.NormalizeOffset(offset)

	var count int64
	var bookings []*model.Booking
	var errCount, errFind error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		count, errCount = s.bookings.CountByUser(ctx, userID)
		if errCount != nil {
			s.cfg.Log.Error("Failed to count bookings", "user_id", userID, "error", errCount)
			errCount = apperrors.Internal("Failed to count bookings", errCount)
		}
	}()

	go func() {
		defer wg.Done()
		bookings, errFind = s.bookings.FindByUser(ctx, userID, limit, offset)
		if errFind != nil {
			s.cfg.Log.Error("Failed to list bookings", "user_id", userID, "error", errFind)
			errFind = apperrors.Internal("Failed to retrieve bookings", errFind)
		}
	}()

	wg.Wait()
	if errCount != nil {
		return nil, 0, errCount
	}
	if errFind != nil {
		return nil, 0, errFind
	}

	return bookings, count, nil
}

// --- Helpers ---

// handleExpiry is the scheduler's fire action. ReleaseIfExpired resolves the
// book-vs-expire race: a seat meanwhile booked or re-held is left untouched.
func (s *reservationService) handleExpiry(trainID, seatNumber string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	_, freed, err := s.registry.ReleaseIfExpired(ctx, trainID, seatNumber, time.Now())
	if err != nil {
		s.cfg.Log.Error("Failed to release expired hold",
			"train_id", trainID,
			"seat_number", seatNumber,
			"error", err,
		)
		return
	}
	if !freed {
		return
	}

	s.cfg.Log.Info("Hold expired, seat released",
		"train_id", trainID,
		"seat_number", seatNumber,
	)
	s.fanOut(events.TypeSeatFreed, trainID, model.Seat{SeatNumber: seatNumber, State: model.SeatFree}, "")
	s.promote(ctx, trainID, seatNumber)
}

// promote cycles a freshly-freed seat to the next waitlist entrant. The
// release that triggered it has already committed, so a promotion failure is
// not propagated to the caller: the popped entry is dropped and the condition
// is recorded as an invariant violation.
func (s *reservationService) promote(ctx context.Context, trainID, seatNumber string) {
	entry, seat, err := s.queue.PromoteNext(ctx, trainID, seatNumber, s.cfg.HoldTTL)
	if err != nil {
		droppedUser := ""
		if entry != nil {
			droppedUser = entry.UserID
		}
		s.cfg.Log.Error("Invariant violation: waitlist promotion failed, entry dropped",
			"train_id", trainID,
			"seat_number", seatNumber,
			"user_id", droppedUser,
			"error", err,
		)
		return
	}
	if entry == nil {
		return
	}

	s.scheduler.Schedule(trainID, seatNumber, *seat.ExpiresAt)
	s.fanOut(events.TypeSeatHeld, trainID, seat, entry.UserID)
}

// fanOut publishes one committed transition to the train channel and, when a
// user is involved, to that user's channel. Delivery is best-effort; the
// publisher logs failures. A detached context keeps publishing alive after
// the request that triggered it completes.
func (s *reservationService) fanOut(eventType, trainID string, seat model.Seat, userID string) {
	event := events.Event{
		Type:       eventType,
		TrainID:    trainID,
		SeatNumber: seat.SeatNumber,
		Holder:     seat.Holder,
		Owner:      seat.Owner,
		ExpiresAt:  seat.ExpiresAt,
		OccurredAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	_ = s.publisher.Publish(ctx, events.TrainChannel(trainID), event)
	if userID != "" {
		_ = s.publisher.Publish(ctx, events.UserChannel(userID), event)
	}
}

func (s *reservationService) validate(req any) error {
	if err := s.validator.Validate(req); err != nil {
		s.cfg.Log.Warn("Reservation request validation failed", "error", err)
		return apperrors.Validation("Invalid reservation request", map[string]any{"error": err.Error()})
	}
	return nil
}

func (s *reservationService) mapSeatError(err error, trainID, seatNumber string) error {
	switch {
	case errors.Is(err, reservationserrors.ErrTrainNotFound):
		return apperrors.NotFoundWithID("Train", trainID)
	case errors.Is(err, reservationserrors.ErrSeatNotFound):
		return apperrors.NotFoundWithID("Seat", seatNumber)
	case errors.Is(err, reservationserrors.ErrSeatUnavailable),
		errors.Is(err, reservationserrors.ErrHeldByOther):
		return apperrors.SeatUnavailable(trainID, seatNumber)
	case errors.Is(err, reservationserrors.ErrHoldExpired):
		return apperrors.HoldExpired(trainID, seatNumber)
	}
	return apperrors.Internal("Seat operation failed", err)
}
