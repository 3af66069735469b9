package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/pkg/config"
	"railbook/pkg/model"
)

// SeatStore is the narrow persistence contract the registry writes through.
// Satisfied by repository.TrainRepository.
type SeatStore interface {
	FindByID(ctx context.Context, trainID string) (*model.Train, error)
	UpdateSeat(ctx context.Context, trainID string, seat model.Seat) error
}

// seatRecord is one seat plus its own lock. All transitions for a seat are
// serialized on this mutex; seats never serialize on a train-wide lock.
type seatRecord struct {
	mu   sync.Mutex
	seat model.Seat
}

type trainSeats struct {
	order   []string
	records map[string]*seatRecord
}

// Registry is the sole mutator of seat state. Each operation is atomic with
// respect to a single seat: the in-memory transition and the store
// write-through commit together, and a failed store write leaves the seat
// unchanged.
type Registry struct {
	cfg   *config.Config
	store SeatStore

	mu     sync.RWMutex
	trains map[string]*trainSeats
}

func New(store SeatStore, cfg *config.Config) *Registry {
	return &Registry{
		cfg:    cfg,
		store:  store,
		trains: make(map[string]*trainSeats),
	}
}

// holdElapsed reports whether a HELD seat's TTL has passed at instant now.
// An elapsed hold no longer guards the seat, even when no live timer exists
// for it (a hold reloaded from the store after a restart, or one whose
// release failed).
func holdElapsed(seat model.Seat, now time.Time) bool {
	return seat.State == model.SeatHeld &&
		(seat.ExpiresAt == nil || !now.Before(*seat.ExpiresAt))
}

// TryPlaceHold transitions a seat to HELD for userID with the given TTL. The
// seat must be FREE or carry an elapsed hold; a BOOKED seat or an active hold
// (including userID's own) is rejected with ErrSeatUnavailable.
func (r *Registry) TryPlaceHold(ctx context.Context, trainID, seatNumber, userID string, ttl time.Duration) (model.Seat, error) {
	if userID == "" {
		return model.Seat{}, fmt.Errorf("holder must not be empty")
	}
	if ttl <= 0 {
		return model.Seat{}, fmt.Errorf("hold ttl must be positive, got %s", ttl)
	}

	rec, err := r.seatRecord(ctx, trainID, seatNumber)
	if err != nil {
		return model.Seat{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()
	if rec.seat.State != model.SeatFree && !holdElapsed(rec.seat, now) {
		return model.Seat{}, reservationserrors.ErrSeatUnavailable
	}

	expiresAt := now.Add(ttl)
	updated := rec.seat
	updated.State = model.SeatHeld
	updated.Holder = userID
	updated.Owner = ""
	updated.ExpiresAt = &expiresAt

	if err := r.persistSeat(ctx, trainID, updated); err != nil {
		return model.Seat{}, err
	}

	rec.seat = updated
	return updated, nil
}

// TryBook transitions a seat to BOOKED for userID. Allowed from FREE
// (first-come booking), from HELD when userID is the holder and the hold has
// not yet expired, or over another user's elapsed hold. The stale holder
// itself gets ErrHoldExpired. This is the only code path that creates BOOKED.
func (r *Registry) TryBook(ctx context.Context, trainID, seatNumber, userID string) (model.Seat, error) {
	if userID == "" {
		return model.Seat{}, fmt.Errorf("owner must not be empty")
	}

	rec, err := r.seatRecord(ctx, trainID, seatNumber)
	if err != nil {
		return model.Seat{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.seat.State {
	case model.SeatBooked:
		return model.Seat{}, reservationserrors.ErrSeatUnavailable
	case model.SeatHeld:
		elapsed := holdElapsed(rec.seat, time.Now())
		if rec.seat.Holder == userID {
			if elapsed {
				return model.Seat{}, reservationserrors.ErrHoldExpired
			}
		} else if !elapsed {
			return model.Seat{}, reservationserrors.ErrHeldByOther
		}
		// An elapsed hold by another user no longer guards the seat.
	}

	updated := rec.seat
	updated.State = model.SeatBooked
	updated.Owner = userID
	updated.Holder = ""
	updated.ExpiresAt = nil

	if err := r.persistSeat(ctx, trainID, updated); err != nil {
		return model.Seat{}, err
	}

	rec.seat = updated
	return updated, nil
}

// Release transitions a seat to FREE from any state. Releasing an already
// FREE seat is a no-op, not an error; the bool reports whether a transition
// actually happened.
func (r *Registry) Release(ctx context.Context, trainID, seatNumber string) (model.Seat, bool, error) {
	rec, err := r.seatRecord(ctx, trainID, seatNumber)
	if err != nil {
		return model.Seat{}, false, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.seat.State == model.SeatFree {
		return rec.seat, false, nil
	}

	return r.releaseLocked(ctx, trainID, rec)
}

// ReleaseIfExpired releases a seat only when it is still HELD and its TTL has
// elapsed at instant now. A seat meanwhile booked or re-held is left
// untouched, which makes a book-vs-expire race at the same tick resolve to
// exactly one outcome.
func (r *Registry) ReleaseIfExpired(ctx context.Context, trainID, seatNumber string, now time.Time) (model.Seat, bool, error) {
	rec, err := r.seatRecord(ctx, trainID, seatNumber)
	if err != nil {
		return model.Seat{}, false, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.seat.State != model.SeatHeld {
		return rec.seat, false, nil
	}
	if rec.seat.ExpiresAt != nil && now.Before(*rec.seat.ExpiresAt) {
		return rec.seat, false, nil
	}

	return r.releaseLocked(ctx, trainID, rec)
}

func (r *Registry) releaseLocked(ctx context.Context, trainID string, rec *seatRecord) (model.Seat, bool, error) {
	updated := rec.seat
	updated.State = model.SeatFree
	updated.Holder = ""
	updated.Owner = ""
	updated.ExpiresAt = nil

	if err := r.persistSeat(ctx, trainID, updated); err != nil {
		return model.Seat{}, false, err
	}

	rec.seat = updated
	return updated, true, nil
}

// SeatMap returns a snapshot of every seat in inventory order. Each seat is
// copied under its own lock; the snapshot as a whole is not a single atomic
// observation across seats.
func (r *Registry) SeatMap(ctx context.Context, trainID string) ([]model.Seat, error) {
	ts, err := r.trainSeats(ctx, trainID)
	if err != nil {
		return nil, err
	}

	seats := make([]model.Seat, 0, len(ts.order))
	for _, seatNumber := range ts.order {
		rec := ts.records[seatNumber]
		rec.mu.Lock()
		seats = append(seats, rec.seat)
		rec.mu.Unlock()
	}

	return seats, nil
}

// FreeSeatCount reports how many seats of the train are currently obtainable:
// FREE seats plus HELD seats whose TTL has elapsed.
func (r *Registry) FreeSeatCount(ctx context.Context, trainID string) (int, error) {
	ts, err := r.trainSeats(ctx, trainID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	free := 0
	for _, seatNumber := range ts.order {
		rec := ts.records[seatNumber]
		rec.mu.Lock()
		if rec.seat.State == model.SeatFree || holdElapsed(rec.seat, now) {
			free++
		}
		rec.mu.Unlock()
	}

	return free, nil
}

// persistSeat writes the seat through to the store with bounded retry on
// transient failures. ErrSeatNotFound is terminal.
func (r *Registry) persistSeat(ctx context.Context, trainID string, seat model.Seat) error {
	var err error
	for attempt := 0; attempt < r.cfg.StoreRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * r.cfg.StoreRetryBackoff)
		}

		err = r.store.UpdateSeat(ctx, trainID, seat)
		if err == nil {
			return nil
		}
		if errors.Is(err, reservationserrors.ErrSeatNotFound) {
			return err
		}

		r.cfg.Log.Warn("Seat store write failed, retrying",
			"train_id", trainID,
			"seat_number", seat.SeatNumber,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return fmt.Errorf("seat store write failed after %d attempts: %w", r.cfg.StoreRetryAttempts, err)
}

func (r *Registry) seatRecord(ctx context.Context, trainID, seatNumber string) (*seatRecord, error) {
	ts, err := r.trainSeats(ctx, trainID)
	if err != nil {
		return nil, err
	}

	rec, ok := ts.records[seatNumber]
	if !ok {
		return nil, reservationserrors.ErrSeatNotFound
	}
	return rec, nil
}

// trainSeats returns the cached seat arena for a train, loading it from the
// store on first use. Seats are created once at inventory load time and never
// destroyed; only their state transitions afterwards.
func (r *Registry) trainSeats(ctx context.Context, trainID string) (*trainSeats, error) {
	r.mu.RLock()
	ts, ok := r.trains[trainID]
	r.mu.RUnlock()
	if ok {
		return ts, nil
	}

	train, err := r.store.FindByID(ctx, trainID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have loaded the train while we were reading.
	if ts, ok := r.trains[trainID]; ok {
		return ts, nil
	}

	ts = &trainSeats{
		order:   make([]string, 0, len(train.Seats)),
		records: make(map[string]*seatRecord, len(train.Seats)),
	}
	for _, seat := range train.Seats {
		if seat.State == "" {
			seat.State = model.SeatFree
		}
		ts.order = append(ts.order, seat.SeatNumber)
		ts.records[seat.SeatNumber] = &seatRecord{seat: seat}
	}

	r.trains[trainID] = ts
	r.cfg.Log.Debug("Train seat arena loaded",
		"train_id", trainID,
		"seats", len(ts.order),
	)
	return ts, nil
}
