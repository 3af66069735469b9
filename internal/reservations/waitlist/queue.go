package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/internal/reservations/repository"
	"railbook/pkg/config"
	"railbook/pkg/model"
)

// SeatBoard is what the queue needs from the seat registry: a free-seat
// count for the join guard and hold placement for promotion.
type SeatBoard interface {
	FreeSeatCount(ctx context.Context, trainID string) (int, error)
	TryPlaceHold(ctx context.Context, trainID, seatNumber, userID string, ttl time.Duration) (model.Seat, error)
}

// Queue drives per-train FIFO waitlisting. Join and PromoteNext for the same
// train are serialized on one mutex so ordering decisions never interleave;
// different trains proceed independently.
type Queue struct {
	cfg   *config.Config
	repo  repository.WaitlistRepository
	board SeatBoard

	mu     sync.Mutex
	trains map[string]*sync.Mutex
}

func NewQueue(repo repository.WaitlistRepository, board SeatBoard, cfg *config.Config) *Queue {
	return &Queue{
		cfg:    cfg,
		repo:   repo,
		board:  board,
		trains: make(map[string]*sync.Mutex),
	}
}

// Join enqueues userID for the train. Rejected with ErrSeatsAvailable while
// any seat is still FREE and with ErrAlreadyWaitlisted on a duplicate join.
func (q *Queue) Join(ctx context.Context, trainID, userID string) (*model.WaitlistEntry, error) {
	lock := q.trainLock(trainID)
	lock.Lock()
	defer lock.Unlock()

	free, err := q.board.FreeSeatCount(ctx, trainID)
	if err != nil {
		return nil, err
	}
	if free > 0 {
		return nil, reservationserrors.ErrSeatsAvailable
	}

	entry := &model.WaitlistEntry{
		UserID:  userID,
		TrainID: trainID,
	}
	if err := q.repo.Insert(ctx, entry); err != nil {
		return nil, err
	}

	q.cfg.Log.Info("User joined waitlist",
		"train_id", trainID,
		"user_id", userID,
		"joined_at", entry.JoinedAt,
	)
	return entry, nil
}

// PromoteNext pops the longest-waiting user and places a hold on the freed
// seat for them. Returns (nil, _, nil) when the waitlist is empty, leaving
// the seat FREE. A pop that cannot be converted into a hold is an invariant
// violation: the entry is not re-queued, the condition is logged and returned.
func (q *Queue) PromoteNext(ctx context.Context, trainID, seatNumber string, ttl time.Duration) (*model.WaitlistEntry, model.Seat, error) {
	lock := q.trainLock(trainID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := q.repo.PopOldest(ctx, trainID)
	if err != nil {
		if errors.Is(err, reservationserrors.ErrWaitlistEmpty) {
			return nil, model.Seat{}, nil
		}
		return nil, model.Seat{}, err
	}

	seat, err := q.board.TryPlaceHold(ctx, trainID, seatNumber, entry.UserID, ttl)
	if err != nil {
		q.cfg.Log.Error("Invariant violation: promotion hold failed on a seat that should be free",
			"train_id", trainID,
			"seat_number", seatNumber,
			"user_id", entry.UserID,
			"error", err,
		)
		return entry, model.Seat{}, fmt.Errorf("promotion hold failed for %s/%s: %w", trainID, seatNumber, err)
	}

	q.cfg.Log.Info("Waitlist promotion placed hold",
		"train_id", trainID,
		"seat_number", seatNumber,
		"user_id", entry.UserID,
		"expires_at", seat.ExpiresAt,
	)
	return entry, seat, nil
}

func (q *Queue) trainLock(trainID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()

	lock, ok := q.trains[trainID]
	if !ok {
		lock = &sync.Mutex{}
		q.trains[trainID] = lock
	}
	return lock
}
