package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/pkg/config"
	"railbook/pkg/logger"
	"railbook/pkg/model"
)

// ────────────────────────────────────────────────
// Mock seat store for testing
// ────────────────────────────────────────────────

type mockSeatStore struct {
	findByIDFunc   func(ctx context.Context, trainID string) (*model.Train, error)
	updateSeatFunc func(ctx context.Context, trainID string, seat model.Seat) error
}

func (m *mockSeatStore) FindByID(ctx context.Context, trainID string) (*model.Train, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, trainID)
	}
	return nil, reservationserrors.ErrTrainNotFound
}

func (m *mockSeatStore) UpdateSeat(ctx context.Context, trainID string, seat model.Seat) error {
	if m.updateSeatFunc != nil {
		return m.updateSeatFunc(ctx, trainID, seat)
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Log: logger.New(logger.Config{
			Level:     "error",
			Format:    logger.JSON,
			AddSource: false,
			Service:   "test",
		}),
		StoreRetryAttempts: 2,
		StoreRetryBackoff:  time.Millisecond,
	}
}

func twoSeatTrain(trainID string) *model.Train {
	return &model.Train{
		ID:          trainID,
		Name:        "Test Express",
		Source:      "alpha",
		Destination: "beta",
		Seats: []model.Seat{
			{SeatNumber: "A1", Class: model.ClassAC, State: model.SeatFree},
			{SeatNumber: "A2", Class: model.ClassSleeper, State: model.SeatFree},
		},
	}
}

func newTestRegistry(t *testing.T, store *mockSeatStore) *Registry {
	t.Helper()
	if store.findByIDFunc == nil {
		store.findByIDFunc = func(ctx context.Context, trainID string) (*model.Train, error) {
			return twoSeatTrain(trainID), nil
		}
	}
	return New(store, testConfig())
}

// ────────────────────────────────────────────────
// Concurrency: at most one winner per seat
// ────────────────────────────────────────────────

func TestTryPlaceHold_ConcurrentSingleWinner(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.TryPlaceHold(context.Background(), "T1", "A1", fmt.Sprintf("user-%d", i), time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, reservationserrors.ErrSeatUnavailable):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 successful hold, got %d", winners)
	}
	if losers != workers-1 {
		t.Fatalf("expected %d rejections, got %d", workers-1, losers)
	}
}

func TestTryBook_ConcurrentSingleWinner(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	owners := []string{}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			seat, err := reg.TryBook(context.Background(), "T1", "A1", user)
			if err != nil {
				return
			}
			mu.Lock()
			owners = append(owners, seat.Owner)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(owners) != 1 {
		t.Fatalf("expected exactly 1 successful booking, got %d (%v)", len(owners), owners)
	}

	seats, err := reg.SeatMap(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seats[0].State != model.SeatBooked || seats[0].Owner != owners[0] {
		t.Errorf("seat map does not reflect booking: %+v", seats[0])
	}
}

// ────────────────────────────────────────────────
// Transition guards
// ────────────────────────────────────────────────

func TestTryBook_FromOwnHold(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", time.Minute); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}

	seat, err := reg.TryBook(context.Background(), "T1", "A1", "u1")
	if err != nil {
		t.Fatalf("booking own held seat should succeed: %v", err)
	}
	if seat.State != model.SeatBooked || seat.Owner != "u1" {
		t.Errorf("unexpected seat after booking: %+v", seat)
	}
	if seat.Holder != "" || seat.ExpiresAt != nil {
		t.Errorf("hold fields should be cleared after booking: %+v", seat)
	}
}

func TestTryBook_HeldByOther(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", time.Minute); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}

	_, err := reg.TryBook(context.Background(), "T1", "A1", "u2")
	if !errors.Is(err, reservationserrors.ErrHeldByOther) {
		t.Fatalf("expected ErrHeldByOther, got %v", err)
	}
}

func TestTryBook_HoldExpired(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	_, err := reg.TryBook(context.Background(), "T1", "A1", "u1")
	if !errors.Is(err, reservationserrors.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired, got %v", err)
	}
}

func TestTryPlaceHold_DuplicateHoldRejected(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", time.Minute); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}

	// Same user re-holding is rejected too.
	_, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", time.Minute)
	if !errors.Is(err, reservationserrors.ErrSeatUnavailable) {
		t.Fatalf("expected ErrSeatUnavailable, got %v", err)
	}
}

func TestTryPlaceHold_UnknownSeat(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	_, err := reg.TryPlaceHold(context.Background(), "T1", "Z9", "u1", time.Minute)
	if !errors.Is(err, reservationserrors.ErrSeatNotFound) {
		t.Fatalf("expected ErrSeatNotFound, got %v", err)
	}
}

// ────────────────────────────────────────────────
// Release semantics
// ────────────────────────────────────────────────

func TestRelease_Idempotent(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryBook(context.Background(), "T1", "A1", "u1"); err != nil {
		t.Fatalf("unexpected booking error: %v", err)
	}

	seat, freed, err := reg.Release(context.Background(), "T1", "A1")
	if err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if !freed || seat.State != model.SeatFree {
		t.Fatalf("expected seat freed, got freed=%v seat=%+v", freed, seat)
	}

	_, freed, err = reg.Release(context.Background(), "T1", "A1")
	if err != nil {
		t.Fatalf("releasing a free seat must not error: %v", err)
	}
	if freed {
		t.Error("releasing a free seat must be a no-op")
	}
}

func TestReleaseIfExpired_RespectsActiveHold(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", time.Hour); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}

	_, freed, err := reg.ReleaseIfExpired(context.Background(), "T1", "A1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if freed {
		t.Error("hold with future expiry must not be released")
	}

	_, freed, err = reg.ReleaseIfExpired(context.Background(), "T1", "A1", time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !freed {
		t.Error("elapsed hold must be released")
	}
}

func TestReleaseIfExpired_IgnoresBookedSeat(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	if _, err := reg.TryBook(context.Background(), "T1", "A1", "u1"); err != nil {
		t.Fatalf("unexpected booking error: %v", err)
	}

	seat, freed, err := reg.ReleaseIfExpired(context.Background(), "T1", "A1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if freed {
		t.Error("booked seat must never be released by expiry")
	}
	if seat.State != model.SeatBooked {
		t.Errorf("seat state changed unexpectedly: %+v", seat)
	}
}

// ────────────────────────────────────────────────
// Elapsed holds with no live timer
// ────────────────────────────────────────────────

// staleHeldStore returns a store whose train carries a hold on A1 that
// elapsed an hour ago, as loaded after a process restart.
func staleHeldStore(holder string) *mockSeatStore {
	expiredAt := time.Now().Add(-time.Hour)
	return &mockSeatStore{
		findByIDFunc: func(ctx context.Context, trainID string) (*model.Train, error) {
			train := twoSeatTrain(trainID)
			train.Seats[0].State = model.SeatHeld
			train.Seats[0].Holder = holder
			train.Seats[0].ExpiresAt = &expiredAt
			return train, nil
		},
	}
}

func TestTryPlaceHold_ReclaimsElapsedHoldAfterReload(t *testing.T) {
	reg := New(staleHeldStore("u1"), testConfig())

	seat, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u2", time.Minute)
	if err != nil {
		t.Fatalf("elapsed hold must be reclaimable: %v", err)
	}
	if seat.State != model.SeatHeld || seat.Holder != "u2" {
		t.Errorf("unexpected seat after reclaiming: %+v", seat)
	}
	if seat.ExpiresAt == nil || !seat.ExpiresAt.After(time.Now()) {
		t.Errorf("reclaimed hold must carry a fresh expiry: %+v", seat)
	}
}

func TestTryBook_ElapsedForeignHoldIsBookable(t *testing.T) {
	reg := New(staleHeldStore("u1"), testConfig())

	// The stale holder is told its hold expired; everyone else sees the seat
	// as obtainable.
	if _, err := reg.TryBook(context.Background(), "T1", "A1", "u1"); !errors.Is(err, reservationserrors.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired for the stale holder, got %v", err)
	}

	seat, err := reg.TryBook(context.Background(), "T1", "A1", "u2")
	if err != nil {
		t.Fatalf("elapsed foreign hold must be bookable: %v", err)
	}
	if seat.State != model.SeatBooked || seat.Owner != "u2" {
		t.Errorf("unexpected seat after booking: %+v", seat)
	}
	if seat.Holder != "" || seat.ExpiresAt != nil {
		t.Errorf("stale hold fields must be cleared: %+v", seat)
	}
}

func TestFreeSeatCount_CountsElapsedHold(t *testing.T) {
	reg := New(staleHeldStore("u1"), testConfig())

	free, err := reg.FreeSeatCount(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free != 2 {
		t.Fatalf("elapsed hold must count as obtainable, free count = %d", free)
	}
}

// ────────────────────────────────────────────────
// Store write-through
// ────────────────────────────────────────────────

func TestTryPlaceHold_StoreFailureLeavesSeatFree(t *testing.T) {
	storeErr := errors.New("connection reset")
	failing := true
	store := &mockSeatStore{
		updateSeatFunc: func(ctx context.Context, trainID string, seat model.Seat) error {
			if failing {
				return storeErr
			}
			return nil
		},
	}
	reg := newTestRegistry(t, store)

	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u1", time.Minute); err == nil {
		t.Fatal("expected store failure to surface")
	}

	free, err := reg.FreeSeatCount(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free != 2 {
		t.Fatalf("failed persist must leave seat FREE, free count = %d", free)
	}

	failing = false
	if _, err := reg.TryPlaceHold(context.Background(), "T1", "A1", "u2", time.Minute); err != nil {
		t.Fatalf("hold after store recovery should succeed: %v", err)
	}
}

func TestPersistSeat_RetriesTransientFailure(t *testing.T) {
	attempts := 0
	store := &mockSeatStore{
		updateSeatFunc: func(ctx context.Context, trainID string, seat model.Seat) error {
			attempts++
			if attempts == 1 {
				return errors.New("transient I/O error")
			}
			return nil
		},
	}
	reg := newTestRegistry(t, store)

	if _, err := reg.TryBook(context.Background(), "T1", "A1", "u1"); err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 store attempts, got %d", attempts)
	}
}

func TestFreeSeatCount(t *testing.T) {
	reg := newTestRegistry(t, &mockSeatStore{})

	free, err := reg.FreeSeatCount(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free != 2 {
		t.Fatalf("expected 2 free seats, got %d", free)
	}

	if _, err := reg.TryBook(context.Background(), "T1", "A1", "u1"); err != nil {
		t.Fatalf("unexpected booking error: %v", err)
	}

	free, err = reg.FreeSeatCount(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free != 1 {
		t.Fatalf("expected 1 free seat, got %d", free)
	}
}
