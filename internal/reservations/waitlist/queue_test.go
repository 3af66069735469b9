package waitlist

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
// In-memory waitlist repository
// ────────────────────────────────────────────────

type memWaitlistRepo struct {
	mu      sync.Mutex
	entries map[string][]*model.WaitlistEntry
}

func newMemWaitlistRepo() *memWaitlistRepo {
	return &memWaitlistRepo{entries: make(map[string][]*model.WaitlistEntry)}
}

func (m *memWaitlistRepo) Insert(ctx context.Context, entry *model.WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries[entry.TrainID] {
		if e.UserID == entry.UserID {
			return reservationserrors.ErrAlreadyWaitlisted
		}
	}
	entry.JoinedAt = time.Now()
	m.entries[entry.TrainID] = append(m.entries[entry.TrainID], entry)
	return nil
}

func (m *memWaitlistRepo) PopOldest(ctx context.Context, trainID string) (*model.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.entries[trainID]
	if len(queue) == 0 {
		return nil, reservationserrors.ErrWaitlistEmpty
	}
	entry := queue[0]
	m.entries[trainID] = queue[1:]
	return entry, nil
}

func (m *memWaitlistRepo) Count(ctx context.Context, trainID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries[trainID])), nil
}

// ────────────────────────────────────────────────
// Mock seat board
// ────────────────────────────────────────────────

type mockSeatBoard struct {
	freeSeatCountFunc func(ctx context.Context, trainID string) (int, error)
	tryPlaceHoldFunc  func(ctx context.Context, trainID, seatNumber, userID string, ttl time.Duration) (model.Seat, error)
}

func (m *mockSeatBoard) FreeSeatCount(ctx context.Context, trainID string) (int, error) {
	if m.freeSeatCountFunc != nil {
		return m.freeSeatCountFunc(ctx, trainID)
	}
	return 0, nil
}

func (m *mockSeatBoard) TryPlaceHold(ctx context.Context, trainID, seatNumber, userID string, ttl time.Duration) (model.Seat, error) {
	if m.tryPlaceHoldFunc != nil {
		return m.tryPlaceHoldFunc(ctx, trainID, seatNumber, userID, ttl)
	}
	expiresAt := time.Now().Add(ttl)
	return model.Seat{
		SeatNumber: seatNumber,
		State:      model.SeatHeld,
		Holder:     userID,
		ExpiresAt:  &expiresAt,
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Log: logger.New(logger.Config{
			Level:     "error",
			Format:    logger.JSON,
			AddSource: false,
			Service:   "test",
		}),
	}
}

// ────────────────────────────────────────────────
// Join guard
// ────────────────────────────────────────────────

func TestJoin_RejectedWhileSeatsFree(t *testing.T) {
	board := &mockSeatBoard{
		freeSeatCountFunc: func(ctx context.Context, trainID string) (int, error) {
			return 1, nil
		},
	}
	q := NewQueue(newMemWaitlistRepo(), board, testConfig())

	_, err := q.Join(context.Background(), "T1", "u1")
	if !errors.Is(err, reservationserrors.ErrSeatsAvailable) {
		t.Fatalf("expected ErrSeatsAvailable, got %v", err)
	}
}

func TestJoin_DuplicateRejected(t *testing.T) {
	q := NewQueue(newMemWaitlistRepo(), &mockSeatBoard{}, testConfig())

	if _, err := q.Join(context.Background(), "T1", "u1"); err != nil {
		t.Fatalf("first join failed: %v", err)
	}

	_, err := q.Join(context.Background(), "T1", "u1")
	if !errors.Is(err, reservationserrors.ErrAlreadyWaitlisted) {
		t.Fatalf("expected ErrAlreadyWaitlisted, got %v", err)
	}

	// Same user may wait on a different train.
	if _, err := q.Join(context.Background(), "T2", "u1"); err != nil {
		t.Fatalf("join on second train failed: %v", err)
	}
}

// ────────────────────────────────────────────────
// FIFO promotion
// ────────────────────────────────────────────────

func TestPromoteNext_StrictFIFO(t *testing.T) {
	q := NewQueue(newMemWaitlistRepo(), &mockSeatBoard{}, testConfig())

	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := q.Join(context.Background(), "T1", user); err != nil {
			t.Fatalf("join %s failed: %v", user, err)
		}
	}

	var promoted []string
	for _, seat := range []string{"A1", "A2", "A3"} {
		entry, held, err := q.PromoteNext(context.Background(), "T1", seat, time.Minute)
		if err != nil {
			t.Fatalf("promote on %s failed: %v", seat, err)
		}
		if entry == nil {
			t.Fatalf("expected an entry for seat %s", seat)
		}
		if held.Holder != entry.UserID {
			t.Errorf("hold placed for %q, entry was %q", held.Holder, entry.UserID)
		}
		promoted = append(promoted, entry.UserID)
	}

	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if promoted[i] != want[i] {
			t.Fatalf("promotion order %v, want %v", promoted, want)
		}
	}
}

func TestPromoteNext_EmptyQueueLeavesSeatFree(t *testing.T) {
	held := false
	board := &mockSeatBoard{
		tryPlaceHoldFunc: func(ctx context.Context, trainID, seatNumber, userID string, ttl time.Duration) (model.Seat, error) {
			held = true
			return model.Seat{}, nil
		},
	}
	q := NewQueue(newMemWaitlistRepo(), board, testConfig())

	entry, _, err := q.PromoteNext(context.Background(), "T1", "A1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no entry on empty waitlist, got %+v", entry)
	}
	if held {
		t.Error("no hold may be placed when the waitlist is empty")
	}
}

func TestPromoteNext_HoldFailureNotRequeued(t *testing.T) {
	repo := newMemWaitlistRepo()
	board := &mockSeatBoard{
		tryPlaceHoldFunc: func(ctx context.Context, trainID, seatNumber, userID string, ttl time.Duration) (model.Seat, error) {
			if userID == "alice" {
				return model.Seat{}, reservationserrors.ErrSeatUnavailable
			}
			return model.Seat{SeatNumber: seatNumber, State: model.SeatHeld, Holder: userID}, nil
		},
	}
	q := NewQueue(repo, board, testConfig())

	for _, user := range []string{"alice", "bob"} {
		if _, err := q.Join(context.Background(), "T1", user); err != nil {
			t.Fatalf("join %s failed: %v", user, err)
		}
	}

	_, _, err := q.PromoteNext(context.Background(), "T1", "A1", time.Minute)
	if err == nil {
		t.Fatal("expected promotion failure to surface")
	}

	// Alice's entry is consumed, not re-queued; the next promote serves bob.
	entry, _, err := q.PromoteNext(context.Background(), "T1", "A1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry == nil || entry.UserID != "bob" {
		t.Fatalf("expected bob next, got %+v", entry)
	}
}

// ────────────────────────────────────────────────
// Serialization per train
// ────────────────────────────────────────────────

func TestJoin_ConcurrentJoinsAllOrdered(t *testing.T) {
	repo := newMemWaitlistRepo()
	q := NewQueue(repo, &mockSeatBoard{}, testConfig())

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Join(context.Background(), "T1", fmt.Sprintf("user-%d", i)); err != nil {
				t.Errorf("join failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	count, err := repo.Count(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != workers {
		t.Fatalf("expected %d entries, got %d", workers, count)
	}

	// Every queued user gets promoted exactly once.
	seen := map[string]bool{}
	for i := 0; i < workers; i++ {
		entry, _, err := q.PromoteNext(context.Background(), "T1", fmt.Sprintf("A%d", i+1), time.Minute)
		if err != nil {
			t.Fatalf("promote failed: %v", err)
		}
		if entry == nil {
			t.Fatalf("queue drained early at %d", i)
		}
		if seen[entry.UserID] {
			t.Fatalf("user %s promoted twice", entry.UserID)
		}
		seen[entry.UserID] = true
	}
}
