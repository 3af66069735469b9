package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	reservationserrors "railbook/internal/reservations/errors"
	"railbook/internal/reservations/events"
	"railbook/internal/reservations/expiry"
	"railbook/internal/reservations/payment"
	"railbook/internal/reservations/registry"
	"railbook/internal/reservations/validator"
	"railbook/internal/reservations/waitlist"
	"railbook/pkg/config"
	mongotx "railbook/pkg/db/mongo"
	apperrors "railbook/pkg/errors"
	"railbook/pkg/logger"
	"railbook/pkg/model"

	"go.mongodb.org/mongo-driver/mongo"
)

// ────────────────────────────────────────────────
// In-memory train store
// ────────────────────────────────────────────────

type memTrainRepo struct {
	mu            sync.Mutex
	trains        map[string]*model.Train
	updateSeatErr func() error
}

func newMemTrainRepo(trains ...*model.Train) *memTrainRepo {
	repo := &memTrainRepo{trains: make(map[string]*model.Train)}
	for _, train := range trains {
		repo.trains[train.ID] = train
	}
	return repo
}

func (m *memTrainRepo) FindByID(ctx context.Context, trainID string) (*model.Train, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	train, ok := m.trains[trainID]
	if !ok {
		return nil, reservationserrors.ErrTrainNotFound
	}
	copied := *train
	copied.Seats = append([]model.Seat(nil), train.Seats...)
	return &copied, nil
}

func (m *memTrainRepo) Search(ctx context.Context, source, destination string, limit int, offset int64) ([]*model.Train, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Train
	for _, train := range m.trains {
		if (source == "" || train.Source == source) && (destination == "" || train.Destination == destination) {
			out = append(out, train)
		}
	}
	return out, nil
}

func (m *memTrainRepo) CountBySearch(ctx context.Context, source, destination string) (int64, error) {
	trains, _ := m.Search(ctx, source, destination, 0, 0)
	return int64(len(trains)), nil
}

func (m *memTrainRepo) UpdateSeat(ctx context.Context, trainID string, seat model.Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateSeatErr != nil {
		if err := m.updateSeatErr(); err != nil {
			return err
		}
	}

	train, ok := m.trains[trainID]
	if !ok {
		return reservationserrors.ErrSeatNotFound
	}
	for i := range train.Seats {
		if train.Seats[i].SeatNumber == seat.SeatNumber {
			train.Seats[i] = seat
			return nil
		}
	}
	return reservationserrors.ErrSeatNotFound
}

func (m *memTrainRepo) Insert(ctx context.Context, train *model.Train) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trains[train.ID] = train
	return nil
}

func (m *memTrainRepo) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.trains)), nil
}

// ────────────────────────────────────────────────
// In-memory booking store
// ────────────────────────────────────────────────

type memBookingRepo struct {
	mu       sync.Mutex
	bookings map[string]*model.Booking
}

func newMemBookingRepo() *memBookingRepo {
	return &memBookingRepo{bookings: make(map[string]*model.Booking)}
}

func (m *memBookingRepo) Create(ctx context.Context, booking *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking.BookedAt = time.Now()
	m.bookings[booking.ID] = booking
	return nil
}

func (m *memBookingRepo) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return nil, reservationserrors.ErrBookingNotFound
	}
	copied := *booking
	return &copied, nil
}

func (m *memBookingRepo) FindByUser(ctx context.Context, userID string, limit int, offset int64) ([]*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Booking
	for _, booking := range m.bookings {
		if booking.UserID == userID {
			out = append(out, booking)
		}
	}
	return out, nil
}

func (m *memBookingRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	bookings, _ := m.FindByUser(ctx, userID, 0, 0)
	return int64(len(bookings)), nil
}

func (m *memBookingRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[id]; !ok {
		return reservationserrors.ErrBookingNotFound
	}
	delete(m.bookings, id)
	return nil
}

func (m *memBookingRepo) ExecuteTransaction(ctx context.Context, fn mongotx.TransactionFunc) error {
	// Execute the function with a fake session context
	return fn(mongo.NewSessionContext(ctx, nil))
}

func (m *memBookingRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bookings)
}

// ────────────────────────────────────────────────
// In-memory waitlist store
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
// Mock payment gate and capturing publisher
// ────────────────────────────────────────────────

type mockGate struct {
	createOrderFunc func(ctx context.Context, amount int64) (*payment.Order, error)
	isCapturedFunc  func(ctx context.Context, paymentID string) (bool, error)
}

func (m *mockGate) CreateOrder(ctx context.Context, amount int64) (*payment.Order, error) {
	if m.createOrderFunc != nil {
		return m.createOrderFunc(ctx, amount)
	}
	return &payment.Order{ID: "order_1", Amount: amount, Currency: "INR", Status: "created"}, nil
}

func (m *mockGate) IsCaptured(ctx context.Context, paymentID string) (bool, error) {
	if m.isCapturedFunc != nil {
		return m.isCapturedFunc(ctx, paymentID)
	}
	return true, nil
}

type publishedEvent struct {
	channel string
	event   events.Event
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *capturingPublisher) Publish(ctx context.Context, channel string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{channel: channel, event: event})
	return nil
}

func (p *capturingPublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, pe := range p.events {
		if pe.event.Type == eventType {
			out = append(out, pe)
		}
	}
	return out
}

// ────────────────────────────────────────────────
// Harness
// ────────────────────────────────────────────────

type harness struct {
	svc      ReservationService
	reg      *registry.Registry
	sched    *expiry.Scheduler
	trains   *memTrainRepo
	bookings *memBookingRepo
	wl       *memWaitlistRepo
	gate     *mockGate
	pub      *capturingPublisher
	cfg      *config.Config
	logBuf   *safeBuffer
}

// safeBuffer guards the log sink against concurrent writes from timer
// goroutines.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, holdTTL time.Duration, seats ...model.Seat) *harness {
	t.Helper()

	logBuf := &safeBuffer{}
	log := logger.New(logger.Config{
		Level:     "error",
		Format:    logger.JSON,
		AddSource: false,
		Service:   "test",
		Output:    logBuf,
	})
	cfg := &config.Config{
		Log:                log,
		HoldTTL:            holdTTL,
		RequestTimeout:     5 * time.Second,
		StoreRetryAttempts: 2,
		StoreRetryBackoff:  time.Millisecond,
	}

	if len(seats) == 0 {
		seats = []model.Seat{
			{SeatNumber: "A1", Class: model.ClassAC, State: model.SeatFree},
			{SeatNumber: "A2", Class: model.ClassAC, State: model.SeatFree},
		}
	}
	trains := newMemTrainRepo(&model.Train{
		ID:          "T1",
		Name:        "Test Express",
		Source:      "alpha",
		Destination: "beta",
		Seats:       seats,
	})

	bookings := newMemBookingRepo()
	wl := newMemWaitlistRepo()
	gate := &mockGate{}
	pub := &capturingPublisher{}

	reg := registry.New(trains, cfg)
	queue := waitlist.NewQueue(wl, reg, cfg)
	sched := expiry.NewScheduler(log)
	t.Cleanup(sched.Stop)

	svc := NewReservationService(reg, queue, sched, trains, bookings, gate, pub, validator.NewReservationValidator(log), cfg)

	return &harness{
		svc:      svc,
		reg:      reg,
		sched:    sched,
		trains:   trains,
		bookings: bookings,
		wl:       wl,
		gate:     gate,
		pub:      pub,
		cfg:      cfg,
		logBuf:   logBuf,
	}
}

func (h *harness) mustBook(t *testing.T, user, seat string) *model.Booking {
	t.Helper()
	booking, err := h.svc.Book(context.Background(), &BookRequest{
		TrainID:    "T1",
		SeatNumber: seat,
		UserID:     user,
		PaymentID:  "pay_" + user,
	})
	if err != nil {
		t.Fatalf("booking %s for %s failed: %v", seat, user, err)
	}
	return booking
}

func (h *harness) mustJoin(t *testing.T, user string) {
	t.Helper()
	if _, err := h.svc.JoinWaitlist(context.Background(), "T1", user); err != nil {
		t.Fatalf("join for %s failed: %v", user, err)
	}
}

func (h *harness) seat(t *testing.T, seatNumber string) model.Seat {
	t.Helper()
	seats, err := h.svc.GetSeatMap(context.Background(), "T1")
	if err != nil {
		t.Fatalf("seat map failed: %v", err)
	}
	for _, seat := range seats {
		if seat.SeatNumber == seatNumber {
			return seat
		}
	}
	t.Fatalf("seat %s not found", seatNumber)
	return model.Seat{}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError, got %v", err)
	}
	return appErr.Code
}

// ────────────────────────────────────────────────
// No double booking
// ────────────────────────────────────────────────

func TestBook_NoDoubleBookingUnderContention(t *testing.T) {
	h := newHarness(t, time.Minute)

	const workers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	rejected := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Book(context.Background(), &BookRequest{
				TrainID:    "T1",
				SeatNumber: "A1",
				UserID:     fmt.Sprintf("user-%d", i),
				PaymentID:  fmt.Sprintf("pay-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code == apperrors.CodeSeatUnavailable {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 booking, got %d", winners)
	}
	if rejected != workers-1 {
		t.Fatalf("expected %d SeatUnavailable rejections, got %d", workers-1, rejected)
	}
	if h.bookings.count() != 1 {
		t.Fatalf("expected 1 booking record, got %d", h.bookings.count())
	}
}

func TestConcurrentHoldAndBook_SingleWinner(t *testing.T) {
	h := newHarness(t, time.Minute)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			var err error
			if i%2 == 0 {
				_, err = h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
					TrainID: "T1", SeatNumber: "A1", UserID: user, Amount: 500,
				})
			} else {
				_, err = h.svc.Book(context.Background(), &BookRequest{
					TrainID: "T1", SeatNumber: "A1", UserID: user, PaymentID: "pay-" + user,
				})
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 winner across mixed hold/book contention, got %d", successes)
	}
}

// ────────────────────────────────────────────────
// FIFO fairness and cancel-to-promote
// ────────────────────────────────────────────────

func TestCancel_PromotesWaitlistFIFO(t *testing.T) {
	h := newHarness(t, time.Minute)

	b1 := h.mustBook(t, "u1", "A1")
	b2 := h.mustBook(t, "u2", "A2")

	h.mustJoin(t, "alice")
	h.mustJoin(t, "bob")

	if err := h.svc.Cancel(context.Background(), "u1", b1.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	seat := h.seat(t, "A1")
	if seat.State != model.SeatHeld || seat.Holder != "alice" {
		t.Fatalf("expected A1 held by alice, got %+v", seat)
	}
	if seat.ExpiresAt == nil || !seat.ExpiresAt.After(time.Now()) {
		t.Fatalf("promotion hold must carry a fresh future TTL: %+v", seat)
	}
	if !h.sched.Pending("T1", "A1") {
		t.Error("promotion hold must have a scheduled expiry")
	}

	if err := h.svc.Cancel(context.Background(), "u2", b2.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	seat = h.seat(t, "A2")
	if seat.State != model.SeatHeld || seat.Holder != "bob" {
		t.Fatalf("expected A2 held by bob (FIFO), got %+v", seat)
	}

	remaining, _ := h.wl.Count(context.Background(), "T1")
	if remaining != 0 {
		t.Fatalf("waitlist should be drained, %d entries left", remaining)
	}

	held := h.pub.byType(events.TypeSeatHeld)
	var holders []string
	for _, pe := range held {
		if pe.channel == events.TrainChannel("T1") {
			holders = append(holders, pe.event.Holder)
		}
	}
	if len(holders) != 2 || holders[0] != "alice" || holders[1] != "bob" {
		t.Fatalf("expected SeatHeld events for alice then bob, got %v", holders)
	}
}

func TestCancel_NoWaitlistLeavesSeatFree(t *testing.T) {
	h := newHarness(t, time.Minute)

	booking := h.mustBook(t, "u1", "A1")
	if err := h.svc.Cancel(context.Background(), "u1", booking.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if seat := h.seat(t, "A1"); seat.State != model.SeatFree {
		t.Fatalf("expected A1 free after cancel with empty waitlist, got %+v", seat)
	}
	if freed := h.pub.byType(events.TypeSeatFreed); len(freed) == 0 {
		t.Error("expected a SeatFreed event")
	}
}

func TestCancel_PromotionFailureDropsEntry(t *testing.T) {
	h := newHarness(t, time.Minute, model.Seat{SeatNumber: "A1", Class: model.ClassAC, State: model.SeatFree})

	booking := h.mustBook(t, "alice", "A1")
	h.mustJoin(t, "bob")

	// First persist after arming is the release; every later one (bob's
	// promotion hold) fails.
	var persists int32
	h.trains.updateSeatErr = func() error {
		if atomic.AddInt32(&persists, 1) > 1 {
			return errors.New("store down")
		}
		return nil
	}

	if err := h.svc.Cancel(context.Background(), "alice", booking.ID); err != nil {
		t.Fatalf("cancel must commit even when promotion fails: %v", err)
	}

	if seat := h.seat(t, "A1"); seat.State != model.SeatFree {
		t.Fatalf("seat must stay FREE after a failed promotion, got %+v", seat)
	}
	if held := h.pub.byType(events.TypeSeatHeld); len(held) != 0 {
		t.Fatalf("no hold event must be published for a failed promotion, got %d", len(held))
	}
	count, err := h.wl.Count(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("popped entry must not be re-queued, got %d entries", count)
	}
	if !strings.Contains(h.logBuf.String(), "entry dropped") {
		t.Fatal("dropped promotion must be recorded as an invariant violation")
	}
}

// ────────────────────────────────────────────────
// Idempotent cancellation and ownership
// ────────────────────────────────────────────────

func TestCancel_SecondCancelNotFound(t *testing.T) {
	h := newHarness(t, time.Minute)

	booking := h.mustBook(t, "u1", "A1")

	if err := h.svc.Cancel(context.Background(), "u1", booking.ID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}

	err := h.svc.Cancel(context.Background(), "u1", booking.ID)
	if err == nil || errCode(t, err) != apperrors.CodeNotFound {
		t.Fatalf("second cancel must fail with NotFound, got %v", err)
	}
}

func TestCancel_ForeignBookingNotFound(t *testing.T) {
	h := newHarness(t, time.Minute)

	booking := h.mustBook(t, "u1", "A1")

	err := h.svc.Cancel(context.Background(), "intruder", booking.ID)
	if err == nil || errCode(t, err) != apperrors.CodeNotFound {
		t.Fatalf("cancelling someone else's booking must look like NotFound, got %v", err)
	}

	if seat := h.seat(t, "A1"); seat.State != model.SeatBooked {
		t.Fatalf("seat must stay booked, got %+v", seat)
	}
}

// ────────────────────────────────────────────────
// Waitlist join guard
// ────────────────────────────────────────────────

func TestJoinWaitlist_RejectedWhileSeatsFree(t *testing.T) {
	h := newHarness(t, time.Minute)

	h.mustBook(t, "u1", "A1") // A2 still free

	_, err := h.svc.JoinWaitlist(context.Background(), "T1", "alice")
	if err == nil || errCode(t, err) != apperrors.CodeSeatsAvailable {
		t.Fatalf("expected SeatsAvailable, got %v", err)
	}
}

func TestJoinWaitlist_DuplicateRejected(t *testing.T) {
	h := newHarness(t, time.Minute)

	h.mustBook(t, "u1", "A1")
	h.mustBook(t, "u2", "A2")
	h.mustJoin(t, "alice")

	_, err := h.svc.JoinWaitlist(context.Background(), "T1", "alice")
	if err == nil || errCode(t, err) != apperrors.CodeAlreadyWaitlisted {
		t.Fatalf("expected AlreadyWaitlisted, got %v", err)
	}
}

// ────────────────────────────────────────────────
// Hold expiry
// ────────────────────────────────────────────────

func TestHoldExpiry_ReleasesExactlyOnce(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)

	_, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if seat := h.seat(t, "A1"); seat.State != model.SeatHeld {
		t.Fatalf("expected A1 held, got %+v", seat)
	}

	time.Sleep(150 * time.Millisecond)

	if seat := h.seat(t, "A1"); seat.State != model.SeatFree {
		t.Fatalf("expected A1 free after TTL, got %+v", seat)
	}
	if h.sched.Pending("T1", "A1") {
		t.Error("no timer should remain after expiry")
	}

	freed := 0
	for _, pe := range h.pub.byType(events.TypeSeatFreed) {
		if pe.channel == events.TrainChannel("T1") && pe.event.SeatNumber == "A1" {
			freed++
		}
	}
	if freed != 1 {
		t.Fatalf("expected exactly 1 SeatFreed event, got %d", freed)
	}
}

func TestHoldExpiry_PromotesNextEntrant(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, model.Seat{SeatNumber: "A1", Class: model.ClassAC, State: model.SeatFree})

	// u1 holds the only seat; the train is now full, so u2 may join.
	if _, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	}); err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	h.mustJoin(t, "u2")

	time.Sleep(150 * time.Millisecond)

	seat := h.seat(t, "A1")
	if seat.State != model.SeatHeld || seat.Holder != "u2" {
		t.Fatalf("expected expired hold to cycle to u2, got %+v", seat)
	}
}

func TestBook_CancelsExpiryTimer(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)

	if _, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	}); err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	h.mustBook(t, "u1", "A1")
	if h.sched.Pending("T1", "A1") {
		t.Error("booking must cancel the pending expiry timer")
	}

	time.Sleep(120 * time.Millisecond)

	if seat := h.seat(t, "A1"); seat.State != model.SeatBooked || seat.Owner != "u1" {
		t.Fatalf("booked seat must survive its old hold TTL, got %+v", seat)
	}
}

// ────────────────────────────────────────────────
// Payment gate
// ────────────────────────────────────────────────

func TestBook_RejectedWhenPaymentNotCaptured(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.gate.isCapturedFunc = func(ctx context.Context, paymentID string) (bool, error) {
		return false, nil
	}

	_, err := h.svc.Book(context.Background(), &BookRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", PaymentID: "pay_1",
	})
	if err == nil || errCode(t, err) != apperrors.CodePaymentNotCaptured {
		t.Fatalf("expected PaymentNotCaptured, got %v", err)
	}

	if seat := h.seat(t, "A1"); seat.State != model.SeatFree {
		t.Fatalf("seat must stay free when payment is not captured, got %+v", seat)
	}
}

func TestCreateOrder_SecondPayerFailsFast(t *testing.T) {
	h := newHarness(t, time.Minute)

	if _, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	}); err != nil {
		t.Fatalf("first order failed: %v", err)
	}

	_, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u2", Amount: 500,
	})
	if err == nil || errCode(t, err) != apperrors.CodeSeatUnavailable {
		t.Fatalf("second payer must fail fast with SeatUnavailable, got %v", err)
	}
}

func TestCreateOrder_ProviderFailureReleasesHold(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.gate.createOrderFunc = func(ctx context.Context, amount int64) (*payment.Order, error) {
		return nil, fmt.Errorf("provider down")
	}

	_, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	})
	if err == nil {
		t.Fatal("expected provider failure to surface")
	}

	if seat := h.seat(t, "A1"); seat.State != model.SeatFree {
		t.Fatalf("hold must be rolled back when the provider order fails, got %+v", seat)
	}
	if h.sched.Pending("T1", "A1") {
		t.Error("expiry timer must be cancelled with the rolled-back hold")
	}
}

// ────────────────────────────────────────────────
// Hold-then-book flow
// ────────────────────────────────────────────────

func TestBook_FromOwnOrderHold(t *testing.T) {
	h := newHarness(t, time.Minute)

	result, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if result.Seat.Holder != "u1" {
		t.Fatalf("hold not bound to payer: %+v", result.Seat)
	}

	booking := h.mustBook(t, "u1", "A1")
	if booking.TrainID != "T1" || booking.SeatNumber != "A1" {
		t.Fatalf("unexpected booking: %+v", booking)
	}

	booked := h.pub.byType(events.TypeSeatBooked)
	if len(booked) == 0 {
		t.Fatal("expected SeatBooked events")
	}
	foundUserChannel := false
	for _, pe := range booked {
		if pe.channel == events.UserChannel("u1") {
			foundUserChannel = true
		}
	}
	if !foundUserChannel {
		t.Error("SeatBooked must also reach the owner's user channel")
	}
}

func TestBook_OtherUsersHoldRejected(t *testing.T) {
	h := newHarness(t, time.Minute)

	if _, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u1", Amount: 500,
	}); err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	_, err := h.svc.Book(context.Background(), &BookRequest{
		TrainID: "T1", SeatNumber: "A1", UserID: "u2", PaymentID: "pay_2",
	})
	if err == nil || errCode(t, err) != apperrors.CodeSeatUnavailable {
		t.Fatalf("expected SeatUnavailable for foreign hold, got %v", err)
	}
}

// ────────────────────────────────────────────────
// Validation and lookups
// ────────────────────────────────────────────────

func TestBook_ValidationRejectsMalformedSeat(t *testing.T) {
	h := newHarness(t, time.Minute)

	_, err := h.svc.Book(context.Background(), &BookRequest{
		TrainID: "T1", SeatNumber: "1-A", UserID: "u1", PaymentID: "pay_1",
	})
	if err == nil || errCode(t, err) != apperrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetSeatMap_UnknownTrain(t *testing.T) {
	h := newHarness(t, time.Minute)

	_, err := h.svc.GetSeatMap(context.Background(), "ghost")
	if err == nil || errCode(t, err) != apperrors.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListBookings_OnlyOwn(t *testing.T) {
	h := newHarness(t, time.Minute)

	h.mustBook(t, "u1", "A1")
	h.mustBook(t, "u2", "A2")

	bookings, total, err := h.svc.ListBookings(context.Background(), "u1", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(bookings) != 1 || bookings[0].UserID != "u1" {
		t.Fatalf("expected exactly u1's booking, got total=%d %+v", total, bookings)
	}
}
