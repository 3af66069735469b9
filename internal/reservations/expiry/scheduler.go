package expiry

import (
	"sync"
	"time"

	"railbook/pkg/logger"
)

// ExpireFunc is invoked exactly once when a hold's TTL elapses without a
// prior Cancel. It runs on the timer goroutine and must resolve the
// book-vs-expire race itself (the registry's ReleaseIfExpired does).
type ExpireFunc func(trainID, seatNumber string)

// Scheduler tracks one single-shot timer per (train, seat) key. Schedule
// replaces any pending timer for the key; Cancel is idempotent. A fired timer
// removes itself before invoking the handler, so a key can fire at most once
// per scheduled hold. Entries carry a generation so a replaced timer that is
// already firing cannot consume its replacement's entry.
type Scheduler struct {
	log *logger.Logger

	mu      sync.Mutex
	gen     uint64
	timers  map[string]*timerEntry
	handler ExpireFunc
	stopped bool
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

func NewScheduler(log *logger.Logger) *Scheduler {
	return &Scheduler{
		log:    log,
		timers: make(map[string]*timerEntry),
	}
}

// SetHandler wires the expiry action. Must be called before the first
// Schedule; kept separate from the constructor because the handler usually
// closes over the service that owns this scheduler.
func (s *Scheduler) SetHandler(fn ExpireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Schedule registers a single-shot expiry for the seat key at expiresAt.
// An existing timer for the same key is replaced.
func (s *Scheduler) Schedule(trainID, seatNumber string, expiresAt time.Time) {
	key := seatKey(trainID, seatNumber)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.handler == nil {
		s.log.Error("Expiry scheduled with no handler wired",
			"train_id", trainID,
			"seat_number", seatNumber,
		)
		return
	}

	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.timers[key] = &timerEntry{
		gen: gen,
		timer: time.AfterFunc(time.Until(expiresAt), func() {
			s.fire(key, gen, trainID, seatNumber)
		}),
	}
}

// Cancel removes any pending expiry for the seat key. Cancelling a key with
// no pending timer is a no-op.
func (s *Scheduler) Cancel(trainID, seatNumber string) {
	key := seatKey(trainID, seatNumber)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether a timer is outstanding for the seat key.
func (s *Scheduler) Pending(trainID, seatNumber string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[seatKey(trainID, seatNumber)]
	return ok
}

// Stop cancels all pending timers. Timers already firing may still run their
// handler; the handler's own guard makes that safe.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) fire(key string, gen uint64, trainID, seatNumber string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	// A racing Cancel already removed the key, and a racing Schedule replaced
	// it with a newer generation; honor both.
	entry, ok := s.timers[key]
	if !ok || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	handler := s.handler
	s.mu.Unlock()

	s.log.Debug("Hold expiry fired",
		"train_id", trainID,
		"seat_number", seatNumber,
	)
	handler(trainID, seatNumber)
}

func seatKey(trainID, seatNumber string) string {
	return trainID + "/" + seatNumber
}
