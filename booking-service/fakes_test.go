package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cinema-seathold/shared"
)

type ticketKey struct{ showtimeID, ticketID int64 }

// memStore is an in-memory HoldStore. Lock TTLs are recorded but only run out through
// expireLock.
type memStore struct {
	mu     sync.Mutex
	locks  map[ticketKey]int64
	ttls   map[ticketKey]time.Duration
	holds  map[ticketKey]shared.HoldRecord
	booked map[ticketKey]int64
	active map[int64]struct{}
	err    error
}

func newMemStore() *memStore {
	return &memStore{
		locks:  make(map[ticketKey]int64),
		ttls:   make(map[ticketKey]time.Duration),
		holds:  make(map[ticketKey]shared.HoldRecord),
		booked: make(map[ticketKey]int64),
		active: make(map[int64]struct{}),
	}
}

func (s *memStore) AcquireLock(_ context.Context, showtimeID, ticketID, userID int64, ttl time.Duration) (LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return LockConflict, s.err
	}
	k := ticketKey{showtimeID, ticketID}
	holder, ok := s.locks[k]
	switch {
	case !ok:
		s.locks[k] = userID
		s.ttls[k] = ttl
		return LockAcquired, nil
	case holder == userID:
		s.ttls[k] = ttl
		return LockRefreshed, nil
	default:
		return LockConflict, nil
	}
}

func (s *memStore) ReleaseHold(_ context.Context, showtimeID, ticketID, userID, expiredBefore int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ticketKey{showtimeID, ticketID}
	if s.locks[k] == userID {
		delete(s.locks, k)
	}
	rec, ok := s.holds[k]
	if !ok || rec.UserID != userID {
		return false, nil
	}
	if expiredBefore > 0 && rec.ExpiresAt >= expiredBefore {
		return false, nil
	}
	delete(s.holds, k)
	return true, nil
}

func (s *memStore) SaveHolds(_ context.Context, showtimeID int64, records []shared.HoldRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.holds[ticketKey{showtimeID, rec.TicketID}] = rec
	}
	s.active[showtimeID] = struct{}{}
	return nil
}

func (s *memStore) GetHold(_ context.Context, showtimeID, ticketID int64) (shared.HoldRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.holds[ticketKey{showtimeID, ticketID}]
	return rec, ok, nil
}

func (s *memStore) Holds(_ context.Context, showtimeID int64) ([]shared.HoldRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []shared.HoldRecord
	for k, rec := range s.holds {
		if k.showtimeID == showtimeID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TicketID < records[j].TicketID })
	return records, nil
}

func (s *memStore) IsBooked(_ context.Context, showtimeID, ticketID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.booked[ticketKey{showtimeID, ticketID}]
	return ok, nil
}

func (s *memStore) MarkBooked(_ context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ticketIDs {
		s.booked[ticketKey{showtimeID, id}] = userID
	}
	return nil
}

func (s *memStore) ActiveShowtimes(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) RemoveActive(_ context.Context, showtimeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.holds {
		if k.showtimeID == showtimeID {
			return nil
		}
	}
	delete(s.active, showtimeID)
	return nil
}

// expireLock drops a lock as Redis would once its TTL has run out. The hold record stays.
func (s *memStore) expireLock(showtimeID, ticketID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, ticketKey{showtimeID, ticketID})
}

func (s *memStore) lockTTL(showtimeID, ticketID int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[ticketKey{showtimeID, ticketID}]
}

func (s *memStore) lockHolder(showtimeID, ticketID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.locks[ticketKey{showtimeID, ticketID}]
	return holder, ok
}

type recordingPublisher struct {
	mu       sync.Mutex
	updates  []shared.SeatUpdate
	failures int
}

func (p *recordingPublisher) Publish(_ context.Context, update shared.SeatUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("nats: connection closed")
	}
	p.updates = append(p.updates, update)
	return nil
}

func (p *recordingPublisher) published() []shared.SeatUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]shared.SeatUpdate(nil), p.updates...)
}

type recordingConfirmations struct {
	events []BookingConfirmed
	err    error
}

func (c *recordingConfirmations) PublishBookingConfirmed(_ context.Context, event BookingConfirmed) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}
