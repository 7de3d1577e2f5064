package main

import (
	"context"
	"slices"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

const (
	expiryPublishAttempts = 3
	expiryPublishPause    = 100 * time.Millisecond
)

// TimerService releases holds whose expiry has passed and tells the showtime's watchers.
type TimerService struct {
	store    HoldStore
	events   EventPublisher
	interval time.Duration
	l        logger.Logger
	now      func() time.Time
}

func NewTimerService(store HoldStore, events EventPublisher, interval time.Duration, l logger.Logger) *TimerService {
	return &TimerService{
		store:    store,
		events:   events,
		interval: interval,
		l:        l,
		now:      time.Now,
	}
}

// Run checks for expired holds every interval until ctx is done.
func (t *TimerService) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.l.Infof(ctx, "booking.TimerService.Run: checking every %s", t.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.checkExpiredHolds(ctx)
		}
	}
}

func (t *TimerService) checkExpiredHolds(ctx context.Context) int {
	showtimes, err := t.store.ActiveShowtimes(ctx)
	if err != nil {
		t.l.Errorf(ctx, "booking.TimerService.checkExpiredHolds: list active showtimes: %v", err)
		return 0
	}

	expiredCount := 0
	for _, showtimeID := range showtimes {
		expiredCount += t.expireShowtime(ctx, showtimeID)
	}
	if expiredCount > 0 {
		t.l.Infof(ctx, "booking.TimerService.checkExpiredHolds: released %d expired holds", expiredCount)
	}
	return expiredCount
}

// expireShowtime publishes one EXPIRED per user, carrying that user's expired tickets.
func (t *TimerService) expireShowtime(ctx context.Context, showtimeID int64) int {
	records, err := t.store.Holds(ctx, showtimeID)
	if err != nil {
		t.l.Errorf(ctx, "booking.TimerService.expireShowtime: holds for showtime %d: %v", showtimeID, err)
		return 0
	}

	now := t.now().Unix()
	expired := make(map[int64][]int64)
	for _, rec := range records {
		if rec.ExpiresAt >= now {
			continue
		}
		ok, err := t.store.ReleaseHold(ctx, showtimeID, rec.TicketID, rec.UserID, now)
		if err != nil {
			t.l.Errorf(ctx, "booking.TimerService.expireShowtime: release ticket %d on showtime %d: %v", rec.TicketID, showtimeID, err)
			continue
		}
		if ok {
			expired[rec.UserID] = append(expired[rec.UserID], rec.TicketID)
		}
	}

	users := make([]int64, 0, len(expired))
	for userID := range expired {
		users = append(users, userID)
	}
	slices.Sort(users)

	count := 0
	for _, userID := range users {
		ids := expired[userID]
		count += len(ids)
		update := shared.NewSeatUpdate(shared.StatusExpired, showtimeID, userID, ids)
		if err := publishWithRetry(ctx, t.events, t.l, update, expiryPublishAttempts, expiryPublishPause); err != nil {
			t.l.Errorf(ctx, "booking.TimerService.expireShowtime: tickets %v of user %d released but not announced: %v", ids, userID, err)
		}
	}

	if err := t.store.RemoveActive(ctx, showtimeID); err != nil {
		t.l.Warnf(ctx, "booking.TimerService.expireShowtime: showtime %d: %v", showtimeID, err)
	}
	return count
}
