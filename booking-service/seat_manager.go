package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrTicketHeld     = errors.New("ticket is already held by another user")
	ErrTicketBooked   = errors.New("ticket is already booked")
	ErrNotHeld        = errors.New("tickets are not held by this user")
)

// SeatManager applies hold, release and booking requests for showtimes and announces the
// outcome on the showtime's channel.
type SeatManager struct {
	store         HoldStore
	events        EventPublisher
	confirmations ConfirmationPublisher
	holdDuration  time.Duration
	// lockGrace keeps a ticket lock alive past its hold record so the timer can announce
	// the expiry before anyone else takes the ticket.
	lockGrace time.Duration
	l             logger.Logger
	now           func() time.Time
}

func NewSeatManager(store HoldStore, events EventPublisher, confirmations ConfirmationPublisher, holdDuration time.Duration, l logger.Logger) *SeatManager {
	if confirmations == nil {
		confirmations = nopConfirmations{}
	}
	return &SeatManager{
		store:         store,
		events:        events,
		confirmations: confirmations,
		holdDuration:  holdDuration,
		lockGrace:     2 * shared.TimerCheckInterval,
		l:             l,
		now:           time.Now,
	}
}

func validateRequest(showtimeID, userID int64, ticketIDs []int64) ([]int64, error) {
	msg := shared.SeatActionMessage{
		Action:     shared.ActionSelectSeat,
		ShowtimeID: showtimeID,
		UserID:     userID,
		TicketIDs:  ticketIDs,
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ids := slices.Clone(ticketIDs)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Hold takes every ticket for userID or none of them. On conflict the locks acquired by
// this call are rolled back and a FAILED update is published.
func (m *SeatManager) Hold(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) ([]shared.HoldRecord, error) {
	ids, err := validateRequest(showtimeID, userID, ticketIDs)
	if err != nil {
		return nil, err
	}

	var acquired []int64
	rollback := func(cause error) error {
		for _, id := range acquired {
			if _, err := m.store.ReleaseHold(ctx, showtimeID, id, userID, 0); err != nil {
				m.l.Errorf(ctx, "booking.SeatManager.Hold: rollback ticket %d on showtime %d: %v", id, showtimeID, err)
			}
		}
		m.publishFailed(ctx, showtimeID, userID, ids, cause)
		return cause
	}

	for _, id := range ids {
		booked, err := m.store.IsBooked(ctx, showtimeID, id)
		if err != nil {
			return nil, rollback(err)
		}
		if booked {
			return nil, rollback(fmt.Errorf("%w: ticket %d", ErrTicketBooked, id))
		}

		res, err := m.store.AcquireLock(ctx, showtimeID, id, userID, m.holdDuration+m.lockGrace)
		if err != nil {
			return nil, rollback(err)
		}
		switch res {
		case LockConflict:
			return nil, rollback(fmt.Errorf("%w: ticket %d", ErrTicketHeld, id))
		case LockAcquired:
			acquired = append(acquired, id)
			m.expireStaleHold(ctx, showtimeID, id, userID)
		}
	}

	expiresAt := m.now().Add(m.holdDuration).Unix()
	records := make([]shared.HoldRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, shared.HoldRecord{TicketID: id, UserID: userID, ExpiresAt: expiresAt})
	}
	if err := m.store.SaveHolds(ctx, showtimeID, records); err != nil {
		return nil, rollback(err)
	}

	update := shared.NewSeatUpdate(shared.StatusHeld, showtimeID, userID, ids)
	for i := range update.Seats {
		update.Seats[i].ExpiresAt = expiresAt
	}
	m.publish(ctx, update)

	m.l.Infof(ctx, "booking.SeatManager.Hold: user %d holds tickets %v on showtime %d", userID, ids, showtimeID)
	return records, nil
}

// Release drops the tickets userID holds; tickets held by others are ignored.
func (m *SeatManager) Release(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) ([]int64, error) {
	ids, err := validateRequest(showtimeID, userID, ticketIDs)
	if err != nil {
		return nil, err
	}

	released := make([]int64, 0, len(ids))
	for _, id := range ids {
		ok, err := m.store.ReleaseHold(ctx, showtimeID, id, userID, 0)
		if err != nil {
			return nil, err
		}
		if ok {
			released = append(released, id)
		}
	}
	if len(released) == 0 {
		return nil, ErrNotHeld
	}

	m.publish(ctx, shared.NewSeatUpdate(shared.StatusReleased, showtimeID, userID, released))
	m.cleanupShowtime(ctx, showtimeID)

	m.l.Infof(ctx, "booking.SeatManager.Release: user %d released tickets %v on showtime %d", userID, released, showtimeID)
	return released, nil
}

// Book converts holds into bookings. Every ticket must be held by userID and unexpired.
func (m *SeatManager) Book(ctx context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	ids, err := validateRequest(showtimeID, userID, ticketIDs)
	if err != nil {
		return err
	}

	now := m.now().Unix()
	for _, id := range ids {
		rec, ok, err := m.store.GetHold(ctx, showtimeID, id)
		if err != nil {
			return err
		}
		if !ok || rec.UserID != userID || rec.ExpiresAt <= now {
			return fmt.Errorf("%w: ticket %d", ErrNotHeld, id)
		}
	}

	if err := m.store.MarkBooked(ctx, showtimeID, userID, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.store.ReleaseHold(ctx, showtimeID, id, userID, 0); err != nil {
			m.l.Errorf(ctx, "booking.SeatManager.Book: drop hold for ticket %d on showtime %d: %v", id, showtimeID, err)
		}
	}

	m.publish(ctx, shared.NewSeatUpdate(shared.StatusReleased, showtimeID, userID, ids))
	m.cleanupShowtime(ctx, showtimeID)

	event := BookingConfirmed{
		ShowtimeID:  showtimeID,
		UserID:      userID,
		TicketIDs:   ids,
		ConfirmedAt: m.now().UTC().Format(time.RFC3339),
	}
	if err := m.confirmations.PublishBookingConfirmed(ctx, event); err != nil {
		m.l.Warnf(ctx, "booking.SeatManager.Book: booking confirmation not queued: %v", err)
	}

	m.l.Infof(ctx, "booking.SeatManager.Book: user %d booked tickets %v on showtime %d", userID, ids, showtimeID)
	return nil
}

func (m *SeatManager) Holds(ctx context.Context, showtimeID int64) ([]shared.HoldRecord, error) {
	if showtimeID <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, shared.ErrMissingShowtime)
	}
	return m.store.Holds(ctx, showtimeID)
}

// expireStaleHold announces the expiry of a record left by another user whose lock ran out
// before the timer got to it.
func (m *SeatManager) expireStaleHold(ctx context.Context, showtimeID, ticketID, userID int64) {
	rec, found, err := m.store.GetHold(ctx, showtimeID, ticketID)
	if err != nil {
		m.l.Warnf(ctx, "booking.SeatManager.expireStaleHold: ticket %d on showtime %d: %v", ticketID, showtimeID, err)
		return
	}
	if !found || rec.UserID == userID {
		return
	}
	released, err := m.store.ReleaseHold(ctx, showtimeID, ticketID, rec.UserID, 0)
	if err != nil {
		m.l.Warnf(ctx, "booking.SeatManager.expireStaleHold: ticket %d on showtime %d: %v", ticketID, showtimeID, err)
		return
	}
	if !released {
		return
	}
	update := shared.NewSeatUpdate(shared.StatusExpired, showtimeID, rec.UserID, []int64{ticketID})
	if err := publishWithRetry(ctx, m.events, m.l, update, expiryPublishAttempts, expiryPublishPause); err != nil {
		m.l.Errorf(ctx, "booking.SeatManager.expireStaleHold: ticket %d of user %d released but not announced: %v", ticketID, rec.UserID, err)
	}
}

func (m *SeatManager) publish(ctx context.Context, update shared.SeatUpdate) {
	if err := m.events.Publish(ctx, update); err != nil {
		m.l.Errorf(ctx, "booking.SeatManager.publish: %s for showtime %d: %v", update.Status, update.ShowtimeID, err)
	}
}

func (m *SeatManager) publishFailed(ctx context.Context, showtimeID, userID int64, ids []int64, cause error) {
	update := shared.NewSeatUpdate(shared.StatusFailed, showtimeID, userID, ids)
	update.Reason = cause.Error()
	m.publish(ctx, update)
}

func (m *SeatManager) cleanupShowtime(ctx context.Context, showtimeID int64) {
	if err := m.store.RemoveActive(ctx, showtimeID); err != nil {
		m.l.Warnf(ctx, "booking.SeatManager.cleanupShowtime: showtime %d: %v", showtimeID, err)
	}
}
