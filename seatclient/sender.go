package seatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

// FrameSender is the part of Connector the Sender needs.
type FrameSender interface {
	Connected() bool
	Send(payload []byte) error
}

// Sender turns select/deselect intents into outbound action messages.
type Sender struct {
	conn FrameSender
	l    logger.Logger
}

func NewSender(conn FrameSender, l logger.Logger) *Sender {
	return &Sender{conn: conn, l: l}
}

func (s *Sender) Select(ctx context.Context, ticketIDs []int64, showtimeID, userID int64) error {
	return s.send(ctx, shared.ActionSelectSeat, ticketIDs, showtimeID, userID)
}

func (s *Sender) Deselect(ctx context.Context, ticketIDs []int64, showtimeID, userID int64) error {
	return s.send(ctx, shared.ActionDeselectSeat, ticketIDs, showtimeID, userID)
}

// send emits exactly one frame carrying the whole ticket list, or nothing at all.
// Rejections are logged as warnings and returned; they never panic.
func (s *Sender) send(ctx context.Context, action shared.SeatAction, ticketIDs []int64, showtimeID, userID int64) error {
	if len(ticketIDs) == 0 {
		return nil
	}
	if showtimeID <= 0 {
		s.l.Warnf(ctx, "seatclient.Sender.%s: rejected, %v", action, ErrMissingShowtime)
		return ErrMissingShowtime
	}
	if userID <= 0 {
		s.l.Warnf(ctx, "seatclient.Sender.%s: rejected, %v", action, ErrMissingUser)
		return ErrMissingUser
	}
	if !s.conn.Connected() {
		s.l.Warnf(ctx, "seatclient.Sender.%s: rejected, %v", action, ErrNotConnected)
		return ErrNotConnected
	}

	payload, err := json.Marshal(shared.SeatActionMessage{
		Action:     action,
		ShowtimeID: showtimeID,
		UserID:     userID,
		TicketIDs:  slices.Clone(ticketIDs),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}

	if err := s.conn.Send(payload); err != nil {
		s.l.Warnf(ctx, "seatclient.Sender.%s: send failed: %v", action, err)
		return err
	}

	s.l.Debugf(ctx, "seatclient.Sender.%s: showtime=%d user=%d tickets=%v", action, showtimeID, userID, ticketIDs)
	return nil
}
