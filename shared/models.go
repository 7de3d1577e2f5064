package shared

import (
	"errors"
	"fmt"
)

// SeatStatus is the status carried by a seat update pushed to clients.
type SeatStatus string

const (
	StatusHeld     SeatStatus = "HELD"
	StatusReleased SeatStatus = "RELEASED"
	StatusFailed   SeatStatus = "FAILED"
	StatusExpired  SeatStatus = "EXPIRED"
)

// Valid reports whether s is one of the known statuses.
func (s SeatStatus) Valid() bool {
	switch s {
	case StatusHeld, StatusReleased, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// SeatAction is the intent a client sends for a set of tickets.
type SeatAction string

const (
	ActionSelectSeat   SeatAction = "SELECT_SEAT"
	ActionDeselectSeat SeatAction = "DESELECT_SEAT"
)

// Valid reports whether a is one of the known actions.
func (a SeatAction) Valid() bool {
	return a == ActionSelectSeat || a == ActionDeselectSeat
}

var (
	ErrUnknownStatus   = errors.New("unknown seat status")
	ErrUnknownAction   = errors.New("unknown seat action")
	ErrMissingUser     = errors.New("userId is required")
	ErrMissingShowtime = errors.New("showtimeId is required")
	ErrMissingTickets  = errors.New("ticketIds are required")
	ErrInvalidTicket   = errors.New("ticketId must be positive")
)

// SeatRef identifies one ticket inside a seat update.
type SeatRef struct {
	TicketID  int64 `json:"ticketId"`
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// SeatUpdate is the message a server pushes to every client watching a showtime.
type SeatUpdate struct {
	Status     SeatStatus `json:"status"`
	UserID     int64      `json:"userId"`
	ShowtimeID int64      `json:"showtimeId"`
	Seats      []SeatRef  `json:"seats"`
	Reason     string     `json:"reason,omitempty"`
}

// Validate checks the fields every update must carry.
func (u SeatUpdate) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, u.Status)
	}
	if u.UserID <= 0 {
		return ErrMissingUser
	}
	if u.ShowtimeID <= 0 {
		return ErrMissingShowtime
	}
	for _, s := range u.Seats {
		if s.TicketID <= 0 {
			return ErrInvalidTicket
		}
	}
	return nil
}

// TicketIDs returns the ticket ids referenced by the update, in order.
func (u SeatUpdate) TicketIDs() []int64 {
	ids := make([]int64, 0, len(u.Seats))
	for _, s := range u.Seats {
		ids = append(ids, s.TicketID)
	}
	return ids
}

// NewSeatUpdate builds an update referencing the given tickets.
func NewSeatUpdate(status SeatStatus, showtimeID, userID int64, ticketIDs []int64) SeatUpdate {
	seats := make([]SeatRef, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		seats = append(seats, SeatRef{TicketID: id})
	}
	return SeatUpdate{
		Status:     status,
		UserID:     userID,
		ShowtimeID: showtimeID,
		Seats:      seats,
	}
}

// SeatActionMessage is the message a client sends to select or deselect tickets.
type SeatActionMessage struct {
	Action     SeatAction `json:"action"`
	ShowtimeID int64      `json:"showtimeId"`
	UserID     int64      `json:"userId"`
	TicketIDs  []int64    `json:"ticketIds"`
}

// Validate checks an inbound action before it is forwarded to the booking service.
func (m SeatActionMessage) Validate() error {
	if !m.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	if m.ShowtimeID <= 0 {
		return ErrMissingShowtime
	}
	if m.UserID <= 0 {
		return ErrMissingUser
	}
	if len(m.TicketIDs) == 0 {
		return ErrMissingTickets
	}
	for _, id := range m.TicketIDs {
		if id <= 0 {
			return ErrInvalidTicket
		}
	}
	return nil
}

// HoldRecord is the booking service's record of one held ticket.
type HoldRecord struct {
	TicketID  int64 `json:"ticketId"`
	UserID    int64 `json:"userId"`
	ExpiresAt int64 `json:"expiresAt"`
}

// HoldRequest is the body of the booking service hold, release and booking endpoints.
type HoldRequest struct {
	UserID    int64   `json:"userId"`
	TicketIDs []int64 `json:"ticketIds"`
}

// ErrorResponse represents an error message
type ErrorResponse struct {
	Error string `json:"error"`
}
