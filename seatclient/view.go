package seatclient

import (
	"slices"

	"cinema-seathold/shared"
)

type ticketSet map[int64]struct{}

// HoldState is the local, non-authoritative view of which tickets are held and by whom.
// It is not safe for concurrent use; the Dispatcher owns one and serialises access.
type HoldState struct {
	held   ticketSet
	byUser map[int64]ticketSet
}

func NewHoldState() *HoldState {
	return &HoldState{
		held:   make(ticketSet),
		byUser: make(map[int64]ticketSet),
	}
}

// Hold marks tickets as held by userID.
func (s *HoldState) Hold(userID int64, ticketIDs []int64) {
	if len(ticketIDs) == 0 {
		return
	}
	seats, ok := s.byUser[userID]
	if !ok {
		seats = make(ticketSet, len(ticketIDs))
		s.byUser[userID] = seats
	}
	for _, id := range ticketIDs {
		s.held[id] = struct{}{}
		seats[id] = struct{}{}
	}
}

// Release removes tickets from userID's subset. A ticket leaves the held set once no
// user holds it any more, and a user whose subset becomes empty is dropped.
func (s *HoldState) Release(userID int64, ticketIDs []int64) {
	seats := s.byUser[userID]
	for _, id := range ticketIDs {
		if seats != nil {
			delete(seats, id)
		}
		if !s.heldByAnyone(id) {
			delete(s.held, id)
		}
	}
	if seats != nil && len(seats) == 0 {
		delete(s.byUser, userID)
	}
}

func (s *HoldState) heldByAnyone(ticketID int64) bool {
	for _, seats := range s.byUser {
		if _, ok := seats[ticketID]; ok {
			return true
		}
	}
	return false
}

// ReleaseUser drops every ticket userID holds.
func (s *HoldState) ReleaseUser(userID int64) []int64 {
	seats, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	ids := sortedIDs(seats)
	s.Release(userID, ids)
	return ids
}

// Apply folds one update into the state. It reports whether anything may have changed.
func (s *HoldState) Apply(u shared.SeatUpdate) bool {
	switch u.Status {
	case shared.StatusHeld:
		s.Hold(u.UserID, u.TicketIDs())
		return true
	case shared.StatusReleased:
		s.Release(u.UserID, u.TicketIDs())
		return true
	case shared.StatusExpired:
		if len(u.Seats) == 0 {
			return len(s.ReleaseUser(u.UserID)) > 0
		}
		s.Release(u.UserID, u.TicketIDs())
		return true
	default:
		return false
	}
}

// Reset discards everything.
func (s *HoldState) Reset() {
	clear(s.held)
	clear(s.byUser)
}

// Snapshot returns a deep copy that shares nothing with s.
func (s *HoldState) Snapshot() View {
	v := View{
		held:   sortedIDs(s.held),
		byUser: make(map[int64][]int64, len(s.byUser)),
	}
	for userID, seats := range s.byUser {
		v.byUser[userID] = sortedIDs(seats)
	}
	return v
}

// View is an immutable snapshot of a HoldState.
type View struct {
	held   []int64
	byUser map[int64][]int64
}

// Held returns the held ticket ids in ascending order.
func (v View) Held() []int64 {
	return slices.Clone(v.held)
}

// ByUser returns each user's held tickets in ascending order.
func (v View) ByUser() map[int64][]int64 {
	out := make(map[int64][]int64, len(v.byUser))
	for userID, ids := range v.byUser {
		out[userID] = slices.Clone(ids)
	}
	return out
}

func (v View) IsHeld(ticketID int64) bool {
	_, found := slices.BinarySearch(v.held, ticketID)
	return found
}

// HeldBy returns the users the ticket is currently associated with, ascending.
func (v View) HeldBy(ticketID int64) []int64 {
	var users []int64
	for userID, ids := range v.byUser {
		if _, found := slices.BinarySearch(ids, ticketID); found {
			users = append(users, userID)
		}
	}
	slices.Sort(users)
	return users
}

func (v View) TicketsOf(userID int64) []int64 {
	return slices.Clone(v.byUser[userID])
}

func (v View) Users() []int64 {
	users := make([]int64, 0, len(v.byUser))
	for userID := range v.byUser {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

func sortedIDs(set ticketSet) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
