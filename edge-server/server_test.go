package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgLog "cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

type bookingCall struct {
	method     string
	showtimeID int64
	userID     int64
	ticketIDs  []int64
}

type fakeBooking struct {
	mu       sync.Mutex
	calls    []bookingCall
	holds    []shared.HoldRecord
	holdErr  error
	holdsErr error
}

func (f *fakeBooking) Hold(_ context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bookingCall{"hold", showtimeID, userID, ticketIDs})
	return f.holdErr
}

func (f *fakeBooking) Release(_ context.Context, showtimeID, userID int64, ticketIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bookingCall{"release", showtimeID, userID, ticketIDs})
	return nil
}

func (f *fakeBooking) Holds(context.Context, int64) ([]shared.HoldRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holds, f.holdsErr
}

func (f *fakeBooking) recorded() []bookingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bookingCall(nil), f.calls...)
}

func startEdge(t *testing.T, booking BookingService) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := newHub(pkgLog.Nop())
	go hub.run(ctx)

	srv := httptest.NewServer(NewServer(ctx, hub, booking, 16, nil, pkgLog.Nop()).Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, showtimeID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + shared.ShowtimePath(showtimeID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) shared.SeatUpdate {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var u shared.SeatUpdate
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.GetClientCount() == n }, testTimeout, 5*time.Millisecond)
}

func TestServer_ReplaysHoldsOnJoin(t *testing.T) {
	booking := &fakeBooking{holds: []shared.HoldRecord{
		{TicketID: 3, UserID: 2, ExpiresAt: 100},
		{TicketID: 1, UserID: 1, ExpiresAt: 100},
		{TicketID: 2, UserID: 1, ExpiresAt: 100},
	}}
	_, srv := startEdge(t, booking)
	conn := dial(t, srv, 10)

	first := readUpdate(t, conn)
	assert.Equal(t, shared.StatusHeld, first.Status)
	assert.Equal(t, int64(1), first.UserID)
	assert.Equal(t, int64(10), first.ShowtimeID)
	assert.Equal(t, []int64{1, 2}, first.TicketIDs())

	second := readUpdate(t, conn)
	assert.Equal(t, int64(2), second.UserID)
	assert.Equal(t, []int64{3}, second.TicketIDs())
}

func TestServer_ForwardsActions(t *testing.T) {
	booking := &fakeBooking{}
	hub, srv := startEdge(t, booking)
	conn := dial(t, srv, 10)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionSelectSeat, ShowtimeID: 10, UserID: 1, TicketIDs: []int64{101, 102},
	}))
	require.NoError(t, conn.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionDeselectSeat, ShowtimeID: 10, UserID: 1, TicketIDs: []int64{101},
	}))

	require.Eventually(t, func() bool { return len(booking.recorded()) == 2 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []bookingCall{
		{"hold", 10, 1, []int64{101, 102}},
		{"release", 10, 1, []int64{101}},
	}, booking.recorded())
}

func TestServer_UnavailableBookingFailsRequesterOnly(t *testing.T) {
	booking := &fakeBooking{holdErr: ErrBookingUnavailable}
	hub, srv := startEdge(t, booking)
	requester := dial(t, srv, 10)
	watcher := dial(t, srv, 10)
	waitForClients(t, hub, 2)

	require.NoError(t, requester.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionSelectSeat, ShowtimeID: 10, UserID: 1, TicketIDs: []int64{5},
	}))

	failed := readUpdate(t, requester)
	assert.Equal(t, shared.StatusFailed, failed.Status)
	assert.Equal(t, int64(1), failed.UserID)
	assert.Equal(t, []int64{5}, failed.TicketIDs())
	assert.Contains(t, failed.Reason, "unavailable")

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := watcher.ReadMessage()
	assert.Error(t, err, "watcher must not see the requester's failure")
}

func TestServer_ConflictIsNotRepeated(t *testing.T) {
	booking := &fakeBooking{holdErr: &RejectedError{StatusCode: http.StatusConflict, Message: "ticket is already held by another user"}}
	hub, srv := startEdge(t, booking)
	conn := dial(t, srv, 10)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionSelectSeat, ShowtimeID: 10, UserID: 1, TicketIDs: []int64{5},
	}))
	require.Eventually(t, func() bool { return len(booking.recorded()) == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_RejectsInvalidActions(t *testing.T) {
	booking := &fakeBooking{}
	hub, srv := startEdge(t, booking)
	conn := dial(t, srv, 10)
	waitForClients(t, hub, 1)

	// Wrong showtime for this connection.
	require.NoError(t, conn.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionSelectSeat, ShowtimeID: 11, UserID: 1, TicketIDs: []int64{5},
	}))
	failed := readUpdate(t, conn)
	assert.Equal(t, shared.StatusFailed, failed.Status)
	assert.Equal(t, int64(10), failed.ShowtimeID)

	// Unknown user and not JSON: nobody to address, dropped.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	assert.Empty(t, booking.recorded())
}

func TestServer_RoomRelay(t *testing.T) {
	hub, srv := startEdge(t, &fakeBooking{})
	ten := dial(t, srv, 10)
	twenty := dial(t, srv, 20)
	waitForClients(t, hub, 2)

	relay := &roomRelay{hub: hub, l: pkgLog.Nop()}
	data, err := json.Marshal(shared.NewSeatUpdate(shared.StatusExpired, 10, 1, []int64{7}))
	require.NoError(t, err)

	assert.False(t, relay.handle("seats.showtime.20", data), "showtime mismatch")
	assert.False(t, relay.handle("seats.showtime.10", []byte(`{`)))
	assert.False(t, relay.handle("seats.other", data))
	require.True(t, relay.handle("seats.showtime.10", data))

	got := readUpdate(t, ten)
	assert.Equal(t, shared.StatusExpired, got.Status)
	assert.Equal(t, []int64{7}, got.TicketIDs())

	require.NoError(t, twenty.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = twenty.ReadMessage()
	assert.Error(t, err)
}

func TestServer_RejectsBadShowtime(t *testing.T) {
	_, srv := startEdge(t, &fakeBooking{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/showtimes/abc"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HealthAndStats(t *testing.T) {
	hub, srv := startEdge(t, &fakeBooking{})
	dial(t, srv, 10)
	waitForClients(t, hub, 1)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats HubStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalClients)
	assert.Equal(t, 1, stats.Rooms)
}

func TestServer_RejectsActionsForAnotherUser(t *testing.T) {
	booking := &fakeBooking{}
	hub, srv := startEdge(t, booking)
	conn := dial(t, srv, 10)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionSelectSeat, ShowtimeID: 10, UserID: 1, TicketIDs: []int64{5},
	}))
	require.NoError(t, conn.WriteJSON(shared.SeatActionMessage{
		Action: shared.ActionDeselectSeat, ShowtimeID: 10, UserID: 2, TicketIDs: []int64{7},
	}))

	failed := readUpdate(t, conn)
	assert.Equal(t, shared.StatusFailed, failed.Status)
	assert.Equal(t, int64(1), failed.UserID)
	assert.Equal(t, []int64{7}, failed.TicketIDs())
	assert.Contains(t, failed.Reason, "user does not match")

	assert.Equal(t, []bookingCall{{"hold", 10, 1, []int64{5}}}, booking.recorded())
}
