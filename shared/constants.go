package shared

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Redis key patterns
const (
	RedisKeyShowtimeHolds  = "showtime:%d:holds"  // hash ticketID -> HoldRecord JSON
	RedisKeyShowtimeBooked = "showtime:%d:booked" // hash ticketID -> userID
	RedisKeyTicketLock     = "showtime:%d:ticket:%d:lock"
	RedisKeyActiveShowtime = "showtimes:active"
)

// NATS subjects
const (
	NATSSubjectShowtimePrefix = "seats.showtime."
	NATSSubjectAllShowtimes   = NATSSubjectShowtimePrefix + "*"
)

// Timeouts and durations
const (
	HoldDuration          = 5 * time.Minute
	TimerCheckInterval    = 2 * time.Second
	ReconnectDelay        = 5 * time.Second
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongWait     = 60 * time.Second
	WebSocketPingPeriod   = (WebSocketPongWait * 9) / 10
	WebSocketMaxMessage   = 64 * 1024
)

// Server configuration
const (
	BookingServicePort = ":8080"
	DefaultEdgePort    = ":3000"
)

// API endpoints
const (
	APIEndpointHolds    = "/api/showtimes/:showtimeID/holds"
	APIEndpointBookings = "/api/showtimes/:showtimeID/bookings"
	APIEndpointHealth   = "/health"
	WebSocketEndpoint   = "/ws/showtimes/{showtimeID}"
)

// ShowtimeSubject returns the NATS subject carrying seat updates for a showtime.
func ShowtimeSubject(showtimeID int64) string {
	return NATSSubjectShowtimePrefix + strconv.FormatInt(showtimeID, 10)
}

// ShowtimeFromSubject is the inverse of ShowtimeSubject.
func ShowtimeFromSubject(subject string) (int64, error) {
	raw, ok := strings.CutPrefix(subject, NATSSubjectShowtimePrefix)
	if !ok {
		return 0, fmt.Errorf("subject %q is not a showtime subject", subject)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("subject %q has invalid showtime id", subject)
	}
	return id, nil
}

// ShowtimePath returns the websocket path for a showtime.
func ShowtimePath(showtimeID int64) string {
	return "/ws/showtimes/" + strconv.FormatInt(showtimeID, 10)
}
