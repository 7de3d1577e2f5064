package main

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	hub        *Hub
	booking    BookingService
	upgrader   websocket.Upgrader
	sendBuffer int
	l          logger.Logger
	// ctx outlives requests; client pumps run under it.
	ctx context.Context
}

func NewServer(ctx context.Context, hub *Hub, booking BookingService, sendBuffer int, allowedOrigins []string, l logger.Logger) *Server {
	return &Server{
		hub:        hub,
		booking:    booking,
		sendBuffer: sendBuffer,
		l:          l,
		ctx:        ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

// checkOrigin allows every origin when none are configured.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get(shared.WebSocketEndpoint, s.handleWebSocket)
	r.Get(shared.APIEndpointHealth, s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	showtimeID, err := strconv.ParseInt(chi.URLParam(r, "showtimeID"), 10, 64)
	if err != nil || showtimeID <= 0 {
		http.Error(w, "invalid showtime id", http.StatusBadRequest)
		return
	}

	// Without the booking service the client joins with no replay.
	replay, err := s.replayHolds(r.Context(), showtimeID)
	if err != nil {
		s.l.Warnf(r.Context(), "edge.Server.handleWebSocket: holds for showtime %d unavailable: %v", showtimeID, err)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Warnf(r.Context(), "edge.Server.handleWebSocket: upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:         s.hub,
		booking:     s.booking,
		l:           s.l,
		conn:        conn,
		send:        make(chan []byte, s.sendBuffer),
		id:          uuid.NewString(),
		showtimeID:  showtimeID,
		connectedAt: time.Now(),
	}

	if !s.hub.Register(client, replay) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.ctx)
}

// replayHolds turns the current holds into HELD messages, one per user.
func (s *Server) replayHolds(ctx context.Context, showtimeID int64) ([][]byte, error) {
	holds, err := s.booking.Holds(ctx, showtimeID)
	if err != nil {
		return nil, err
	}

	byUser := make(map[int64][]shared.SeatRef)
	var users []int64
	for _, h := range holds {
		if _, ok := byUser[h.UserID]; !ok {
			users = append(users, h.UserID)
		}
		byUser[h.UserID] = append(byUser[h.UserID], shared.SeatRef{TicketID: h.TicketID, ExpiresAt: h.ExpiresAt})
	}
	slices.Sort(users)

	replay := make([][]byte, 0, len(users))
	for _, userID := range users {
		data, err := json.Marshal(shared.SeatUpdate{
			Status:     shared.StatusHeld,
			UserID:     userID,
			ShowtimeID: showtimeID,
			Seats:      byUser[userID],
		})
		if err != nil {
			return nil, err
		}
		replay = append(replay, data)
	}
	return replay, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"edge-server"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.GetStats()); err != nil {
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
	}
}
