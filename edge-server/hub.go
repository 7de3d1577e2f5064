package main

import (
	"context"
	"sync"
	"time"

	"cinema-seathold/pkg/logger"
)

// HubStats tracks statistics for the hub
type HubStats struct {
	TotalClients      int       `json:"total_clients"`
	Rooms             int       `json:"rooms"`
	TotalMessages     int64     `json:"total_messages"`
	DroppedClients    int64     `json:"dropped_clients"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastBroadcastTime time.Time `json:"last_broadcast_time"`
}

type roomMessage struct {
	showtimeID int64
	data       []byte
}

type directMessage struct {
	client *Client
	data   []byte
}

// registration adds a client to its showtime room. replay is queued to the client before
// any broadcast that follows the registration.
type registration struct {
	client *Client
	replay [][]byte
}

// Hub keeps one room of clients per showtime and fans seat updates out to the room.
type Hub struct {
	// rooms is owned by run.
	rooms map[int64]map[*Client]bool

	broadcast  chan roomMessage
	direct     chan directMessage
	register   chan registration
	unregister chan *Client
	done       chan struct{}

	l logger.Logger

	mu    sync.RWMutex
	stats HubStats
}

func newHub(l logger.Logger) *Hub {
	return &Hub{
		rooms:      make(map[int64]map[*Client]bool),
		broadcast:  make(chan roomMessage, 256),
		direct:     make(chan directMessage, 64),
		register:   make(chan registration),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		l:          l,
		stats: HubStats{
			ConnectedAt: time.Now(),
		},
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for client := range room {
					close(client.send)
				}
			}
			h.rooms = make(map[int64]map[*Client]bool)
			h.updateCounts()
			return

		case reg := <-h.register:
			client := reg.client
			room, ok := h.rooms[client.showtimeID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.showtimeID] = room
			}
			room[client] = true
			for _, msg := range reg.replay {
				select {
				case client.send <- msg:
				default:
					h.l.Warnf(ctx, "edge.Hub.run: replay for client %s truncated, send buffer full", client.id)
				}
			}
			h.updateCounts()
			h.l.Infof(ctx, "edge.Hub.run: client %s joined showtime %d (room size %d)", client.id, client.showtimeID, len(room))

		case client := <-h.unregister:
			if h.remove(client) {
				h.l.Infof(ctx, "edge.Hub.run: client %s left showtime %d", client.id, client.showtimeID)
			}

		case msg := <-h.direct:
			if !h.rooms[msg.client.showtimeID][msg.client] {
				continue
			}
			select {
			case msg.client.send <- msg.data:
			default:
				h.l.Warnf(ctx, "edge.Hub.run: client %s send buffer full, dropping direct message", msg.client.id)
			}

		case msg := <-h.broadcast:
			sent := h.broadcastToRoom(ctx, msg)
			h.mu.Lock()
			h.stats.TotalMessages++
			h.stats.LastBroadcastTime = time.Now()
			h.mu.Unlock()
			h.l.Debugf(ctx, "edge.Hub.run: broadcast to %d clients of showtime %d", sent, msg.showtimeID)
		}
	}
}

// Register blocks until the hub has accepted the client or stopped.
func (h *Hub) Register(client *Client, replay [][]byte) bool {
	select {
	case h.register <- registration{client: client, replay: replay}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues data for every client watching showtimeID. It never blocks.
func (h *Hub) Broadcast(showtimeID int64, data []byte) bool {
	select {
	case h.broadcast <- roomMessage{showtimeID: showtimeID, data: data}:
		return true
	default:
		h.l.Warnf(context.Background(), "edge.Hub.Broadcast: broadcast channel full, dropping update for showtime %d", showtimeID)
		return false
	}
}

// SendTo queues data for one client only. Messages for clients that have left are dropped.
func (h *Hub) SendTo(client *Client, data []byte) {
	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-h.done:
	}
}

func (h *Hub) broadcastToRoom(ctx context.Context, msg roomMessage) int {
	sent := 0
	for client := range h.rooms[msg.showtimeID] {
		select {
		case client.send <- msg.data:
			sent++
		default:
			h.l.Warnf(ctx, "edge.Hub.broadcastToRoom: client %s send buffer full, disconnecting", client.id)
			h.remove(client)
			h.mu.Lock()
			h.stats.DroppedClients++
			h.mu.Unlock()
		}
	}
	return sent
}

// remove closes the client's send channel. Returns false if the client was not registered.
func (h *Hub) remove(client *Client) bool {
	room, ok := h.rooms[client.showtimeID]
	if !ok || !room[client] {
		return false
	}
	delete(room, client)
	close(client.send)
	if len(room) == 0 {
		delete(h.rooms, client.showtimeID)
	}
	h.updateCounts()
	return true
}

func (h *Hub) updateCounts() {
	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	h.mu.Lock()
	h.stats.TotalClients = total
	h.stats.Rooms = len(h.rooms)
	h.mu.Unlock()
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// GetClientCount returns the current number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats.TotalClients
}
