package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"

	"github.com/gorilla/websocket"
)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub     *Hub
	booking BookingService
	l       logger.Logger

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages. Closed by the hub.
	send chan []byte

	id         string
	showtimeID int64
	// userID is bound by the first valid action; actions for any other user are rejected.
	userID int64

	connectedAt time.Time
}

// readPump pumps action messages from the websocket connection to the booking service.
// Actions of one client are handled one at a time, in order.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.l.Infof(ctx, "edge.Client.readPump: client %s disconnected after %v", c.id, time.Since(c.connectedAt))
	}()

	c.conn.SetReadLimit(shared.WebSocketMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.l.Warnf(ctx, "edge.Client.readPump: websocket error for client %s: %v", c.id, err)
			}
			return
		}
		c.handleMessage(ctx, message)
	}
}

// writePump pumps messages from the hub to the websocket connection, one frame per message.
func (c *Client) writePump() {
	ticker := time.NewTicker(shared.WebSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var msg shared.SeatActionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.l.Warnf(ctx, "edge.Client.handleMessage: client %s sent malformed frame: %v", c.id, err)
		c.reject(ctx, msg, "invalid message format")
		return
	}
	if err := msg.Validate(); err != nil {
		c.l.Warnf(ctx, "edge.Client.handleMessage: client %s sent invalid action: %v", c.id, err)
		c.reject(ctx, msg, err.Error())
		return
	}
	if msg.ShowtimeID != c.showtimeID {
		c.l.Warnf(ctx, "edge.Client.handleMessage: client %s sent action for showtime %d on showtime %d", c.id, msg.ShowtimeID, c.showtimeID)
		c.reject(ctx, msg, "showtime does not match connection")
		return
	}
	if c.userID == 0 {
		c.userID = msg.UserID
	}
	if msg.UserID != c.userID {
		c.l.Warnf(ctx, "edge.Client.handleMessage: client %s bound to user %d sent action for user %d", c.id, c.userID, msg.UserID)
		msg.UserID = c.userID
		c.reject(ctx, msg, "user does not match connection")
		return
	}

	c.handleAction(ctx, msg)
}

func (c *Client) handleAction(ctx context.Context, msg shared.SeatActionMessage) {
	var err error
	switch msg.Action {
	case shared.ActionSelectSeat:
		err = c.booking.Hold(ctx, msg.ShowtimeID, msg.UserID, msg.TicketIDs)
	case shared.ActionDeselectSeat:
		err = c.booking.Release(ctx, msg.ShowtimeID, msg.UserID, msg.TicketIDs)
	}
	if err == nil {
		c.l.Debugf(ctx, "edge.Client.handleAction: client %s %s tickets %v", c.id, msg.Action, msg.TicketIDs)
		return
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) && msg.Action == shared.ActionSelectSeat && rejected.StatusCode == http.StatusConflict {
		// The booking service has already announced FAILED to the whole showtime.
		c.l.Infof(ctx, "edge.Client.handleAction: client %s select rejected: %s", c.id, rejected.Message)
		return
	}

	c.l.Warnf(ctx, "edge.Client.handleAction: client %s %s tickets %v failed: %v", c.id, msg.Action, msg.TicketIDs, err)
	c.reject(ctx, msg, err.Error())
}

// reject sends FAILED to this client alone. Without a known user there is nobody to address.
func (c *Client) reject(ctx context.Context, msg shared.SeatActionMessage, reason string) {
	userID := msg.UserID
	if userID <= 0 {
		userID = c.userID
	}
	if userID <= 0 {
		return
	}

	var ticketIDs []int64
	for _, id := range msg.TicketIDs {
		if id > 0 {
			ticketIDs = append(ticketIDs, id)
		}
	}
	update := shared.NewSeatUpdate(shared.StatusFailed, c.showtimeID, userID, ticketIDs)
	update.Reason = reason

	data, err := json.Marshal(update)
	if err != nil {
		c.l.Errorf(ctx, "edge.Client.reject: marshal: %v", err)
		return
	}
	c.hub.SendTo(c, data)
}
