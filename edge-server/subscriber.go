package main

import (
	"context"
	"encoding/json"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"

	"github.com/nats-io/nats.go"
)

// roomRelay forwards seat updates from the showtime subjects to the matching hub room.
type roomRelay struct {
	hub *Hub
	l   logger.Logger
}

func subscribeToNATS(nc *nats.Conn, hub *Hub, l logger.Logger) (*nats.Subscription, error) {
	relay := &roomRelay{hub: hub, l: l}
	sub, err := nc.Subscribe(shared.NATSSubjectAllShowtimes, func(msg *nats.Msg) {
		relay.handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	l.Infof(context.Background(), "edge.subscribeToNATS: subscribed to %s", sub.Subject)
	return sub, nil
}

// handle validates an update and broadcasts it verbatim to its showtime room.
func (r *roomRelay) handle(subject string, data []byte) bool {
	ctx := context.Background()

	showtimeID, err := shared.ShowtimeFromSubject(subject)
	if err != nil {
		r.l.Warnf(ctx, "edge.roomRelay.handle: %v", err)
		return false
	}

	var update shared.SeatUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		r.l.Errorf(ctx, "edge.roomRelay.handle: failed to parse update on %s: %v", subject, err)
		return false
	}
	if err := update.Validate(); err != nil {
		r.l.Warnf(ctx, "edge.roomRelay.handle: invalid update on %s: %v", subject, err)
		return false
	}
	if update.ShowtimeID != showtimeID {
		r.l.Warnf(ctx, "edge.roomRelay.handle: update for showtime %d published on %s", update.ShowtimeID, subject)
		return false
	}

	r.l.Debugf(ctx, "edge.roomRelay.handle: %s for user %d on showtime %d", update.Status, update.UserID, showtimeID)
	return r.hub.Broadcast(showtimeID, data)
}
