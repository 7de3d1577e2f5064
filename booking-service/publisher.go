package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventPublisher fans seat updates out to every edge server watching the showtime.
type EventPublisher interface {
	Publish(ctx context.Context, update shared.SeatUpdate) error
}

type natsPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(conn *nats.Conn) EventPublisher {
	return &natsPublisher{conn: conn}
}

func (p *natsPublisher) Publish(_ context.Context, update shared.SeatUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal %s update: %w", update.Status, err)
	}
	return p.conn.Publish(shared.ShowtimeSubject(update.ShowtimeID), data)
}

// publishWithRetry tries up to attempts times, pausing between tries.
func publishWithRetry(ctx context.Context, p EventPublisher, l logger.Logger, update shared.SeatUpdate, attempts int, pause time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.Publish(ctx, update); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		l.Warnf(ctx, "booking.publishWithRetry: retry %d/%d for %s on showtime %d: %v",
			i+1, attempts, update.Status, update.ShowtimeID, err)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", update.Status, attempts, err)
}

// BookingConfirmed is sent to the booking queue after tickets are booked.
type BookingConfirmed struct {
	ShowtimeID  int64   `json:"showtime_id"`
	UserID      int64   `json:"user_id"`
	TicketIDs   []int64 `json:"ticket_ids"`
	ConfirmedAt string  `json:"confirmed_at"`
}

type ConfirmationPublisher interface {
	PublishBookingConfirmed(ctx context.Context, event BookingConfirmed) error
}

type nopConfirmations struct{}

func (nopConfirmations) PublishBookingConfirmed(context.Context, BookingConfirmed) error { return nil }

// AMQPConfirmations publishes persistent messages on the default exchange, routed to the queue.
type AMQPConfirmations struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPConfirmations(url, queue string) *AMQPConfirmations {
	return &AMQPConfirmations{url: url, queue: queue}
}

func (p *AMQPConfirmations) PublishBookingConfirmed(ctx context.Context, event BookingConfirmed) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		p.reset()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// channel returns the open channel, dialling and declaring the queue if needed. Caller holds mu.
func (p *AMQPConfirmations) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPConfirmations) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPConfirmations) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
