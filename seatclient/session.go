// Package seatclient keeps a live, non-authoritative view of seat holds for one showtime
// and sends select/deselect intents over the edge server's websocket.
//
// The server owns every hold. The view is a cache folded from HELD, RELEASED and EXPIRED
// updates in arrival order; FAILED updates are reported but change nothing.
package seatclient

import (
	"context"
	"sync"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

type Config struct {
	EdgeURL          string
	Enabled          bool
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
}

type Option func(*Session)

func WithOnExpired(fn func(userID, showtimeID int64)) Option {
	return func(s *Session) { s.hooks.OnExpired = fn }
}

func WithOnFailed(fn func(update shared.SeatUpdate)) Option {
	return func(s *Session) { s.hooks.OnFailed = fn }
}

func WithOnChange(fn func(view View)) Option {
	return func(s *Session) { s.hooks.OnChange = fn }
}

func WithOnError(fn func(err error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

// Session is one client's seat-hold view of one showtime. Switching showtime means
// closing the session and opening a new one.
type Session struct {
	cfg        Config
	showtimeID int64
	userID     int64
	l          logger.Logger

	hooks   Hooks
	onError func(error)
	dial    DialFunc

	mu         sync.Mutex
	opened     bool
	closed     bool
	connector  *Connector
	dispatcher *Dispatcher
	sender     *Sender
}

func NewSession(cfg Config, showtimeID, userID int64, l logger.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:        cfg,
		showtimeID: showtimeID,
		userID:     userID,
		l:          l,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = WebsocketDialer(cfg.HandshakeTimeout)
	}
	return s
}

// Open starts connecting. It does nothing when the session is disabled or has no showtime.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return nil
	}
	if !s.cfg.Enabled {
		s.l.Debugf(ctx, "seatclient.Session.Open: disabled, not connecting")
		return ErrDisabled
	}
	if s.showtimeID <= 0 {
		s.l.Warnf(ctx, "seatclient.Session.Open: %v", ErrMissingShowtime)
		return ErrMissingShowtime
	}

	dispatcher := NewDispatcher(ctx, s.showtimeID, s.hooks, s.l)
	connector := NewConnector(ConnectorConfig{
		BaseURL:        s.cfg.EdgeURL,
		ReconnectDelay: s.cfg.ReconnectDelay,
		Dial:           s.dial,
		OnError:        s.onError,
	}, s.l)

	if err := connector.Activate(ctx, s.showtimeID, func(data []byte) { dispatcher.Deliver(data) }); err != nil {
		dispatcher.Stop()
		return err
	}

	s.dispatcher = dispatcher
	s.connector = connector
	s.sender = NewSender(connector, s.l)
	s.opened = true
	return nil
}

// Close tears the connection down and discards the view. It is idempotent and does not
// block, so hooks may call it.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	connector, dispatcher := s.connector, s.dispatcher
	s.mu.Unlock()

	if connector != nil {
		connector.Deactivate()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
}

// Done is closed once the session's background goroutines have exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	connector, dispatcher := s.connector, s.dispatcher
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if connector != nil {
			connector.Wait()
		}
		if dispatcher != nil {
			<-dispatcher.Done()
		}
	}()
	return done
}

func (s *Session) ShowtimeID() int64 { return s.showtimeID }

func (s *Session) UserID() int64 { return s.userID }

func (s *Session) Connected() bool {
	s.mu.Lock()
	connector := s.connector
	s.mu.Unlock()
	return connector != nil && connector.Connected()
}

func (s *Session) SelectSeats(ctx context.Context, ticketIDs []int64) error {
	sender, err := s.activeSender(ctx)
	if err != nil {
		return err
	}
	return sender.Select(ctx, ticketIDs, s.showtimeID, s.userID)
}

func (s *Session) DeselectSeats(ctx context.Context, ticketIDs []int64) error {
	sender, err := s.activeSender(ctx)
	if err != nil {
		return err
	}
	return sender.Deselect(ctx, ticketIDs, s.showtimeID, s.userID)
}

// View returns the current snapshot of held tickets.
func (s *Session) View(ctx context.Context) (View, error) {
	s.mu.Lock()
	dispatcher, closed := s.dispatcher, s.closed
	s.mu.Unlock()
	if closed || dispatcher == nil {
		return NewHoldState().Snapshot(), nil
	}
	return dispatcher.View(ctx)
}

func (s *Session) activeSender(ctx context.Context) (*Sender, error) {
	s.mu.Lock()
	sender, closed := s.sender, s.closed
	s.mu.Unlock()
	if closed || sender == nil {
		s.l.Warnf(ctx, "seatclient.Session: action rejected, %v", ErrNotConnected)
		return nil, ErrNotConnected
	}
	return sender, nil
}
