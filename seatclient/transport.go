package seatclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

// Conn is the subset of *websocket.Conn used by the Connector.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a websocket connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer returns a DialFunc backed by gorilla/websocket.
func WebsocketDialer(handshakeTimeout time.Duration) DialFunc {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		conn.SetReadLimit(shared.WebSocketMaxMessage)
		return conn, nil
	}
}

type ConnectorConfig struct {
	// BaseURL is the edge server root, e.g. ws://localhost:3000.
	BaseURL string
	// ReconnectDelay is the fixed wait before redialling. Zero disables redialling.
	ReconnectDelay time.Duration
	Dial           DialFunc
	// OnError receives connection failures. It must not block.
	OnError func(err error)
}

// Connector owns the websocket connection for a single showtime.
type Connector struct {
	cfg ConnectorConfig
	l   logger.Logger

	mu     sync.Mutex
	gen    uint64
	active bool
	conn   Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewConnector(cfg ConnectorConfig, l logger.Logger) *Connector {
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDialer(10 * time.Second)
	}
	return &Connector{cfg: cfg, l: l}
}

// Activate starts connecting to the showtime channel in the background. Every inbound frame
// is passed to handler in arrival order. Activating an active connector is a no-op.
func (c *Connector) Activate(ctx context.Context, showtimeID int64, handler func(data []byte)) error {
	if showtimeID <= 0 {
		return ErrMissingShowtime
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.active = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + shared.ShowtimePath(showtimeID)

	c.wg.Add(1)
	go c.run(runCtx, gen, url, handler)
	return nil
}

// Deactivate closes the connection and stops redialling. It never blocks on the
// connection goroutine, so it may be called from a frame handler.
func (c *Connector) Deactivate() {
	c.mu.Lock()
	if !c.active && c.conn == nil && c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.gen++
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.closeConn(conn)
	}
}

// Wait blocks until the connection goroutine has exited.
func (c *Connector) Wait() {
	c.wg.Wait()
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one text frame on the live connection.
func (c *Connector) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Connector) run(ctx context.Context, gen uint64, url string, handler func([]byte)) {
	defer c.wg.Done()

	for {
		conn, err := c.cfg.Dial(ctx, url)
		if err != nil {
			if !c.live(gen) {
				return
			}
			c.l.Errorf(ctx, "seatclient.Connector.run: connect to %s failed: %v", url, err)
			c.reportError(fmt.Errorf("connect to %s: %w", url, err))
			if !c.sleep(ctx, gen) {
				return
			}
			continue
		}

		if !c.adopt(gen, conn) {
			c.l.Infof(ctx, "seatclient.Connector.run: connection to %s finished after teardown, closing it", url)
			_ = conn.Close()
			return
		}
		c.l.Infof(ctx, "seatclient.Connector.run: connected to %s", url)

		err = c.readLoop(gen, conn, handler)
		c.release(gen, conn)
		if !c.live(gen) {
			return
		}

		c.l.Warnf(ctx, "seatclient.Connector.run: connection to %s lost: %v", url, err)
		c.reportError(fmt.Errorf("connection to %s lost: %w", url, err))
		if !c.sleep(ctx, gen) {
			return
		}
	}
}

func (c *Connector) readLoop(gen uint64, conn Conn, handler func([]byte)) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !c.live(gen) {
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handler(data)
	}
}

// adopt stores conn only if the generation that dialled it is still the active one.
func (c *Connector) adopt(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.gen != gen {
		return false
	}
	c.conn = conn
	return true
}

func (c *Connector) release(gen uint64, conn Conn) {
	c.mu.Lock()
	owned := c.gen == gen && c.conn == conn
	if owned {
		c.conn = nil
	}
	c.mu.Unlock()
	if owned {
		_ = conn.Close()
	}
}

func (c *Connector) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.gen == gen
}

// sleep waits the reconnect delay. It returns false when the connector should stop.
func (c *Connector) sleep(ctx context.Context, gen uint64) bool {
	if c.cfg.ReconnectDelay <= 0 {
		c.mu.Lock()
		if c.gen == gen {
			c.active = false
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
		}
		c.mu.Unlock()
		return false
	}

	t := time.NewTimer(c.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return c.live(gen)
	case <-ctx.Done():
		return false
	}
}

func (c *Connector) closeConn(conn Conn) {
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.l.Debugf(context.Background(), "seatclient.Connector.closeConn: close frame not sent: %v", err)
	}
	_ = conn.Close()
}

func (c *Connector) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
