package seatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

// Hooks are invoked from the dispatcher goroutine, one message at a time.
type Hooks struct {
	// OnExpired fires once per EXPIRED message with the ids it carries.
	OnExpired func(userID, showtimeID int64)
	// OnFailed fires for FAILED messages. Nothing in the view changes.
	OnFailed func(update shared.SeatUpdate)
	// OnChange fires after HELD, RELEASED or EXPIRED has been applied.
	OnChange func(view View)
}

type dispatchMsg interface{ isDispatchMsg() }

type inboundFrame struct{ data []byte }

type getView struct{ reply chan View }

type resetView struct{}

func (inboundFrame) isDispatchMsg() {}
func (getView) isDispatchMsg()      {}
func (resetView) isDispatchMsg()    {}

// Dispatcher parses inbound frames and folds them into a HoldState owned by its own goroutine.
type Dispatcher struct {
	showtimeID int64
	hooks      Hooks
	l          logger.Logger

	inbox chan dispatchMsg
	state *HoldState

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(parent context.Context, showtimeID int64, hooks Hooks, l logger.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		showtimeID: showtimeID,
		hooks:      hooks,
		l:          l,
		inbox:      make(chan dispatchMsg, 64),
		state:      NewHoldState(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go d.loop()
	return d
}

// Deliver queues a raw frame. It blocks while the inbox is full so arrival order is kept,
// and returns false once the dispatcher has stopped.
func (d *Dispatcher) Deliver(data []byte) bool {
	if d.ctx.Err() != nil {
		return false
	}
	select {
	case d.inbox <- inboundFrame{data: data}:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// View returns a snapshot taken after every frame delivered before the call.
func (d *Dispatcher) View(ctx context.Context) (View, error) {
	if d.ctx.Err() != nil {
		return View{}, ErrClosed
	}
	reply := make(chan View, 1)
	select {
	case d.inbox <- getView{reply: reply}:
	case <-d.ctx.Done():
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}

	select {
	case v := <-reply:
		return v, nil
	case <-d.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Reset discards the local view.
func (d *Dispatcher) Reset() {
	select {
	case d.inbox <- resetView{}:
	case <-d.ctx.Done():
	}
}

// Stop ends the loop and discards the view. No hook fires after Stop returns, except one
// already running. It does not wait, so hooks may call it. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(d.cancel)
}

// Done is closed once the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			d.state.Reset()
			return

		case m := <-d.inbox:
			// Frames still queued at Stop are discarded.
			if d.ctx.Err() != nil {
				continue
			}
			switch msg := m.(type) {
			case inboundFrame:
				d.handleFrame(msg.data)
			case getView:
				msg.reply <- d.state.Snapshot()
			case resetView:
				d.state.Reset()
			}
		}
	}
}

func (d *Dispatcher) handleFrame(data []byte) {
	update, err := d.decode(data)
	if err != nil {
		d.l.Warnf(d.ctx, "seatclient.Dispatcher.handleFrame: dropping frame: %v", err)
		return
	}

	switch update.Status {
	case shared.StatusFailed:
		d.l.Warnf(d.ctx, "seatclient.Dispatcher.handleFrame: seat action failed for user %d on showtime %d: tickets=%v reason=%q",
			update.UserID, update.ShowtimeID, update.TicketIDs(), update.Reason)
		if d.hooks.OnFailed != nil {
			d.call("OnFailed", func() { d.hooks.OnFailed(update) })
		}
		return

	case shared.StatusExpired:
		d.l.Infof(d.ctx, "seatclient.Dispatcher.handleFrame: hold expired for user %d on showtime %d",
			update.UserID, update.ShowtimeID)
		d.state.Apply(update)
		if d.hooks.OnExpired != nil {
			d.call("OnExpired", func() { d.hooks.OnExpired(update.UserID, update.ShowtimeID) })
		}

	default:
		d.state.Apply(update)
		d.l.Debugf(d.ctx, "seatclient.Dispatcher.handleFrame: %s user=%d tickets=%v",
			update.Status, update.UserID, update.TicketIDs())
	}

	if d.hooks.OnChange != nil {
		view := d.state.Snapshot()
		d.call("OnChange", func() { d.hooks.OnChange(view) })
	}
}

func (d *Dispatcher) decode(data []byte) (shared.SeatUpdate, error) {
	var update shared.SeatUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return shared.SeatUpdate{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := update.Validate(); err != nil {
		return shared.SeatUpdate{}, err
	}
	if update.ShowtimeID != d.showtimeID {
		return shared.SeatUpdate{}, fmt.Errorf("update for showtime %d on showtime %d connection", update.ShowtimeID, d.showtimeID)
	}
	return update, nil
}

// call runs a hook unless the dispatcher has been stopped. A panicking hook cannot take
// the dispatcher down.
func (d *Dispatcher) call(name string, fn func()) {
	if d.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.l.Errorf(d.ctx, "seatclient.Dispatcher.%s: hook panicked: %v", name, r)
		}
	}()
	fn()
}
