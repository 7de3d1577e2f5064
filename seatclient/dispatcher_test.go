package seatclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"
)

const testTimeout = 2 * time.Second

func observedLogger() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.New(zap.New(core)), logs
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for value")
		var zero T
		return zero
	}
}

func frame(t *testing.T, u shared.SeatUpdate) []byte {
	t.Helper()
	data, err := json.Marshal(u)
	require.NoError(t, err)
	return data
}

func startDispatcher(t *testing.T, hooks Hooks) (*Dispatcher, *observer.ObservedLogs) {
	t.Helper()
	l, logs := observedLogger()
	d := NewDispatcher(context.Background(), 10, hooks, l)
	t.Cleanup(d.Stop)
	return d, logs
}

func TestDispatcher_AppliesInArrivalOrder(t *testing.T) {
	d, _ := startDispatcher(t, Hooks{})

	require.True(t, d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{101, 102}))))
	require.True(t, d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusReleased, 10, 1, []int64{101}))))
	require.True(t, d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 2, []int64{200}))))

	v, err := d.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{102, 200}, v.Held())
	assert.Equal(t, map[int64][]int64{1: {102}, 2: {200}}, v.ByUser())
}

func TestDispatcher_ExpiredCallsHookOnce(t *testing.T) {
	type call struct{ userID, showtimeID int64 }
	calls := make(chan call, 4)
	d, _ := startDispatcher(t, Hooks{
		OnExpired: func(userID, showtimeID int64) { calls <- call{userID, showtimeID} },
	})

	// The hook fires even when nothing is held locally.
	d.Deliver(frame(t, shared.SeatUpdate{Status: shared.StatusExpired, UserID: 3, ShowtimeID: 10}))
	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 4, []int64{7})))
	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusExpired, 10, 4, []int64{7})))

	v, err := d.View(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v.Held())

	assert.Equal(t, call{3, 10}, recv(t, calls))
	assert.Equal(t, call{4, 10}, recv(t, calls))
	assert.Len(t, calls, 0)
}

func TestDispatcher_FailedIsNotificationOnly(t *testing.T) {
	failed := make(chan shared.SeatUpdate, 1)
	changes := make(chan View, 4)
	d, logs := startDispatcher(t, Hooks{
		OnFailed: func(u shared.SeatUpdate) { failed <- u },
		OnChange: func(v View) { changes <- v },
	})

	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{1})))
	recv(t, changes)

	update := shared.NewSeatUpdate(shared.StatusFailed, 10, 2, []int64{1})
	update.Reason = "ticket 1 is held by another user"
	d.Deliver(frame(t, update))

	got := recv(t, failed)
	assert.Equal(t, update, got)

	v, err := d.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, v.Held())
	assert.Equal(t, []int64{1}, v.TicketsOf(1))
	assert.Len(t, changes, 0)

	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("seat action failed").Len())
}

func TestDispatcher_DropsMalformedFrames(t *testing.T) {
	d, logs := startDispatcher(t, Hooks{})

	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{"status":"BOOKED","userId":1,"showtimeId":10,"seats":[]}`),
		[]byte(`{"status":"HELD","showtimeId":10,"seats":[{"ticketId":1}]}`),
		[]byte(`{"status":"HELD","userId":1,"showtimeId":11,"seats":[{"ticketId":1}]}`),
		[]byte(`{"status":"HELD","userId":1,"showtimeId":10,"seats":[{"ticketId":-1}]}`),
	}
	for _, f := range frames {
		require.True(t, d.Deliver(f))
	}
	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{5})))

	v, err := d.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, v.Held())
	assert.Equal(t, len(frames), logs.FilterMessageSnippet("dropping frame").Len())
}

func TestDispatcher_PanickingHookIsContained(t *testing.T) {
	d, logs := startDispatcher(t, Hooks{
		OnChange: func(View) { panic("boom") },
	})

	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{5})))
	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{6})))

	v, err := d.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, v.Held())
	assert.Equal(t, 2, logs.FilterMessageSnippet("hook panicked").Len())
}

func TestDispatcher_StopFromHook(t *testing.T) {
	var d *Dispatcher
	stopped := make(chan struct{})
	d, _ = startDispatcher(t, Hooks{
		OnExpired: func(int64, int64) {
			d.Stop()
			close(stopped)
		},
	})

	d.Deliver(frame(t, shared.SeatUpdate{Status: shared.StatusExpired, UserID: 1, ShowtimeID: 10}))
	recv(t, stopped)
	recv(t, d.Done())

	assert.False(t, d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{1}))))
	_, err := d.View(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_NoHooksAfterStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		var (
			mu        sync.Mutex
			stopped   bool
			lateCalls int
		)
		entered := make(chan struct{})
		unblock := make(chan struct{})
		first := true
		afterStop := func() {
			mu.Lock()
			defer mu.Unlock()
			if stopped {
				lateCalls++
			}
		}

		d, _ := startDispatcher(t, Hooks{
			OnChange: func(View) {
				if first {
					first = false
					close(entered)
					<-unblock
					return
				}
				afterStop()
			},
			OnExpired: func(int64, int64) { afterStop() },
		})

		require.True(t, d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{1}))))
		recv(t, entered)
		for i := int64(2); i <= 21; i++ {
			require.True(t, d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{i}))))
		}
		require.True(t, d.Deliver(frame(t, shared.SeatUpdate{Status: shared.StatusExpired, UserID: 1, ShowtimeID: 10})))

		mu.Lock()
		stopped = true
		mu.Unlock()
		d.Stop()
		close(unblock)
		recv(t, d.Done())

		mu.Lock()
		assert.Zero(t, lateCalls, "hooks fired after Stop")
		mu.Unlock()
	}
}

func TestDispatcher_Reset(t *testing.T) {
	d, _ := startDispatcher(t, Hooks{})
	d.Deliver(frame(t, shared.NewSeatUpdate(shared.StatusHeld, 10, 1, []int64{5})))
	d.Reset()

	v, err := d.View(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v.Held())
}
