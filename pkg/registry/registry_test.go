package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

func props(id int, serial string) wire.DeviceProperties {
	return wire.DeviceProperties{
		DeviceID:       id,
		SerialNumber:   serial,
		ConnectionType: "USB",
	}
}

func TestAttachDetachBookkeeping(t *testing.T) {
	r := New()

	r.HandleAttached(1, props(1, "serial-a"))
	r.HandleAttached(2, props(2, "serial-b"))

	attached := r.Attached()
	require.Len(t, attached, 2)
	assert.Equal(t, "serial-a", attached[1].SerialNumber)
	assert.Equal(t, "serial-b", attached[2].SerialNumber)

	r.HandleDetached(1)
	attached = r.Attached()
	require.Len(t, attached, 1)
	_, ok := attached[1]
	assert.False(t, ok)

	p, ok := r.Properties(2)
	require.True(t, ok)
	assert.Equal(t, "serial-b", p.SerialNumber)
}

func TestDetachUnknownDeviceTolerated(t *testing.T) {
	r := New()

	var detached []int
	r.OnDetach(func(deviceID int) {
		detached = append(detached, deviceID)
	})

	r.HandleDetached(42)
	assert.Empty(t, r.Attached())
	assert.Equal(t, []int{42}, detached)
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	r.HandleAttached(1, props(1, "a"))

	snapshot := r.Attached()
	r.HandleAttached(2, props(2, "b"))
	r.HandleDetached(1)

	require.Len(t, snapshot, 1)
	assert.Equal(t, "a", snapshot[1].SerialNumber)
}

func TestReattachReplacesProperties(t *testing.T) {
	r := New()
	r.HandleAttached(1, props(1, "old"))
	r.HandleAttached(1, props(1, "new"))

	p, ok := r.Properties(1)
	require.True(t, ok)
	assert.Equal(t, "new", p.SerialNumber)
	assert.Len(t, r.Attached(), 1)
}

func TestWaitForAttachResolvesAllPending(t *testing.T) {
	r := New()

	const waiters = 3
	results := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			id, err := r.WaitForAttach(context.Background(), 5*time.Second)
			if err != nil {
				id = -1
			}
			results <- id
		}()
	}

	// Give the waiters time to register before the attach fires.
	time.Sleep(50 * time.Millisecond)
	r.HandleAttached(7, props(7, "x"))

	for i := 0; i < waiters; i++ {
		select {
		case id := <-results:
			assert.Equal(t, 7, id)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not resolve")
		}
	}
}

func TestWaitForAttachTimeout(t *testing.T) {
	r := New()

	start := time.Now()
	_, err := r.WaitForAttach(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// A timed-out waiter must not consume a later attach; a fresh waiter
	// must.
	done := make(chan int, 1)
	go func() {
		id, _ := r.WaitForAttach(context.Background(), 5*time.Second)
		done <- id
	}()
	time.Sleep(50 * time.Millisecond)
	r.HandleAttached(9, props(9, "y"))

	select {
	case id := <-done:
		assert.Equal(t, 9, id)
	case <-time.After(2 * time.Second):
		t.Fatal("fresh waiter did not resolve")
	}
}

func TestWaitForAttachContextCancel(t *testing.T) {
	r := New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.WaitForAttach(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailIsTerminal(t *testing.T) {
	r := New()
	cause := errors.New("listen connection lost")

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitForAttach(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	r.Fail(cause)

	select {
	case err := <-done:
		require.ErrorIs(t, err, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("pending waiter did not fail")
	}

	// Subsequent waits fail immediately.
	_, err := r.WaitForAttach(context.Background(), time.Hour)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, r.Err(), cause)

	// The first failure wins.
	r.Fail(errors.New("other"))
	require.ErrorIs(t, r.Err(), cause)
}

func TestObservers(t *testing.T) {
	r := New()

	var attachedIDs []int
	var detachedIDs []int
	r.OnAttach(func(deviceID int, p wire.DeviceProperties) {
		attachedIDs = append(attachedIDs, deviceID)
	})
	r.OnDetach(func(deviceID int) {
		detachedIDs = append(detachedIDs, deviceID)
	})

	r.HandleAttached(1, props(1, "a"))
	r.HandleAttached(2, props(2, "b"))
	r.HandleDetached(1)

	assert.Equal(t, []int{1, 2}, attachedIDs)
	assert.Equal(t, []int{1}, detachedIDs)
}

func TestWatcherOrdering(t *testing.T) {
	r := New()
	w := r.Watch(false)
	defer w.Close()

	r.HandleAttached(1, props(1, "a"))
	r.HandleAttached(2, props(2, "b"))
	r.HandleDetached(1)

	want := []Event{
		{Action: ActionAttached, DeviceID: 1, Properties: props(1, "a")},
		{Action: ActionAttached, DeviceID: 2, Properties: props(2, "b")},
		{Action: ActionDetached, DeviceID: 1, Properties: props(1, "a")},
	}
	for _, expected := range want {
		ev, err := w.Next(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, expected, ev)
	}
}

func TestWatcherIncludeExisting(t *testing.T) {
	r := New()
	r.HandleAttached(1, props(1, "a"))
	r.HandleAttached(2, props(2, "b"))

	w := r.Watch(true)
	defer w.Close()

	seen := make(map[int]bool)
	for i := 0; i < 2; i++ {
		ev, err := w.Next(context.Background(), time.Second)
		require.NoError(t, err)
		require.Equal(t, ActionAttached, ev.Action)
		seen[ev.DeviceID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])

	// Live events follow the synthetic ones.
	r.HandleDetached(1)
	ev, err := w.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionDetached, ev.Action)
	assert.Equal(t, 1, ev.DeviceID)
}

func TestWatcherTimeout(t *testing.T) {
	r := New()
	w := r.Watch(false)
	defer w.Close()

	_, err := w.Next(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWatcherDrainsQueueAfterFail(t *testing.T) {
	r := New()
	w := r.Watch(false)
	defer w.Close()

	r.HandleAttached(1, props(1, "a"))
	cause := errors.New("gone")
	r.Fail(cause)

	// The queued event is still readable; then the failure surfaces.
	ev, err := w.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.DeviceID)

	_, err = w.Next(context.Background(), time.Second)
	require.ErrorIs(t, err, cause)
}

func TestWatcherClosedStopsDelivery(t *testing.T) {
	r := New()
	w := r.Watch(false)
	w.Close()

	r.HandleAttached(1, props(1, "a"))

	_, err := w.Next(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
}
