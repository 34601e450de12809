package mux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/usbmux-protocol/usbmux-go/pkg/log"
	"github.com/usbmux-protocol/usbmux-go/pkg/registry"
	"github.com/usbmux-protocol/usbmux-go/pkg/transport"
	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// Mux is a connection to the usbmuxd daemon. It owns the long-lived
// listen connection, tracks attached devices, and opens tunnels to
// device ports. Create one with Dial.
type Mux struct {
	cfg Config
	reg *registry.Registry

	conn *transport.Conn

	closeOnce sync.Once
}

// Dial connects to the daemon, performs the Listen handshake, and
// returns a ready Mux. The attached-device table is populated
// asynchronously and may still be empty when Dial returns; use
// WaitForAttach or a Watcher to synchronize with device arrival.
func Dial(ctx context.Context, cfg Config) (*Mux, error) {
	cfg = cfg.withDefaults()

	m := &Mux{
		cfg: cfg,
		reg: registry.New(),
	}

	conn, err := transport.Dial(ctx, cfg.transportConfig())
	if err != nil {
		return nil, err
	}
	m.conn = conn

	h := newListenHandler(m)
	if err := conn.Start(h); err != nil {
		conn.Close()
		return nil, err
	}

	if err := m.send(conn, wire.NewListenRequest(cfg.ClientVersion, cfg.ProgName), 0, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("listen request failed: %w", err)
	}

	select {
	case err := <-h.readyCh:
		if err != nil {
			conn.Close()
			return nil, err
		}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	return m, nil
}

// Attached returns a point-in-time snapshot of the attached devices,
// keyed by device id. The table mutates as events arrive; the snapshot
// does not.
func (m *Mux) Attached() map[int]wire.DeviceProperties {
	return m.reg.Attached()
}

// OnAttach registers an observer invoked for every device attach.
// Observers run on the listen connection's read goroutine and must not
// block.
func (m *Mux) OnAttach(fn registry.AttachFunc) {
	m.reg.OnAttach(fn)
}

// OnDetach registers an observer invoked for every device detach.
func (m *Mux) OnDetach(fn registry.DetachFunc) {
	m.reg.OnDetach(fn)
}

// Watch returns a watcher over attach/detach events. With
// includeExisting, synthetic attach events for currently attached
// devices are queued first. Close the watcher when done.
func (m *Mux) Watch(includeExisting bool) *registry.Watcher {
	return m.reg.Watch(includeExisting)
}

// WaitForAttach blocks until the next device attach and returns the
// device id. If timeout is positive and elapses first, it fails with
// registry.ErrWaitTimeout; a late attach never resolves a timed-out
// wait.
func (m *Mux) WaitForAttach(ctx context.Context, timeout time.Duration) (int, error) {
	return m.reg.WaitForAttach(ctx, timeout)
}

// WaitForSerial blocks until a device with the given serial number
// (case-insensitive) is attached and returns its device id. Devices
// already attached are checked first.
func (m *Mux) WaitForSerial(ctx context.Context, serial string, timeout time.Duration) (int, error) {
	b := newBudget(timeout)
	w := m.reg.Watch(true)
	defer w.Close()

	for {
		if b.expired() {
			return 0, fmt.Errorf("no device with serial %q: %w", serial, registry.ErrWaitTimeout)
		}
		ev, err := w.Next(ctx, b.remaining())
		if err != nil {
			if errors.Is(err, registry.ErrWaitTimeout) {
				return 0, fmt.Errorf("no device with serial %q: %w", serial, err)
			}
			return 0, err
		}
		if ev.Action != registry.ActionAttached {
			continue
		}
		if strings.EqualFold(ev.Properties.SerialNumber, serial) {
			return ev.DeviceID, nil
		}
	}
}

// ConnectToDevice opens a tunnel to a port on a specific device. The
// handshake runs on a fresh connection to the daemon; on success that
// connection is switched to passthrough mode and returned as a Stream.
//
// Device-level failures map to ErrDeviceNotConnected,
// ErrConnectionRefused, or ErrConnectionFailed and leave the Mux fully
// usable.
func (m *Mux) ConnectToDevice(ctx context.Context, deviceID int, port uint16) (*Stream, error) {
	conn, err := transport.Dial(ctx, m.cfg.transportConfig())
	if err != nil {
		return nil, err
	}

	c := newConnector(conn, m.cfg.Logger, deviceID, port)
	if err := conn.Start(c); err != nil {
		conn.Close()
		return nil, err
	}

	req := wire.NewConnectRequest(m.cfg.ClientVersion, m.cfg.ProgName, deviceID, port)
	if err := m.send(conn, req, deviceID, &port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect request failed: %w", err)
	}

	select {
	case err := <-c.resultCh:
		if err != nil {
			conn.Close()
			return nil, err
		}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	props, _ := m.reg.Properties(deviceID)
	s := newStream(conn, deviceID, port, props, c.leftover)
	conn.SwitchHandler(s)
	return s, nil
}

// DeviceFilter restricts which devices ConnectToFirstMatching will try.
// A nil or empty Include list allows all ids not excluded.
type DeviceFilter struct {
	// Include lists the only device ids that may be tried.
	Include []int

	// Exclude lists device ids that must not be tried.
	Exclude []int
}

// allows reports whether the filter permits the device id.
func (f *DeviceFilter) allows(deviceID int) bool {
	if f == nil {
		return true
	}
	for _, id := range f.Exclude {
		if id == deviceID {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, id := range f.Include {
		if id == deviceID {
			return true
		}
	}
	return false
}

// ConnectToFirstDevice opens a tunnel to the given port on the first
// device that accepts it. Currently attached devices are tried first;
// if none succeeds, newly attaching devices are tried as they appear,
// until maxWait of wall time has elapsed. Each device is tried at most
// once. A non-positive maxWait waits until ctx is done.
func (m *Mux) ConnectToFirstDevice(ctx context.Context, port uint16, maxWait time.Duration) (*Stream, error) {
	return m.ConnectToFirstMatching(ctx, port, maxWait, nil)
}

// ConnectToFirstMatching is ConnectToFirstDevice restricted to devices
// permitted by the filter.
func (m *Mux) ConnectToFirstMatching(ctx context.Context, port uint16, maxWait time.Duration, filter *DeviceFilter) (*Stream, error) {
	b := newBudget(maxWait)
	w := m.reg.Watch(true)
	defer w.Close()

	tried := make(map[int]bool)
	for {
		if b.expired() {
			break
		}
		ev, err := w.Next(ctx, b.remaining())
		if err != nil {
			if errors.Is(err, registry.ErrWaitTimeout) {
				break
			}
			return nil, err
		}
		if ev.Action != registry.ActionAttached {
			continue
		}
		if tried[ev.DeviceID] || !filter.allows(ev.DeviceID) {
			continue
		}
		tried[ev.DeviceID] = true

		s, err := m.ConnectToDevice(ctx, ev.DeviceID, port)
		if err == nil {
			return s, nil
		}
		if !IsDeviceError(err) {
			return nil, err
		}
		// Recoverable device failure; try the next one.
	}

	if len(tried) > 0 {
		return nil, fmt.Errorf("%w: tried %d device(s) on port %d", ErrNoAvailableDevices, len(tried), port)
	}
	return nil, fmt.Errorf("%w: nothing attached within %v", ErrNoAvailableDevices, maxWait)
}

// Err returns the terminal error of the listen connection, or nil while
// it is healthy.
func (m *Mux) Err() error {
	return m.reg.Err()
}

// Close shuts down the listen connection. Open streams are unaffected;
// pending waits fail with ErrMuxClosed.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.reg.Fail(ErrMuxClosed)
		err = m.conn.Close()
	})
	return err
}

// send encodes msg as a control frame, writes it, and logs the outgoing
// message event.
func (m *Mux) send(conn *transport.Conn, msg any, deviceID int, port *uint16) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return err
	}

	msgType := ""
	var devPtr *int
	switch msg.(type) {
	case wire.ListenRequest:
		msgType = wire.MessageTypeListen
	case wire.ConnectRequest:
		msgType = wire.MessageTypeConnect
		devPtr = &deviceID
	}
	m.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ID(),
		Direction:    log.DirectionOut,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		DeviceID:     deviceID,
		Message: &log.MessageEvent{
			Type:     msgType,
			DeviceID: devPtr,
			Port:     port,
		},
	})
	return nil
}
