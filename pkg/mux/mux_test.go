package mux_test

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbmux-protocol/usbmux-go/internal/muxtest"
	"github.com/usbmux-protocol/usbmux-go/pkg/mux"
	"github.com/usbmux-protocol/usbmux-go/pkg/registry"
	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

func startDaemon(t *testing.T) (*muxtest.Daemon, mux.Config) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "usbmuxd.sock")
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	d := muxtest.Serve(l)
	t.Cleanup(func() { d.Close() })

	return d, mux.Config{SocketPath: socketPath}
}

func dial(t *testing.T, cfg mux.Config) *mux.Mux {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := mux.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func device(id int, serial string) wire.DeviceProperties {
	return wire.DeviceProperties{
		DeviceID:       id,
		SerialNumber:   serial,
		ConnectionType: "USB",
	}
}

func TestDialReplaysExistingDevices(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "serial-one"))
	d.AttachDevice(device(2, "serial-two"))

	m := dial(t, cfg)

	id, err := m.WaitForSerial(context.Background(), "serial-two", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	attached := m.Attached()
	assert.Len(t, attached, 2)
	assert.Equal(t, "serial-one", attached[1].SerialNumber)
}

func TestDialListenRejected(t *testing.T) {
	d, cfg := startDaemon(t)
	d.SetListenResult(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := mux.Dial(ctx, cfg)
	require.ErrorIs(t, err, mux.ErrConnectionFailed)
}

func TestDialNoDaemon(t *testing.T) {
	cfg := mux.Config{
		SocketPath:  filepath.Join(t.TempDir(), "missing.sock"),
		DialTimeout: time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := mux.Dial(ctx, cfg)
	require.Error(t, err)
}

func TestWaitForAttachLiveEvent(t *testing.T) {
	d, cfg := startDaemon(t)
	m := dial(t, cfg)

	go func() {
		time.Sleep(100 * time.Millisecond)
		d.AttachDevice(device(5, "late"))
	}()

	id, err := m.WaitForAttach(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, id)
}

func TestWaitForSerialCaseInsensitive(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(3, "ABCdef123"))
	m := dial(t, cfg)

	id, err := m.WaitForSerial(context.Background(), "abcDEF123", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, id)
}

func TestWaitForSerialTimeout(t *testing.T) {
	_, cfg := startDaemon(t)
	m := dial(t, cfg)

	_, err := m.WaitForSerial(context.Background(), "absent", 100*time.Millisecond)
	require.ErrorIs(t, err, registry.ErrWaitTimeout)
}

func TestDetachRemovesDevice(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "here"))
	m := dial(t, cfg)

	w := m.Watch(true)
	defer w.Close()

	ev, err := w.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, registry.ActionAttached, ev.Action)

	d.DetachDevice(1)

	ev, err = w.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, registry.ActionDetached, ev.Action)
	assert.Equal(t, 1, ev.DeviceID)
	assert.Empty(t, m.Attached())
}

func TestConnectEcho(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "dev"))
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Wait for the attach replay so the stream records the properties.
	_, err := m.WaitForSerial(ctx, "dev", 2*time.Second)
	require.NoError(t, err)

	stream, err := m.ConnectToDevice(ctx, 1, 62078)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, 1, stream.DeviceID())
	assert.Equal(t, uint16(62078), stream.Port())
	assert.Equal(t, "dev", stream.DeviceProperties().SerialNumber)

	payload := []byte("lockdown hello")
	_, err = stream.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(stream, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestConnectResultMapping(t *testing.T) {
	tests := []struct {
		name    string
		result  int
		wantErr error
	}{
		{"device not connected", wire.ResultDeviceNotConnected, mux.ErrDeviceNotConnected},
		{"connection refused", wire.ResultConnectionRefused, mux.ErrConnectionRefused},
		{"unknown result", 99, mux.ErrConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cfg := startDaemon(t)
			d.AttachDevice(device(1, "dev"))
			d.SetConnectResult(1, 1234, tt.result)
			m := dial(t, cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := m.ConnectToDevice(ctx, 1, 1234)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, mux.IsDeviceError(err))

			// A failed tunnel must not disturb the listen connection.
			require.NoError(t, m.Err())
		})
	}
}

func TestConnectToUnknownDevice(t *testing.T) {
	_, cfg := startDaemon(t)
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.ConnectToDevice(ctx, 99, 62078)
	require.ErrorIs(t, err, mux.ErrDeviceNotConnected)
}

// The daemon may write tunnel bytes in the same segment as the Result
// frame. They belong to the stream, not to the control decoder.
func TestConnectImmediateTunnelBytes(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "dev"))

	greeting := []byte("device says hi")
	d.SetConnectImmediate(1, 777, greeting)
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := m.ConnectToDevice(ctx, 1, 777)
	require.NoError(t, err)
	defer stream.Close()

	got := make([]byte, len(greeting))
	_, err = io.ReadFull(stream, got)
	require.NoError(t, err)
	assert.Equal(t, greeting, got)

	// The tunnel keeps working past the greeting.
	_, err = stream.Write([]byte("echo"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(buf))
}

func TestConnectToFirstSkipsRefusedDevice(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "refuses"))
	d.AttachDevice(device(2, "accepts"))
	d.SetConnectResult(1, 8080, wire.ResultConnectionRefused)
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := m.ConnectToFirstDevice(ctx, 8080, 2*time.Second)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, 2, stream.DeviceID())
}

func TestConnectToFirstWaitsForAttach(t *testing.T) {
	d, cfg := startDaemon(t)
	m := dial(t, cfg)

	go func() {
		time.Sleep(100 * time.Millisecond)
		d.AttachDevice(device(4, "late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := m.ConnectToFirstDevice(ctx, 8080, 3*time.Second)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, 4, stream.DeviceID())
}

func TestConnectToFirstNoDevices(t *testing.T) {
	_, cfg := startDaemon(t)
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.ConnectToFirstDevice(ctx, 8080, 100*time.Millisecond)
	require.ErrorIs(t, err, mux.ErrNoAvailableDevices)
}

func TestConnectToFirstMatchingFilter(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "excluded"))
	d.AttachDevice(device(2, "allowed"))
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := m.ConnectToFirstMatching(ctx, 8080, 2*time.Second, &mux.DeviceFilter{
		Exclude: []int{1},
	})
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, 2, stream.DeviceID())

	stream2, err := m.ConnectToFirstMatching(ctx, 8080, 2*time.Second, &mux.DeviceFilter{
		Include: []int{1},
	})
	require.NoError(t, err)
	defer stream2.Close()
	assert.Equal(t, 1, stream2.DeviceID())
}

func TestCloseFailsPendingWaits(t *testing.T) {
	_, cfg := startDaemon(t)
	m := dial(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := m.WaitForAttach(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, mux.ErrMuxClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait did not fail on close")
	}

	_, err := m.WaitForAttach(context.Background(), time.Hour)
	require.ErrorIs(t, err, mux.ErrMuxClosed)
}

func TestDaemonShutdownFailsRegistry(t *testing.T) {
	d, cfg := startDaemon(t)
	m := dial(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := m.WaitForAttach(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	d.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait did not fail when the daemon went away")
	}
}

func TestStreamReadAfterPeerClose(t *testing.T) {
	d, cfg := startDaemon(t)
	d.AttachDevice(device(1, "dev"))
	d.SetTunnel(1, 9000, func(conn net.Conn) {
		conn.Write([]byte("bye"))
		// Returning closes the connection.
	})
	m := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := m.ConnectToDevice(ctx, 1, 9000)
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))
}
