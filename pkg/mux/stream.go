package mux

import (
	"io"
	"net"
	"sync"

	"github.com/usbmux-protocol/usbmux-go/pkg/transport"
	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// Stream is a tunnel to a port on an attached device. It is the
// passthrough handler installed after a successful Connect handshake:
// bytes written go to the device port, bytes the device sends come back
// through Read, with no framing in either direction.
//
// Reads and writes may run concurrently with each other; Read must not
// be called concurrently with Read, nor Write with Write.
type Stream struct {
	conn     *transport.Conn
	deviceID int
	port     uint16
	props    wire.DeviceProperties

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	eof     bool
	err     error
}

// newStream creates a stream over conn. leftover holds any bytes that
// were buffered by the control-frame decoder past the final Result
// frame; they are delivered first so nothing is lost across the
// protocol switch.
func newStream(conn *transport.Conn, deviceID int, port uint16, props wire.DeviceProperties, leftover []byte) *Stream {
	s := &Stream{
		conn:     conn,
		deviceID: deviceID,
		port:     port,
		props:    props,
		pending:  leftover,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// DeviceID returns the id of the device the stream is connected to.
func (s *Stream) DeviceID() int {
	return s.deviceID
}

// Port returns the device port the stream is connected to.
func (s *Stream) Port() uint16 {
	return s.port
}

// DeviceProperties returns the device's properties as recorded at
// connect time. The zero value is returned if the device was unknown to
// the registry when the stream was opened.
func (s *Stream) DeviceProperties() wire.DeviceProperties {
	return s.props
}

// LocalAddr returns the local address of the underlying connection.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the daemon's address. The device itself has no
// address at this layer.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Read returns bytes from the device. It blocks until data is
// available, the device closes the tunnel (io.EOF), or the transport
// fails.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.eof {
			return 0, io.EOF
		}
		s.cond.Wait()
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write sends bytes to the device.
func (s *Stream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Close tears down the tunnel. A blocked Read unblocks with an error.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// HandleData queues incoming bytes for Read.
func (s *Stream) HandleData(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data...)
	s.mu.Unlock()
	s.cond.Signal()
}

// HandleEOF records that the device closed the tunnel.
func (s *Stream) HandleEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// HandleClosed records the final transport state.
func (s *Stream) HandleClosed(err error) {
	s.mu.Lock()
	if err != nil {
		s.err = err
	} else {
		s.eof = true
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Compile-time interface satisfaction checks.
var (
	_ io.ReadWriteCloser = (*Stream)(nil)
	_ transport.Handler  = (*Stream)(nil)
)
