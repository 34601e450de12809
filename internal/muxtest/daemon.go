// Package muxtest provides a scripted in-process daemon speaking the
// usbmux wire protocol over a real listener. Tests attach and detach
// devices, script Connect outcomes per device/port, and exercise the
// client end to end without a physical device.
package muxtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// resultMessage is the daemon's reply to Listen and Connect requests.
type resultMessage struct {
	MessageType string `plist:"MessageType"`
	Number      int    `plist:"Number"`
}

// attachedMessage announces a device to a listening client.
type attachedMessage struct {
	MessageType string                `plist:"MessageType"`
	DeviceID    int                   `plist:"DeviceID"`
	Properties  wire.DeviceProperties `plist:"Properties"`
}

// detachedMessage announces a device removal.
type detachedMessage struct {
	MessageType string `plist:"MessageType"`
	DeviceID    int    `plist:"DeviceID"`
}

// request is the inbound envelope; only the fields the daemon inspects.
type request struct {
	MessageType string `plist:"MessageType"`
	DeviceID    int    `plist:"DeviceID"`
	PortNumber  uint16 `plist:"PortNumber"`
}

// portKey scripts Connect behavior per device and port.
type portKey struct {
	deviceID int
	port     uint16
}

// connectScript is the scripted outcome of a Connect request.
type connectScript struct {
	result int

	// immediate is written in the same socket write as the Result frame,
	// exercising the client's protocol switch under adversarial timing.
	immediate []byte

	// tunnel handles the connection after a successful Connect. Nil
	// means echo.
	tunnel func(net.Conn)
}

// session is one accepted client connection in listen mode.
type session struct {
	conn net.Conn
	mu   sync.Mutex
}

// write sends a frame; concurrent broadcasts are serialized per session.
func (s *session) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// Daemon is the scripted daemon. Create one with Serve.
type Daemon struct {
	listener net.Listener

	mu           sync.Mutex
	devices      map[int]wire.DeviceProperties
	order        []int
	listeners    map[*session]struct{}
	connects     map[portKey]connectScript
	listenResult int
	closed       bool

	wg sync.WaitGroup
}

// Serve starts a daemon on the given listener and begins accepting
// clients. The daemon owns the listener; Close releases it.
func Serve(l net.Listener) *Daemon {
	d := &Daemon{
		listener:  l,
		devices:   make(map[int]wire.DeviceProperties),
		listeners: make(map[*session]struct{}),
		connects:  make(map[portKey]connectScript),
	}
	d.wg.Add(1)
	go d.acceptLoop()
	return d
}

// Addr returns the daemon's listen address.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// AttachDevice records a device and broadcasts an Attached event to all
// listening clients.
func (d *Daemon) AttachDevice(props wire.DeviceProperties) {
	frame := mustEncode(attachedMessage{
		MessageType: wire.MessageTypeAttached,
		DeviceID:    props.DeviceID,
		Properties:  props,
	})

	d.mu.Lock()
	if _, known := d.devices[props.DeviceID]; !known {
		d.order = append(d.order, props.DeviceID)
	}
	d.devices[props.DeviceID] = props
	sessions := d.sessionsLocked()
	d.mu.Unlock()

	for _, s := range sessions {
		s.write(frame)
	}
}

// DetachDevice removes a device and broadcasts a Detached event.
func (d *Daemon) DetachDevice(deviceID int) {
	frame := mustEncode(detachedMessage{
		MessageType: wire.MessageTypeDetached,
		DeviceID:    deviceID,
	})

	d.mu.Lock()
	delete(d.devices, deviceID)
	for i, id := range d.order {
		if id == deviceID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	sessions := d.sessionsLocked()
	d.mu.Unlock()

	for _, s := range sessions {
		s.write(frame)
	}
}

// SetConnectResult scripts the result number for Connect requests to the
// given device and port. Unscripted ports succeed when the device is
// attached and report device-not-connected otherwise.
func (d *Daemon) SetConnectResult(deviceID int, port uint16, result int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.connects[portKey{deviceID, port}]
	s.result = result
	d.connects[portKey{deviceID, port}] = s
}

// SetConnectImmediate scripts bytes the daemon writes in the same socket
// write as a successful Result frame, before any client read can
// intervene.
func (d *Daemon) SetConnectImmediate(deviceID int, port uint16, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.connects[portKey{deviceID, port}]
	s.immediate = data
	d.connects[portKey{deviceID, port}] = s
}

// SetTunnel installs a handler for the passthrough phase of a successful
// Connect to the given device and port. The default tunnel echoes.
func (d *Daemon) SetTunnel(deviceID int, port uint16, fn func(net.Conn)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.connects[portKey{deviceID, port}]
	s.tunnel = fn
	d.connects[portKey{deviceID, port}] = s
}

// SetListenResult scripts the result number returned for Listen
// requests. Zero (the default) accepts.
func (d *Daemon) SetListenResult(result int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listenResult = result
}

// Close stops accepting, closes all sessions, and waits for the
// connection goroutines to exit.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := d.sessionsLocked()
	d.mu.Unlock()

	err := d.listener.Close()
	for _, s := range sessions {
		s.conn.Close()
	}
	d.wg.Wait()
	return err
}

// sessionsLocked snapshots the listen sessions. Caller holds mu.
func (d *Daemon) sessionsLocked() []*session {
	out := make([]*session, 0, len(d.listeners))
	for s := range d.listeners {
		out = append(out, s)
	}
	return out
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn serves one client connection: control frames until a Listen
// or successful Connect decides its fate.
func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	for {
		req, err := readRequest(conn)
		if err != nil {
			return
		}

		switch req.MessageType {
		case wire.MessageTypeListen:
			d.serveListen(conn)
			return
		case wire.MessageTypeConnect:
			if d.serveConnect(conn, req) {
				return
			}
		default:
			conn.Write(mustEncode(resultMessage{
				MessageType: wire.MessageTypeResult,
				Number:      wire.ResultConnectionRefused,
			}))
		}
	}
}

// serveListen acknowledges the Listen request, replays the current
// device table, and keeps the session open for broadcasts until the
// client goes away.
func (d *Daemon) serveListen(conn net.Conn) {
	d.mu.Lock()
	result := d.listenResult
	d.mu.Unlock()

	s := &session{conn: conn}
	if err := s.write(mustEncode(resultMessage{
		MessageType: wire.MessageTypeResult,
		Number:      result,
	})); err != nil || result != wire.ResultOK {
		return
	}

	d.mu.Lock()
	replay := make([]wire.DeviceProperties, 0, len(d.order))
	for _, id := range d.order {
		replay = append(replay, d.devices[id])
	}
	d.listeners[s] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.listeners, s)
		d.mu.Unlock()
	}()

	for _, props := range replay {
		if err := s.write(mustEncode(attachedMessage{
			MessageType: wire.MessageTypeAttached,
			DeviceID:    props.DeviceID,
			Properties:  props,
		})); err != nil {
			return
		}
	}

	// A listening client sends nothing further; block until it hangs up.
	io.Copy(io.Discard, conn)
}

// serveConnect answers a Connect request. It reports whether the
// connection left control mode (success hands it to the tunnel, which
// runs until the client hangs up).
func (d *Daemon) serveConnect(conn net.Conn, req *request) bool {
	port := wire.HostToNetworkPort(req.PortNumber)

	d.mu.Lock()
	script, scripted := d.connects[portKey{req.DeviceID, port}]
	_, attached := d.devices[req.DeviceID]
	d.mu.Unlock()

	result := script.result
	if !scripted {
		if attached {
			result = wire.ResultOK
		} else {
			result = wire.ResultDeviceNotConnected
		}
	}

	reply := mustEncode(resultMessage{
		MessageType: wire.MessageTypeResult,
		Number:      result,
	})
	if result == wire.ResultOK && len(script.immediate) > 0 {
		reply = append(reply, script.immediate...)
	}
	if _, err := conn.Write(reply); err != nil {
		return true
	}
	if result != wire.ResultOK {
		return false
	}

	if script.tunnel != nil {
		script.tunnel(conn)
	} else {
		io.Copy(conn, conn)
	}
	return true
}

// readRequest reads one control frame and decodes its payload.
func readRequest(conn net.Conn) (*request, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length < wire.HeaderSize || length > wire.DefaultMaxFrameSize {
		return nil, fmt.Errorf("bad frame length %d", length)
	}
	rest := make([]byte, length-4)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}

	var req request
	if err := wire.Unmarshal(rest[wire.HeaderSize-4:], &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// mustEncode frames a message, panicking on marshal failure. All daemon
// messages are static shapes that always marshal.
func mustEncode(msg any) []byte {
	frame, err := wire.Encode(msg)
	if err != nil {
		panic(err)
	}
	return frame
}
