// Package mux implements the client side of the usbmuxd control
// protocol: device attach/detach tracking and TCP-like tunnels to ports
// on attached devices, multiplexed by the local daemon.
//
// Dial opens the long-lived listen connection and performs the Listen
// handshake; the returned Mux then tracks attached devices as the daemon
// reports them. Each outbound tunnel gets its own fresh connection to
// the daemon: after a successful Connect handshake that connection stops
// speaking the control protocol and becomes an opaque byte stream to the
// device port, exposed as a Stream.
//
//	m, err := mux.Dial(ctx, mux.Config{})
//	if err != nil { ... }
//	defer m.Close()
//
//	s, err := m.ConnectToFirstDevice(ctx, 5100, 2*time.Second)
//	if err != nil { ... }
//	defer s.Close()
//	// s is an io.ReadWriteCloser carrying application bytes.
//
// Device-level handshake failures (ErrDeviceNotConnected,
// ErrConnectionRefused, ErrConnectionFailed) are recoverable: the listen
// connection is unaffected and the caller may retry or pick another
// device. Protocol errors are fatal to the connection that produced
// them.
package mux
