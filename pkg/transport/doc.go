// Package transport provides the byte-stream connection to the usbmuxd
// daemon and the read-side machinery the control protocol is built on.
//
// The daemon listens on a Unix domain socket on Unix-like platforms
// (default /var/run/usbmuxd) and on TCP 127.0.0.1:27015 on Windows; Dial
// picks the right transport for the running platform.
//
// A Conn delivers incoming bytes to a Handler from a dedicated read
// goroutine, strictly in arrival order. The read side can be paused and
// resumed, and the handler can be swapped atomically with SwitchHandler:
// while a handler runs, no new read is issued, so a handler that pauses
// the connection from inside HandleData is guaranteed that no further
// bytes are read until the connection is resumed. This is the sequencing
// that makes the control-to-passthrough protocol switch lossless.
package transport
