package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usbmux-protocol/usbmux-go/pkg/log"
)

// Connection errors.
var (
	// ErrConnClosed indicates the connection has been closed locally.
	ErrConnClosed = errors.New("connection closed")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("connection already started")
)

// readBufferSize is the size of the read buffer. Control frames are
// small; tunnel traffic benefits from larger reads.
const readBufferSize = 32 * 1024

// Handler receives bytes and lifecycle events from a Conn. All methods
// are invoked from the connection's read goroutine, never concurrently
// with each other.
type Handler interface {
	// HandleData delivers a chunk of incoming bytes. The slice is owned
	// by the handler.
	HandleData(data []byte)

	// HandleEOF signals that the peer closed its write side.
	HandleEOF()

	// HandleClosed signals that the connection is done. err is nil for a
	// locally initiated close or clean EOF, non-nil for a transport
	// failure. It is the last call the handler receives.
	HandleClosed(err error)
}

// Conn is a connection to the daemon with handler-driven delivery.
//
// Incoming bytes are read by a single goroutine and handed to the
// current Handler in arrival order. The read side can be paused; while
// paused no Read is issued against the underlying socket, so the kernel
// buffers any bytes the peer sends. SwitchHandler installs a new handler
// and resumes reading, guaranteeing that every byte is delivered to
// exactly one handler.
type Conn struct {
	nc     net.Conn
	id     string
	logger log.Logger

	mu       sync.Mutex
	handler  Handler
	paused   bool
	resumeCh chan struct{}
	started  bool

	closeOnce sync.Once
	closeCh   chan struct{}
	readDone  chan struct{}
}

// NewConn wraps an established network connection. The connection is
// unstarted; call Start with a Handler to begin delivery.
func NewConn(nc net.Conn, logger log.Logger) *Conn {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Conn{
		nc:       nc,
		id:       uuid.New().String(),
		logger:   logger,
		resumeCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// ID returns the connection's identifier, used to correlate log events.
func (c *Conn) ID() string {
	return c.id
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Start installs the initial handler and launches the read goroutine.
func (c *Conn) Start(h Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.handler = h
	c.mu.Unlock()

	c.logState("", "READING", "")
	go c.readLoop()
	return nil
}

// Write sends bytes to the daemon.
func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.closeCh:
		return 0, ErrConnClosed
	default:
	}
	return c.nc.Write(p)
}

// PauseReading suspends delivery. If called from inside HandleData, no
// further bytes are read from the socket until ResumeReading; bytes sent
// by the peer meanwhile stay in the kernel buffer.
func (c *Conn) PauseReading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
}

// ResumeReading resumes delivery after PauseReading.
func (c *Conn) ResumeReading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resume()
}

// resume wakes the read loop. Caller must hold mu.
func (c *Conn) resume() {
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

// SwitchHandler atomically replaces the current handler and resumes
// reading if paused. All subsequent bytes and lifecycle events go to h.
// Returns the previous handler.
//
// The usual sequence is: the old handler pauses the connection from
// inside HandleData once it has consumed its last bytes, then the owner
// calls SwitchHandler with the new one. Nothing can be delivered between
// the pause and the switch, so no bytes are lost or misdirected.
func (c *Conn) SwitchHandler(h Handler) Handler {
	c.mu.Lock()
	old := c.handler
	c.handler = h
	c.resume()
	c.mu.Unlock()

	c.logState("CONTROL", "PASSTHROUGH", "handler switched")
	return old
}

// Close closes the connection. The current handler receives a final
// HandleClosed(nil).
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.nc.Close()
		// Unblock a paused read loop so it can observe the close.
		c.mu.Lock()
		c.resume()
		c.mu.Unlock()
	})
	return err
}

// Done returns a channel closed once the read loop has exited and the
// final HandleClosed has been delivered.
func (c *Conn) Done() <-chan struct{} {
	return c.readDone
}

// currentHandler returns the handler under lock.
func (c *Conn) currentHandler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// readLoop reads from the socket and delivers to the current handler.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	buf := make([]byte, readBufferSize)
	for {
		// Honor a pause requested by the handler before issuing the
		// next read.
		c.mu.Lock()
		for c.paused {
			ch := c.resumeCh
			c.mu.Unlock()
			select {
			case <-ch:
			case <-c.closeCh:
				c.finish(nil)
				return
			}
			c.mu.Lock()
		}
		c.mu.Unlock()

		select {
		case <-c.closeCh:
			c.finish(nil)
			return
		default:
		}

		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.currentHandler().HandleData(data)
		}
		if err != nil {
			select {
			case <-c.closeCh:
				// Local close; the read error is a side effect.
				c.finish(nil)
				return
			default:
			}
			if err == io.EOF {
				c.currentHandler().HandleEOF()
				c.finish(nil)
				return
			}
			c.finish(err)
			return
		}
	}
}

// finish tears down the socket and delivers the final HandleClosed.
func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.nc.Close()
	})

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.logState("READING", "CLOSED", reason)

	c.currentHandler().HandleClosed(err)
}

// logState emits a connection state-change event.
func (c *Conn) logState(oldState, newState, reason string) {
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}
