package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbmux-protocol/usbmux-go/pkg/log"
	"github.com/usbmux-protocol/usbmux-go/pkg/transport"
	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// connector drives the Connect handshake on a fresh transport
// connection. It decodes control frames until the Result arrives, then
// pauses the connection so the passthrough handler can be switched in
// without losing a byte. The completion slot resolves exactly once.
type connector struct {
	conn     *transport.Conn
	logger   log.Logger
	deviceID int
	port     uint16

	dec      *wire.Decoder
	once     sync.Once
	resultCh chan error

	// leftover holds decoder residue captured when the Result arrived.
	// Valid only after resultCh delivered nil.
	leftover []byte
}

// newConnector creates the handshake handler for one Connect request.
func newConnector(conn *transport.Conn, logger log.Logger, deviceID int, port uint16) *connector {
	return &connector{
		conn:     conn,
		logger:   logger,
		deviceID: deviceID,
		port:     port,
		dec:      wire.NewDecoder(),
		resultCh: make(chan error, 1),
	}
}

// resolve completes the handshake slot. At most one resolution wins.
func (c *connector) resolve(err error) {
	c.once.Do(func() {
		c.resultCh <- err
	})
}

// HandleData feeds incoming bytes to the frame decoder and reacts to
// Result messages. Once the Result arrives no further frame is pulled,
// so bytes past it stay in the decoder as tunnel residue.
func (c *connector) HandleData(data []byte) {
	c.dec.Feed(data)
	for {
		msg, err := c.dec.Next()
		if err != nil {
			// Malformed frame: the connection cannot be trusted further.
			c.resolve(fmt.Errorf("connect handshake: %w", err))
			c.conn.Close()
			return
		}
		if msg == nil {
			return
		}
		c.logMessage(msg)
		if msg.MessageType != wire.MessageTypeResult {
			continue
		}
		if msg.Number == wire.ResultOK {
			// Stop reading before any tunnel bytes can arrive; the
			// switch to the passthrough handler resumes delivery.
			c.conn.PauseReading()
			c.leftover = c.dec.Buffered()
			c.resolve(nil)
			return
		}
		c.resolve(resultError(msg.Number, c.deviceID, c.port))
		return
	}
}

// HandleEOF is a no-op; HandleClosed follows and resolves the slot.
func (c *connector) HandleEOF() {}

// HandleClosed propagates a transport loss to the pending request.
func (c *connector) HandleClosed(err error) {
	if err == nil {
		err = fmt.Errorf("%w: connection closed before result", ErrConnectionFailed)
	}
	c.resolve(err)
}

// logMessage emits a wire-layer event for a decoded handshake message.
func (c *connector) logMessage(msg *wire.Message) {
	number := msg.Number
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.conn.ID(),
		Direction:    log.DirectionIn,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		DeviceID:     c.deviceID,
		Message: &log.MessageEvent{
			Type:   msg.MessageType,
			Number: &number,
		},
	})
}

// Compile-time interface satisfaction check.
var _ transport.Handler = (*connector)(nil)
