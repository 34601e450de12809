package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbmux-protocol/usbmux-go/pkg/log"
	"github.com/usbmux-protocol/usbmux-go/pkg/transport"
	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// listenHandler drives the long-lived listen connection: it acknowledges
// the Listen request and then feeds every Attached/Detached event into
// the registry, in frame order.
type listenHandler struct {
	m   *Mux
	dec *wire.Decoder

	// readyCh delivers the outcome of the Listen handshake exactly once.
	once    sync.Once
	readyCh chan error
}

func newListenHandler(m *Mux) *listenHandler {
	return &listenHandler{
		m:       m,
		dec:     wire.NewDecoder(),
		readyCh: make(chan error, 1),
	}
}

// ready completes the handshake slot. At most one resolution wins.
func (h *listenHandler) ready(err error) {
	h.once.Do(func() {
		h.readyCh <- err
	})
}

// HandleData decodes control frames and dispatches them. The listen
// connection speaks the control protocol for its whole life, so every
// buffered frame is pulled.
func (h *listenHandler) HandleData(data []byte) {
	h.dec.Feed(data)
	for {
		msg, err := h.dec.Next()
		if err != nil {
			h.fatal(fmt.Errorf("listen connection: %w", err))
			return
		}
		if msg == nil {
			return
		}
		h.logMessage(msg)
		switch msg.MessageType {
		case wire.MessageTypeResult:
			if msg.Number == wire.ResultOK {
				h.ready(nil)
			} else {
				h.ready(fmt.Errorf("%w: listen rejected with result %d", ErrConnectionFailed, msg.Number))
			}
		case wire.MessageTypeAttached:
			if msg.Properties == nil {
				continue
			}
			h.m.reg.HandleAttached(msg.Properties.DeviceID, *msg.Properties)
		case wire.MessageTypeDetached:
			h.m.reg.HandleDetached(msg.DeviceID)
		default:
			// Unknown message types are ignored; newer daemons may send
			// messages this client does not understand.
		}
	}
}

// fatal tears down the listen connection after a malformed frame: the
// event stream can no longer be trusted.
func (h *listenHandler) fatal(err error) {
	h.m.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.m.conn.ID(),
		Direction:    log.DirectionIn,
		Layer:        log.LayerWire,
		Category:     log.CategoryError,
		Error:        &log.ErrorEventData{Layer: log.LayerWire, Message: err.Error(), Context: "listen decode"},
	})
	h.ready(err)
	h.m.reg.Fail(err)
	h.m.conn.Close()
}

// HandleEOF is a no-op; HandleClosed follows with the final state.
func (h *listenHandler) HandleEOF() {}

// HandleClosed fails the handshake slot and the registry. After Close
// the registry is already marked and Fail is a no-op.
func (h *listenHandler) HandleClosed(err error) {
	if err == nil {
		err = fmt.Errorf("%w: listen connection closed", ErrConnectionFailed)
	}
	h.ready(err)
	h.m.reg.Fail(err)
}

// logMessage emits a wire-layer event for a decoded listen message.
func (h *listenHandler) logMessage(msg *wire.Message) {
	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.m.conn.ID(),
		Direction:    log.DirectionIn,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		Message:      &log.MessageEvent{Type: msg.MessageType},
	}
	switch msg.MessageType {
	case wire.MessageTypeResult:
		number := msg.Number
		ev.Message.Number = &number
	case wire.MessageTypeAttached:
		if msg.Properties != nil {
			ev.DeviceID = msg.Properties.DeviceID
			deviceID := msg.Properties.DeviceID
			ev.Message.DeviceID = &deviceID
		}
	case wire.MessageTypeDetached:
		ev.DeviceID = msg.DeviceID
		deviceID := msg.DeviceID
		ev.Message.DeviceID = &deviceID
	}
	h.m.cfg.Logger.Log(ev)
}

// Compile-time interface satisfaction check.
var _ transport.Handler = (*listenHandler)(nil)
