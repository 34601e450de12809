package mux

import (
	"errors"
	"fmt"

	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// Handshake errors. The first three map directly to Result numbers and
// are recoverable; they never affect the shared listen connection.
var (
	// ErrDeviceNotConnected indicates the requested device id is not
	// currently attached (Result number 2).
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrConnectionRefused indicates the daemon refused the requested
	// port on the device (Result number 3).
	ErrConnectionRefused = errors.New("connection refused")

	// ErrConnectionFailed indicates a generic handshake failure: an
	// unexpected Result number, or the connection was lost before a
	// Result arrived.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNoAvailableDevices indicates ConnectToFirstDevice exhausted its
	// wait budget without a successful connection.
	ErrNoAvailableDevices = errors.New("no available devices")

	// ErrMuxClosed indicates the Mux has been closed.
	ErrMuxClosed = errors.New("mux closed")
)

// IsDeviceError reports whether err is a recoverable device-level
// handshake failure, as opposed to a protocol or transport fault.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceNotConnected) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrConnectionFailed)
}

// resultError maps a Result number to the corresponding handshake error,
// or nil for success.
func resultError(number, deviceID int, port uint16) error {
	switch number {
	case wire.ResultOK:
		return nil
	case wire.ResultDeviceNotConnected:
		return fmt.Errorf("%w: device %d", ErrDeviceNotConnected, deviceID)
	case wire.ResultConnectionRefused:
		return fmt.Errorf("%w: device %d port %d", ErrConnectionRefused, deviceID, port)
	default:
		return fmt.Errorf("%w: device %d result %d", ErrConnectionFailed, deviceID, number)
	}
}
