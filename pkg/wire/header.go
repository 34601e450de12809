package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing constants.
const (
	// HeaderSize is the size of the frame header in bytes, including the
	// length prefix. The length field counts the header itself.
	HeaderSize = 16

	// lengthPrefixSize is the size of the leading length field.
	lengthPrefixSize = 4

	// ProtocolVersion is the only protocol version this package speaks.
	ProtocolVersion = 1

	// requestTypePlist is the request-type tag for property-list payloads.
	// The daemon uses no other value on this channel.
	requestTypePlist = 8

	// messageTag is the fixed message tag sent with every request.
	messageTag = 1

	// DefaultMaxFrameSize is the default maximum frame size (1 MB).
	// Attached events carry full device property dictionaries but stay
	// well below this.
	DefaultMaxFrameSize = 1 << 20
)

// Framing errors.
var (
	// ErrUnsupportedVersion indicates a frame with a protocol version
	// other than 1. The connection that produced it cannot be trusted.
	ErrUnsupportedVersion = errors.New("unsupported usbmux protocol version")

	// ErrInvalidLength indicates a frame whose length field is smaller
	// than the header itself.
	ErrInvalidLength = errors.New("invalid frame length")

	// ErrFrameTooLarge indicates a frame exceeding the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Header is the fixed 16-byte frame header.
type Header struct {
	// Length is the total frame length, header included.
	Length uint32

	// Version is the protocol version (always 1).
	Version uint32

	// RequestType is the request-type tag (always 8).
	RequestType uint32

	// Tag is the message tag (always 1).
	Tag uint32
}

// PayloadSize returns the number of payload bytes declared by the header.
func (h Header) PayloadSize() int {
	return int(h.Length) - HeaderSize
}

// putHeader encodes h into buf, which must be at least HeaderSize bytes.
func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.RequestType)
	binary.LittleEndian.PutUint32(buf[12:16], h.Tag)
}

// parseHeader decodes a header from buf, which must be at least
// HeaderSize bytes. It validates the length and version fields.
func parseHeader(buf []byte) (Header, error) {
	h := Header{
		Length:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		RequestType: binary.LittleEndian.Uint32(buf[8:12]),
		Tag:         binary.LittleEndian.Uint32(buf[12:16]),
	}
	if h.Length < HeaderSize {
		return h, fmt.Errorf("%w: %d < %d", ErrInvalidLength, h.Length, HeaderSize)
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, ProtocolVersion)
	}
	return h, nil
}
