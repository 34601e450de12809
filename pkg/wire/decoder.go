package wire

import (
	"encoding/binary"
	"fmt"
)

// Decoder turns a fragmented byte stream into control messages. Feed
// buffers incoming bytes; Next consumes and decodes one complete frame
// at a time. A single network read may carry zero, one, or many
// complete frames plus a trailing partial one; Next hands them out in
// arrival order and leaves the partial tail buffered.
//
// Validation happens per pulled frame, never on idle buffered bytes. A
// consumer that stops pulling after its final control frame (the
// protocol switch) leaves everything past that frame untouched, and
// Buffered returns it verbatim — even when the residue happens to look
// like a frame itself.
//
// Decoder is not safe for concurrent use. After Next returns an error
// the stream position is no longer trustworthy and the decoder must not
// be used further.
type Decoder struct {
	buf          []byte
	maxFrameSize uint32
}

// NewDecoder creates a decoder with the default maximum frame size.
func NewDecoder() *Decoder {
	return &Decoder{maxFrameSize: DefaultMaxFrameSize}
}

// NewDecoderWithMaxSize creates a decoder with a custom maximum frame size.
func NewDecoderWithMaxSize(maxSize uint32) *Decoder {
	return &Decoder{maxFrameSize: maxSize}
}

// Feed appends data to the internal buffer. It performs no decoding;
// call Next to drain the complete frames the buffer now holds.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next decodes and consumes the next complete frame. It returns
// (nil, nil) when the buffer does not yet hold a complete frame.
func (d *Decoder) Next() (*Message, error) {
	if len(d.buf) < lengthPrefixSize {
		return nil, nil
	}
	length := binary.LittleEndian.Uint32(d.buf[:lengthPrefixSize])
	if length < HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrInvalidLength, length, HeaderSize)
	}
	if length > d.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrameSize)
	}
	if uint32(len(d.buf)) < length {
		// Partial frame; wait for more bytes.
		return nil, nil
	}

	hdr, err := parseHeader(d.buf[:HeaderSize])
	if err != nil {
		return nil, err
	}
	msg, err := DecodePayload(d.buf[HeaderSize:hdr.Length])
	if err != nil {
		return nil, err
	}
	d.buf = d.buf[hdr.Length:]
	return msg, nil
}

// Buffered returns a copy of the bytes not yet consumed by a pulled
// frame. Used during protocol switching to hand the residue past the
// final control frame to the passthrough handler.
func (d *Decoder) Buffered() []byte {
	if len(d.buf) == 0 {
		return nil
	}
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}
