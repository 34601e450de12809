package wire

import (
	"fmt"

	"howett.net/plist"
)

// Encode serializes msg as an XML property list and prepends the frame
// header. msg is typically a ListenRequest or ConnectRequest, but any
// value that marshals to a plist dictionary with a MessageType key is
// accepted.
func Encode(msg any) ([]byte, error) {
	payload, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	frame := make([]byte, HeaderSize+len(payload))
	putHeader(frame, Header{
		Length:      uint32(HeaderSize + len(payload)),
		Version:     ProtocolVersion,
		RequestType: requestTypePlist,
		Tag:         messageTag,
	})
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodePayload deserializes a property-list payload into a Message
// envelope. Keys not covered by the envelope are ignored.
func DecodePayload(payload []byte) (*Message, error) {
	var msg Message
	if _, err := plist.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &msg, nil
}

// Unmarshal deserializes a property-list payload into v. It is the
// low-level counterpart of DecodePayload for callers that need a shape
// other than the Message envelope.
func Unmarshal(payload []byte, v any) error {
	_, err := plist.Unmarshal(payload, v)
	return err
}
