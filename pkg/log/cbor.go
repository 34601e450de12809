package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Capture files must be byte-for-byte reproducible so they can be
// diffed and deduplicated, hence canonical map ordering and definite
// lengths on the encode side. The decode side stays permissive so a
// reader can still consume captures written by other tools.
var (
	captureEncMode cbor.EncMode
	captureDecMode cbor.DecMode
)

func init() {
	encMode, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture encode mode: %v", err))
	}
	captureEncMode = encMode

	decMode, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture decode mode: %v", err))
	}
	captureDecMode = decMode
}

// EncodeEvent serializes one capture event. The keyasint struct tags
// keep records compact; a long session can log many thousands of them.
func EncodeEvent(event Event) ([]byte, error) {
	return captureEncMode.Marshal(event)
}

// DecodeEvent deserializes one capture event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := captureDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// newEventEncoder streams capture events to w.
func newEventEncoder(w io.Writer) *cbor.Encoder {
	return captureEncMode.NewEncoder(w)
}

// newEventDecoder streams capture events from r.
func newEventDecoder(r io.Reader) *cbor.Decoder {
	return captureDecMode.NewDecoder(r)
}
