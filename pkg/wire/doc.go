// Package wire implements the usbmuxd control protocol wire format.
//
// Every control message is carried in a frame:
//
//	┌──────────────────────────────────┐
//	│  uint32 length (incl. header)    │
//	├──────────────────────────────────┤
//	│  uint32 protocol version (= 1)   │
//	├──────────────────────────────────┤
//	│  uint32 request type (= 8)       │
//	├──────────────────────────────────┤
//	│  uint32 message tag (= 1)        │
//	├──────────────────────────────────┤
//	│  XML property list payload       │
//	│  (length - 16 bytes)             │
//	└──────────────────────────────────┘
//
// All header fields are little-endian. The payload is an XML property
// list dictionary that always contains a MessageType key. A frame is not
// complete until length bytes have been buffered; the streaming Decoder
// tolerates arbitrary fragmentation of the byte stream.
//
// The port number in Connect requests is transmitted in network byte
// order inside the property list, a quirk inherited from the daemon.
package wire
