package wire

// Message types used on the control channel.
const (
	MessageTypeListen   = "Listen"
	MessageTypeConnect  = "Connect"
	MessageTypeResult   = "Result"
	MessageTypeAttached = "Attached"
	MessageTypeDetached = "Detached"
)

// Result numbers returned by the daemon in Result messages.
const (
	// ResultOK indicates the request succeeded.
	ResultOK = 0

	// ResultDeviceNotConnected indicates the requested device id is not
	// currently attached.
	ResultDeviceNotConnected = 2

	// ResultConnectionRefused indicates the device refused the requested
	// port.
	ResultConnectionRefused = 3
)

// ListenRequest subscribes the connection to attach/detach events.
type ListenRequest struct {
	MessageType         string `plist:"MessageType"`
	ClientVersionString string `plist:"ClientVersionString"`
	ProgName            string `plist:"ProgName"`
}

// NewListenRequest builds a Listen request. The client version string and
// program name are diagnostic only; the daemon echoes them in its logs.
func NewListenRequest(clientVersion, progName string) ListenRequest {
	return ListenRequest{
		MessageType:         MessageTypeListen,
		ClientVersionString: clientVersion,
		ProgName:            progName,
	}
}

// ConnectRequest asks the daemon to open a TCP connection to a port on an
// attached device. On success the connection carrying the request becomes
// an opaque tunnel to that port.
type ConnectRequest struct {
	MessageType         string `plist:"MessageType"`
	ClientVersionString string `plist:"ClientVersionString"`
	ProgName            string `plist:"ProgName"`
	DeviceID            int    `plist:"DeviceID"`

	// PortNumber is the device port in network byte order.
	PortNumber uint16 `plist:"PortNumber"`
}

// NewConnectRequest builds a Connect request for the given device and
// port. The port is given in host order and converted on the wire.
func NewConnectRequest(clientVersion, progName string, deviceID int, port uint16) ConnectRequest {
	return ConnectRequest{
		MessageType:         MessageTypeConnect,
		ClientVersionString: clientVersion,
		ProgName:            progName,
		DeviceID:            deviceID,
		PortNumber:          HostToNetworkPort(port),
	}
}

// HostToNetworkPort converts a port number between host order and the
// big-endian representation the daemon expects inside Connect payloads.
// The conversion is its own inverse.
func HostToNetworkPort(port uint16) uint16 {
	return port<<8 | port>>8
}

// DeviceProperties describes an attached device as reported by the daemon
// in Attached events. Fields beyond DeviceID are informational and may be
// absent depending on the daemon version.
type DeviceProperties struct {
	DeviceID       int    `plist:"DeviceID"`
	SerialNumber   string `plist:"SerialNumber,omitempty"`
	ConnectionType string `plist:"ConnectionType,omitempty"`
	LocationID     int    `plist:"LocationID,omitempty"`
	ProductID      int    `plist:"ProductID,omitempty"`
}

// Message is the decoded envelope of an incoming control frame. The
// daemon sends flat dictionaries; only the fields relevant to the
// announced MessageType are populated.
type Message struct {
	MessageType string `plist:"MessageType"`

	// Number is the result code of a Result message.
	Number int `plist:"Number"`

	// DeviceID identifies the device of a Detached event.
	DeviceID int `plist:"DeviceID"`

	// Properties describes the device of an Attached event.
	Properties *DeviceProperties `plist:"Properties"`
}
