package vsock

// VsockEventType classifies what happened on a connection, mirroring the
// op codes the wire protocol distinguishes.
type VsockEventType int

const (
	EventConnectionRequest VsockEventType = iota
	EventConnected
	EventDisconnected
	EventReceived
	EventCreditUpdate
	EventCreditRequest
)

func (t VsockEventType) String() string {
	switch t {
	case EventConnectionRequest:
		return "ConnectionRequest"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventReceived:
		return "Received"
	case EventCreditUpdate:
		return "CreditUpdate"
	case EventCreditRequest:
		return "CreditRequest"
	default:
		return "Unknown"
	}
}

// DisconnectReason distinguishes a peer-initiated graceful close from an
// abrupt reset.
type DisconnectReason int

const (
	DisconnectReset DisconnectReason = iota
	DisconnectShutdown
)

// BufferStatus snapshots a connection's RX ring occupancy at the moment an
// event was generated. Only Received events fill it in; for every other
// event type it is the zero value.
type BufferStatus struct {
	BytesAvailable uint32
	Capacity       uint32
}

// VsockEvent is one unit of output from ConnectionManager.Poll /
// DeviceConnectionManager.Poll.
type VsockEvent struct {
	Source      VsockAddr
	Destination VsockAddr
	Type        VsockEventType

	// Reason is meaningful only when Type == EventDisconnected.
	Reason DisconnectReason
	// Length is meaningful only when Type == EventReceived.
	Length uint32
	Buffer BufferStatus
}
