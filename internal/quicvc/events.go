package quicvc

import "github.com/quicvc-project/quicvc/internal/verifier"

// This file models the Manager API's event surface: a stable event-kind
// enum plus a per-kind payload, delivered over a single typed channel
// rather than per-event observer objects.

// EventKind names a Manager event.
type EventKind uint8

const (
	EventConnectionEstablished EventKind = iota
	EventConnectionClosed
	EventHandshakeComplete
	EventPacketReceived
	EventLedResponse
	EventOwnershipRemovalAck
	EventDeviceDiscovered
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionEstablished:
		return "connection_established"
	case EventConnectionClosed:
		return "connection_closed"
	case EventHandshakeComplete:
		return "handshake_complete"
	case EventPacketReceived:
		return "packet_received"
	case EventLedResponse:
		return "led_response"
	case EventOwnershipRemovalAck:
		return "ownership_removal_ack"
	case EventDeviceDiscovered:
		return "device_discovered"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the payload delivered on the Manager's event channel. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind         EventKind
	DeviceID     string
	VerifiedInfo verifier.VerifiedInfo
	Reason       string
	Err          error
	LedStatus    LedStatus
	Discovery    DeviceAnnounce
	Payload      []byte
}
