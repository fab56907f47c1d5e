// Package protocol defines the message format shared by both ends of a link.
package protocol

import "fmt"

// Type identifies what a message carries.
type Type uint8

// Message type codes as they appear on the wire.
const (
	TypeNormal          Type = 0 // application payload
	TypeClientHandshake Type = 1 // client identity, payload is the channel name
	TypeServerHandshake Type = 2 // server identity, payload is the channel name
	TypeHeartbeat       Type = 3 // keepalive, empty payload
	TypeAck             Type = 4 // acknowledgement, see AckPayload
)

// MaxMessageLength bounds the payload of a single message. Both ends must agree on it.
const MaxMessageLength = 512

// Header sizes.
//
//	datagram: Type(1) + ID(4)
//	frame:    Length(2) + Type(1) + ID(4)
const (
	DatagramHeaderSize = 5
	FrameHeaderSize    = 7
)

// Message is one decoded unit of traffic on a link.
type Message struct {
	Type    Type
	ID      uint32 // sender's sequence number
	Payload []byte
}

// Valid reports whether t is a known type code.
func (t Type) Valid() bool {
	return t <= TypeAck
}

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeClientHandshake:
		return "client-handshake"
	case TypeServerHandshake:
		return "server-handshake"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// IsHandshake reports whether t is one of the two handshake types.
func (t Type) IsHandshake() bool {
	return t == TypeClientHandshake || t == TypeServerHandshake
}

// Truncate cuts payload down to MaxMessageLength. Longer payloads are not an
// error; the excess is dropped.
func Truncate(payload []byte) []byte {
	if len(payload) > MaxMessageLength {
		return payload[:MaxMessageLength]
	}
	return payload
}
