package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Decoding errors. Any of them received from a peer is a protocol violation.
var (
	ErrShortMessage = errors.New("message too short")
	ErrUnknownType  = errors.New("unknown message type")
	ErrOversized    = errors.New("message exceeds maximum length")
	ErrBadLength    = errors.New("invalid frame length")
)

// EncodeDatagram serializes m into the UDP layout: type | id | payload.
// The payload is truncated to MaxMessageLength.
func EncodeDatagram(m *Message) []byte {
	payload := Truncate(m.Payload)
	buf := make([]byte, DatagramHeaderSize+len(payload))
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[1:5], m.ID)
	copy(buf[DatagramHeaderSize:], payload)
	return buf
}

// DecodeDatagram parses a whole UDP datagram.
func DecodeDatagram(data []byte) (*Message, error) {
	if len(data) < DatagramHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortMessage, len(data), DatagramHeaderSize)
	}
	if len(data)-DatagramHeaderSize > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d payload bytes", ErrOversized, len(data)-DatagramHeaderSize)
	}
	return decodeBody(data[0], data[1:5], data[DatagramHeaderSize:])
}

// EncodeFrame serializes m into the TCP layout: length | type | id | payload,
// where length covers the whole frame. The payload is truncated to MaxMessageLength.
func EncodeFrame(m *Message) []byte {
	payload := Truncate(m.Payload)
	size := FrameHeaderSize + len(payload)
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[3:7], m.ID)
	copy(buf[FrameHeaderSize:], payload)
	return buf
}

// DecodeFrame parses exactly one complete TCP frame.
func DecodeFrame(data []byte) (*Message, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortMessage, len(data), FrameHeaderSize)
	}
	size, err := frameLength(data)
	if err != nil {
		return nil, err
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrBadLength, size, len(data))
	}
	return decodeBody(data[2], data[3:7], data[FrameHeaderSize:])
}

// frameLength reads and checks the length prefix of a frame.
func frameLength(data []byte) (int, error) {
	size := int(binary.BigEndian.Uint16(data[0:2]))
	if size < FrameHeaderSize {
		return 0, fmt.Errorf("%w: %d", ErrBadLength, size)
	}
	if size > FrameHeaderSize+MaxMessageLength {
		return 0, fmt.Errorf("%w: frame of %d bytes", ErrOversized, size)
	}
	return size, nil
}

func decodeBody(typ byte, id []byte, payload []byte) (*Message, error) {
	t := Type(typ)
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	m := &Message{
		Type: t,
		ID:   binary.BigEndian.Uint32(id),
	}
	if len(payload) > 0 {
		m.Payload = make([]byte, len(payload))
		copy(m.Payload, payload)
	}
	return m, nil
}

// AckPayload encodes the id being acknowledged and how long the receiver
// held it before acknowledging: acked id (u32 BE) | hold time in ms (u32 BE).
func AckPayload(id uint32, held time.Duration) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], id)
	binary.BigEndian.PutUint32(buf[4:8], uint32(max(held.Milliseconds(), 0)))
	return buf
}

// ParseAck extracts the acknowledged id and hold time from an Ack payload.
// The hold time is optional and reads as zero when absent.
func ParseAck(payload []byte) (id uint32, held time.Duration, ok bool) {
	if len(payload) < 4 {
		return 0, 0, false
	}
	id = binary.BigEndian.Uint32(payload[0:4])
	if len(payload) >= 8 {
		held = time.Duration(binary.BigEndian.Uint32(payload[4:8])) * time.Millisecond
	}
	return id, held, true
}
