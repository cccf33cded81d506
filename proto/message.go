package proto

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Kind is the message type carried in the first byte of a frame body.
type Kind byte

const (
	KindData    Kind = 1 // raw serial bytes, either direction
	KindPing    Kind = 2 // heartbeat probe, 8-byte sender timestamp
	KindPong    Kind = 3 // heartbeat echo, same 8 bytes unchanged
	KindFrame   Kind = 4 // encoded camera frame, server -> client
	KindControl Kind = 5 // small JSON control documents
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindFrame:
		return "frame"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is one logical unit exchanged over the framed transport.
// Immutable once constructed.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Marshal returns the frame body: kind byte followed by the payload.
func (m Message) Marshal() []byte {
	body := make([]byte, 1+len(m.Payload))
	body[0] = byte(m.Kind)
	copy(body[1:], m.Payload)
	return body
}

// Unmarshal parses a frame body into a Message. The body must carry at
// least the kind byte; zero-length frames are a framing-layer concern
// and never reach this function.
func Unmarshal(body []byte) (Message, error) {
	if len(body) < 1 {
		return Message{}, fmt.Errorf("%w: empty message body", ErrFrameCorrupt)
	}
	k := Kind(body[0])
	switch k {
	case KindData, KindPing, KindPong, KindFrame, KindControl:
	default:
		return Message{}, fmt.Errorf("%w: unknown message kind %d", ErrFrameCorrupt, body[0])
	}
	return Message{Kind: k, Payload: body[1:]}, nil
}

// NewPing builds a PING carrying the sender's clock as an 8-byte
// big-endian UnixNano token. The receiver treats the bytes as opaque.
func NewPing(now time.Time) Message {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(now.UnixNano()))
	return Message{Kind: KindPing, Payload: payload}
}

// NewPong echoes a PING's payload unchanged.
func NewPong(ping Message) Message {
	return Message{Kind: KindPong, Payload: ping.Payload}
}

// PongLatency computes the round trip time from an echoed PONG using
// only the sender's clock.
func PongLatency(pong Message, now time.Time) (time.Duration, error) {
	if len(pong.Payload) != 8 {
		return 0, fmt.Errorf("%w: pong payload is %d bytes, want 8", ErrFrameCorrupt, len(pong.Payload))
	}
	sent := int64(binary.BigEndian.Uint64(pong.Payload))
	return time.Duration(now.UnixNano() - sent), nil
}

// ControlPayload is the JSON document carried by CONTROL messages.
type ControlPayload struct {
	Op     string `json:"op"`                // "video", "status"
	Enable bool   `json:"enable,omitempty"`  // for op=video
	Status string `json:"status,omitempty"`  // for status replies
}
