package transport

import (
	"encoding/json"
	"fmt"
)

// PacketType distinguishes fire-and-forget traffic from acknowledged
// request/response pairs. A named int type; Valid rejects values outside
// the three defined types at run time. On the wire it is a bare JSON
// number.
type PacketType int

const (
	NoAnswer PacketType = iota
	Request
	Response
)

// Valid reports whether p is one of the three defined packet types.
func (p PacketType) Valid() bool {
	switch p {
	case NoAnswer, Request, Response:
		return true
	default:
		return false
	}
}

func (p PacketType) String() string {
	switch p {
	case NoAnswer:
		return "no_answer"
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("packet_type(%d)", int(p))
	}
}

// TransmissionStatus is the outcome delivered to a send_command callback.
type TransmissionStatus int

const (
	StatusSuccess TransmissionStatus = iota
	StatusFailure
)

func (s TransmissionStatus) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// Packet is the self-describing envelope carried in a single datagram
// payload. Params is an opaque name-to-value mapping, kept as
// json.RawMessage so the application layer decodes it into the shape
// appropriate for the method.
type Packet struct {
	PacketType     PacketType      `json:"packet_type"`
	TransmissionID int64           `json:"transmission_id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// MaxPayloadBytes is the maximum encoded datagram size.
const MaxPayloadBytes = 1024

// Encode serialises p to its wire form. Encoders must not emit additional
// fields beyond the struct tags above; json.Marshal already guarantees
// that since Packet carries no extra state.
func Encode(p Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to encode packet: %w", err)
	}
	return data, nil
}

// Decode parses a received datagram into a Packet. Unknown fields in the
// input are ignored.
func Decode(data []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("transport: failed to decode packet: %w", err)
	}
	return p, nil
}

// Validate enforces the packet invariant: any packet with packet_type !=
// no_answer carries a non-empty transmission_id.
func (p Packet) Validate() error {
	if !p.PacketType.Valid() {
		return fmt.Errorf("transport: unknown packet_type %d", int(p.PacketType))
	}
	if p.PacketType != NoAnswer && p.TransmissionID == 0 {
		return fmt.Errorf("transport: packet_type %s requires a transmission_id", p.PacketType)
	}
	return nil
}
