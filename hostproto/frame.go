// Package hostproto implements the framing protocol host tools speak to
// a device over a byte stream (UART or TCP in emulation).
//
// Every frame is a four-byte header (magic '%', opcode, u16 little-endian
// body length) followed by the body in 256-byte chunks. Both directions
// acknowledge: the receiver ACKs the header before the body flows and
// ACKs every chunk. Ack and Debug frames are exempt and never
// acknowledged, so debug output can interleave with a pending exchange.
package hostproto

import "fmt"

// Magic opens every frame header.
const Magic byte = '%'

const (
	// MaxBodySize is the largest body a frame may carry.
	MaxBodySize = 1024
	// ChunkSize is the transfer unit bodies are split into.
	ChunkSize = 256
)

// Opcode identifies the frame type.
type Opcode byte

const (
	OpDecode    Opcode = 0x44
	OpSubscribe Opcode = 0x53
	OpList      Opcode = 0x4C
	OpAck       Opcode = 0x41
	OpDebug     Opcode = 0x47
	OpError     Opcode = 0x45
)

func (o Opcode) valid() bool {
	switch o {
	case OpDecode, OpSubscribe, OpList, OpAck, OpDebug, OpError:
		return true
	}
	return false
}

// acked reports whether frames of this opcode participate in the ACK
// exchange.
func (o Opcode) acked() bool {
	return o != OpAck && o != OpDebug
}

func (o Opcode) String() string {
	switch o {
	case OpDecode:
		return "decode"
	case OpSubscribe:
		return "subscribe"
	case OpList:
		return "list"
	case OpAck:
		return "ack"
	case OpDebug:
		return "debug"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(o))
	}
}

// Message is one framed message.
type Message struct {
	Opcode Opcode
	Body   []byte
}

// PeerError is an Error frame received from the other side; Detail is the
// frame body.
type PeerError struct {
	Detail string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error: %s", e.Detail)
}
