package hostproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Conn frames messages over a byte stream. It is not safe for concurrent
// use; the protocol is strictly request/response, one exchange at a time.
type Conn struct {
	rw      io.ReadWriter
	onDebug func(string)
}

// NewConn wraps a byte stream.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// SetDebugSink registers fn to receive the body of Debug frames the peer
// interleaves while this side awaits an ACK.
func (c *Conn) SetDebugSink(fn func(string)) *Conn {
	c.onDebug = fn
	return c
}

// ReadMessage reads the next frame, running the receive-side ACK
// exchange: header ACKed before the body flows, every chunk ACKed after
// it lands. Ack and Debug frames are exempt.
func (c *Conn) ReadMessage() (Message, error) {
	op, length, err := c.readHeader()
	if err != nil {
		return Message{}, err
	}
	body, err := c.readBody(op, length)
	if err != nil {
		return Message{}, err
	}
	return Message{Opcode: op, Body: body}, nil
}

// ReadReply reads frames until something other than a Debug frame
// arrives, feeding debug bodies to the sink. An Error frame surfaces as
// a *PeerError.
func (c *Conn) ReadReply() (Message, error) {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		switch msg.Opcode {
		case OpDebug:
			if c.onDebug != nil {
				c.onDebug(string(msg.Body))
			}
		case OpError:
			return Message{}, &PeerError{Detail: string(msg.Body)}
		default:
			return msg, nil
		}
	}
}

// WriteMessage sends m, awaiting the peer's ACK after the header and
// after every chunk unless the opcode is exempt.
func (c *Conn) WriteMessage(m Message) error {
	if !m.Opcode.valid() {
		return fmt.Errorf("invalid opcode 0x%02x", byte(m.Opcode))
	}
	if len(m.Body) > MaxBodySize {
		return fmt.Errorf("body of %d bytes exceeds the %d byte frame limit", len(m.Body), MaxBodySize)
	}

	var hdr [4]byte
	hdr[0] = Magic
	hdr[1] = byte(m.Opcode)
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(m.Body)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if !m.Opcode.acked() {
		if len(m.Body) == 0 {
			return nil
		}
		if _, err := c.rw.Write(m.Body); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
		return nil
	}

	if err := c.awaitAck(); err != nil {
		return err
	}
	for off := 0; off < len(m.Body); off += ChunkSize {
		end := min(off+ChunkSize, len(m.Body))
		if _, err := c.rw.Write(m.Body[off:end]); err != nil {
			return fmt.Errorf("writing body chunk: %w", err)
		}
		if err := c.awaitAck(); err != nil {
			return err
		}
	}
	return nil
}

// Debug sends a debug frame, truncating text to MaxBodySize. Debug
// frames are fire-and-forget.
func (c *Conn) Debug(text string) error {
	if len(text) > MaxBodySize {
		text = text[:MaxBodySize]
	}
	return c.WriteMessage(Message{Opcode: OpDebug, Body: []byte(text)})
}

// Error sends an error frame carrying detail, truncated to MaxBodySize.
func (c *Conn) Error(detail string) error {
	if len(detail) > MaxBodySize {
		detail = detail[:MaxBodySize]
	}
	return c.WriteMessage(Message{Opcode: OpError, Body: []byte(detail)})
}

func (c *Conn) readHeader() (Opcode, int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:1]); err != nil {
		return 0, 0, fmt.Errorf("reading frame magic: %w", err)
	}
	if hdr[0] != Magic {
		return 0, 0, fmt.Errorf("bad frame magic 0x%02x", hdr[0])
	}
	if _, err := io.ReadFull(c.rw, hdr[1:]); err != nil {
		return 0, 0, fmt.Errorf("reading frame header: %w", err)
	}
	op := Opcode(hdr[1])
	if !op.valid() {
		return 0, 0, fmt.Errorf("unknown opcode 0x%02x", hdr[1])
	}
	length := int(binary.LittleEndian.Uint16(hdr[2:]))
	if length > MaxBodySize {
		return 0, 0, fmt.Errorf("announced body of %d bytes exceeds the %d byte frame limit", length, MaxBodySize)
	}
	return op, length, nil
}

func (c *Conn) readBody(op Opcode, length int) ([]byte, error) {
	body := make([]byte, length)
	if !op.acked() {
		if _, err := io.ReadFull(c.rw, body); err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		return body, nil
	}
	if err := c.writeAck(); err != nil {
		return nil, err
	}
	for off := 0; off < length; off += ChunkSize {
		end := min(off+ChunkSize, length)
		if _, err := io.ReadFull(c.rw, body[off:end]); err != nil {
			return nil, fmt.Errorf("reading body chunk: %w", err)
		}
		if err := c.writeAck(); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (c *Conn) writeAck() error {
	hdr := [4]byte{Magic, byte(OpAck), 0, 0}
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing ack: %w", err)
	}
	return nil
}

// awaitAck consumes frames until an ACK arrives. Debug frames received
// meanwhile go to the debug sink; an Error frame aborts the exchange with
// a PeerError.
func (c *Conn) awaitAck() error {
	for {
		op, length, err := c.readHeader()
		if err != nil {
			return err
		}
		switch op {
		case OpAck:
			return nil
		case OpDebug, OpError:
			body, err := c.readBody(op, length)
			if err != nil {
				return err
			}
			if op == OpDebug {
				if c.onDebug != nil {
					c.onDebug(string(body))
				}
				continue
			}
			return &PeerError{Detail: string(body)}
		default:
			return fmt.Errorf("awaiting ack, peer sent %s frame", op)
		}
	}
}
