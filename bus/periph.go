package bus

import (
	"context"
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// MaxFrameSize bounds a single framed transfer on the hardware bus.
const MaxFrameSize = 1024

// I2CBus runs the addressed bus over real I²C hardware. Frames are
// length-prefixed (u16 little endian) so the controller knows how many
// bytes to clock out of a peer.
type I2CBus struct {
	name string
	bus  i2c.BusCloser
}

var _ Bus = (*I2CBus)(nil)

// OpenI2C initializes the host drivers and opens the named I²C bus. An
// empty name selects the first available bus.
func OpenI2C(name string) (*I2CBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initializing host drivers: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening i2c bus %q: %w", name, err)
	}
	return &I2CBus{name: name, bus: b}, nil
}

// WriteTo sends a length-prefixed frame to the peer at addr.
func (b *I2CBus) WriteTo(ctx context.Context, addr interfaces.BusAddr, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds bus limit %d", len(frame), MaxFrameSize)
	}
	buf := make([]byte, 2+len(frame))
	binary.LittleEndian.PutUint16(buf, uint16(len(frame)))
	copy(buf[2:], frame)
	if err := b.bus.Tx(uint16(addr), buf, nil); err != nil {
		return fmt.Errorf("i2c write to 0x%02x: %w", uint8(addr), interfaces.ErrPeerUnreachable)
	}
	return nil
}

// ReadFrom clocks a length-prefixed frame out of the peer at addr.
func (b *I2CBus) ReadFrom(ctx context.Context, addr interfaces.BusAddr) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hdr [2]byte
	if err := b.bus.Tx(uint16(addr), nil, hdr[:]); err != nil {
		return nil, fmt.Errorf("i2c read from 0x%02x: %w", uint8(addr), interfaces.ErrPeerUnreachable)
	}
	size := binary.LittleEndian.Uint16(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("peer 0x%02x announced oversized frame of %d bytes", uint8(addr), size)
	}
	frame := make([]byte, size)
	if size == 0 {
		return frame, nil
	}
	if err := b.bus.Tx(uint16(addr), nil, frame); err != nil {
		return nil, fmt.Errorf("i2c read from 0x%02x: %w", uint8(addr), interfaces.ErrPeerUnreachable)
	}
	return frame, nil
}

// Close releases the underlying bus handle.
func (b *I2CBus) Close() error {
	return b.bus.Close()
}
