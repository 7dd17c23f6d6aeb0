// Package bus provides the addressed message transport the application
// processor and its peripheral components exchange frames over: an
// in-memory hub for emulation and tests, an I²C adapter for real
// hardware, address scanning, and CBOR message envelopes.
package bus

import (
	"context"
	"errors"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Bus is the controller-side view of the addressed bus. Frames are opaque
// at this layer; the envelope layer in this package gives them structure.
type Bus interface {
	// WriteTo delivers a frame to the peer at addr.
	WriteTo(ctx context.Context, addr interfaces.BusAddr, frame []byte) error

	// ReadFrom blocks until the peer at addr produces a frame.
	ReadFrom(ctx context.Context, addr interfaces.BusAddr) ([]byte, error)

	Close() error
}

// WriteMessage encodes m and delivers it to addr.
func WriteMessage(ctx context.Context, b Bus, addr interfaces.BusAddr, m Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return b.WriteTo(ctx, addr, frame)
}

// ReadMessage reads and decodes the next frame from addr.
func ReadMessage(ctx context.Context, b Bus, addr interfaces.BusAddr) (Message, error) {
	frame, err := b.ReadFrom(ctx, addr)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(frame)
}
