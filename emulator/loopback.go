package emulator

import (
	"context"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Loopback is the controller-side secure channel of an emulated
// deployment: post-boot hook payloads cross the in-memory bus as plain
// secure envelopes with no authentication underneath. Emulation only; a
// real deployment brings its own channel implementation.
//
// Receive assumes the post-boot hook owns the bus, which holds once the
// processor has booted: the boot flow is over and secure envelopes are
// the only traffic left. A frame of any other kind is a wiring error and
// is returned as one.
type Loopback struct {
	bus bus.Bus
}

var _ interfaces.SecureChannel = (*Loopback)(nil)

// NewLoopback wraps the shared bus.
func NewLoopback(b bus.Bus) *Loopback {
	return &Loopback{bus: b}
}

// Send delivers a hook payload to the component at addr.
func (l *Loopback) Send(ctx context.Context, addr interfaces.BusAddr, payload []byte) error {
	if len(payload) > interfaces.MaxSecureMessageSize {
		return fmt.Errorf("%w: %d bytes", interfaces.ErrMessageTooLarge, len(payload))
	}
	return bus.WriteMessage(ctx, l.bus, addr, bus.Message{Kind: bus.KindSecure, Payload: payload})
}

// Receive blocks until the component at addr produces a secure envelope.
func (l *Loopback) Receive(ctx context.Context, addr interfaces.BusAddr) ([]byte, error) {
	msg, err := bus.ReadMessage(ctx, l.bus, addr)
	if err != nil {
		return nil, err
	}
	if msg.Kind != bus.KindSecure {
		return nil, fmt.Errorf("component at %s answered the secure channel with kind 0x%02x", addr, uint8(msg.Kind))
	}
	return msg.Payload, nil
}
