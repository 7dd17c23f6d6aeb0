package emulator

import (
	"context"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// BusVerifier is the emulation default component verifier: it commands
// the component at the ID's bus address to boot and takes the reply at
// face value. The cryptographic verification exchange of a real
// deployment is deliberately out of scope here.
type BusVerifier struct {
	Bus bus.Bus
}

var _ interfaces.ComponentVerifier = BusVerifier{}

// VerifyComponent runs the boot exchange with one component.
func (v BusVerifier) VerifyComponent(ctx context.Context, id interfaces.ComponentID) (interfaces.BootReceipt, error) {
	addr := id.BusAddr()
	if err := bus.WriteMessage(ctx, v.Bus, addr, bus.Message{Kind: bus.KindBootCommand, ComponentID: id}); err != nil {
		return interfaces.BootReceipt{}, err
	}
	reply, err := bus.ReadMessage(ctx, v.Bus, addr)
	if err != nil {
		return interfaces.BootReceipt{}, err
	}
	if reply.Kind != bus.KindBootReply {
		return interfaces.BootReceipt{}, fmt.Errorf("component at %s answered boot with kind 0x%02x", addr, uint8(reply.Kind))
	}
	return interfaces.BootReceipt{ID: reply.ComponentID, BootMessage: reply.Text}, nil
}

// BusAttestation collects attestation data by asking the component for
// its provisioned fields over the bus. Emulation default, same caveats
// as BusVerifier.
type BusAttestation struct {
	Bus bus.Bus
}

var _ interfaces.AttestationSource = BusAttestation{}

// CollectAttestation fetches the rendered attestation fields from one
// component.
func (a BusAttestation) CollectAttestation(ctx context.Context, id interfaces.ComponentID) ([]byte, error) {
	addr := id.BusAddr()
	if err := bus.WriteMessage(ctx, a.Bus, addr, bus.Message{Kind: bus.KindAttestRequest, ComponentID: id}); err != nil {
		return nil, err
	}
	reply, err := bus.ReadMessage(ctx, a.Bus, addr)
	if err != nil {
		return nil, err
	}
	if reply.Kind != bus.KindAttestReply {
		return nil, fmt.Errorf("component at %s answered attestation with kind 0x%02x", addr, uint8(reply.Kind))
	}
	return reply.Payload, nil
}
