package interfaces

import (
	"context"
	"errors"
)

// MaxSecureMessageSize is the largest payload a secure channel accepts,
// matching the fixed message buffer on the device side.
const MaxSecureMessageSize = 64

var (
	// ErrPeerUnreachable is returned when the addressed bus peer does not
	// respond or is not present on the bus.
	ErrPeerUnreachable = errors.New("bus peer unreachable")

	// ErrMessageTooLarge is returned when a payload exceeds
	// MaxSecureMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds secure channel limit")
)

// SecureChannel moves authenticated messages between an application
// processor and its peripheral components. Implementations own whatever
// protocol runs underneath; callers only see delivered-or-failed.
//
// Payloads are limited to MaxSecureMessageSize bytes.
type SecureChannel interface {
	// Send delivers a payload to the component at the given bus address.
	Send(ctx context.Context, addr BusAddr, payload []byte) error

	// Receive blocks until a payload arrives from the component at the
	// given bus address.
	Receive(ctx context.Context, addr BusAddr) ([]byte, error)
}

// ProvisionedIDs exposes the component IDs currently provisioned for the
// running deployment.
type ProvisionedIDs interface {
	GetProvisionedIDs(ctx context.Context) ([]ComponentID, error)
}

// LED controls the board status LEDs. Purely a facade over whatever the
// platform provides; index semantics are board-specific.
type LED interface {
	On(idx uint)
	Off(idx uint)
	Toggle(idx uint)
}

// BootReceipt is the result of a successful component boot verification.
type BootReceipt struct {
	ID          ComponentID
	BootMessage string
}

// ComponentVerifier validates that a component is the one provisioned for
// this deployment and instructs it to boot. How the verification exchange
// works is up to the implementation.
type ComponentVerifier interface {
	VerifyComponent(ctx context.Context, id ComponentID) (BootReceipt, error)
}

// AttestationSource collects attestation data from a component after the
// operator has passed the attestation gate.
type AttestationSource interface {
	CollectAttestation(ctx context.Context, id ComponentID) ([]byte, error)
}
