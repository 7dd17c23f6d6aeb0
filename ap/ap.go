// Package ap implements the operator-facing operations of the application
// processor: listing components, token-gated replacement, PIN-gated
// attestation, and boot orchestration ending in the post-boot extension
// point.
//
// Operations report through an OutputWriter using the fixed line protocol
// the fleet host tools parse. Gated operations stall for GateLockout
// before reporting any failure, so guessing secrets stays slow.
package ap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/postboot"
)

const (
	// TokenLen is the exact length of the replace token.
	TokenLen = 16
	// PINLen is the exact length of the attestation PIN.
	PINLen = 6
	// BootComponentCount is how many distinct components must be
	// provisioned for the processor to boot.
	BootComponentCount = 2
	// GateLockout is how long a failed gated operation stalls before
	// reporting.
	GateLockout = 5 * time.Second
	// DefaultVerifyTimeout bounds each component's boot verification.
	DefaultVerifyTimeout = time.Second
)

var (
	// ErrInvalidInput covers rejected gate secrets and component IDs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBootConditions is returned when the provisioning record does not
	// hold exactly BootComponentCount distinct components.
	ErrBootConditions = errors.New("invalid boot conditions")
)

// Config assembles an application processor.
type Config struct {
	// State is the provisioning record the processor operates on. Required.
	State *State
	// Store persists record mutations. Defaults to an in-memory store.
	Store StateStore
	// Bus is scanned during ListComponents. Required.
	Bus bus.Bus
	// Verifier performs the boot verification exchange. Required.
	Verifier interfaces.ComponentVerifier
	// Attestation collects component attestation data. Required.
	Attestation interfaces.AttestationSource
	// Channel and LED are handed to registered post-boot hooks.
	Channel interfaces.SecureChannel
	LED     interfaces.LED
	// Output receives the operator line protocol. Defaults to discard.
	Output OutputWriter
	Log    *slog.Logger
	// Sleep implements the failure lockout. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// VerifyTimeout bounds each VerifyComponent call. Defaults to
	// DefaultVerifyTimeout.
	VerifyTimeout time.Duration
}

// AP is the application processor's operation surface. All operations are
// serialized; a lockout stalls every other caller, like it stalls the
// single-threaded firmware it models.
type AP struct {
	mu            sync.Mutex
	state         *State
	store         StateStore
	bus           bus.Bus
	verifier      interfaces.ComponentVerifier
	attestation   interfaces.AttestationSource
	out           OutputWriter
	log           *slog.Logger
	sleep         func(time.Duration)
	verifyTimeout time.Duration
	runtime       *postboot.APRuntime
}

var _ interfaces.ProvisionedIDs = (*AP)(nil)

// New validates cfg and builds the processor, including its post-boot
// runtime.
func New(cfg Config) (*AP, error) {
	if cfg.State == nil {
		return nil, errors.New("provisioning state is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("component bus is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("component verifier is required")
	}
	if cfg.Attestation == nil {
		return nil, errors.New("attestation source is required")
	}
	a := &AP{
		state:         cfg.State.clone(),
		store:         cfg.Store,
		bus:           cfg.Bus,
		verifier:      cfg.Verifier,
		attestation:   cfg.Attestation,
		out:           cfg.Output,
		log:           cfg.Log,
		sleep:         cfg.Sleep,
		verifyTimeout: cfg.VerifyTimeout,
	}
	if a.store == nil {
		a.store = new(MemStateStore)
	}
	if a.out == nil {
		a.out = NewTextOutput(io.Discard)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.sleep == nil {
		a.sleep = time.Sleep
	}
	if a.verifyTimeout <= 0 {
		a.verifyTimeout = DefaultVerifyTimeout
	}
	a.runtime = postboot.NewAPRuntime(postboot.APConfig{
		Channel: cfg.Channel,
		IDs:     a,
		LED:     cfg.LED,
		Log:     a.log,
		Sleep:   a.sleep,
	})
	return a, nil
}

// Runtime exposes the post-boot extension point for hook registration.
func (a *AP) Runtime() *postboot.APRuntime { return a.runtime }

// GetProvisionedIDs implements interfaces.ProvisionedIDs for post-boot
// hooks.
func (a *AP) GetProvisionedIDs(ctx context.Context) ([]interfaces.ComponentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.state.ComponentIDs), nil
}

// ListComponents prints the provisioned component IDs followed by every
// component answering on the bus, then the List marker. Unreachable bus
// addresses are skipped; any other bus fault aborts the scan.
func (a *AP) ListComponents(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.state.ComponentIDs {
		a.out.Provisioned(id)
	}
	found, err := bus.Scan(ctx, a.bus)
	if err != nil {
		return fmt.Errorf("bus scan failed: %w", err)
	}
	for _, id := range found {
		a.out.Found(id)
	}
	a.out.Success("List")
	return nil
}

// Replace swaps a provisioned component for a new one. The operator token
// must match the provisioned token gate; the new ID must not already be
// provisioned and the old one must be. Any failure stalls for GateLockout.
func (a *AP) Replace(ctx context.Context, token string, newID, oldID interfaces.ComponentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.performReplace(ctx, token, newID, oldID); err != nil {
		a.sleep(GateLockout)
		return err
	}
	return nil
}

func (a *AP) performReplace(ctx context.Context, token string, newID, oldID interfaces.ComponentID) error {
	if err := a.checkGate(token, TokenLen, a.state.TokenHash, a.state.TokenSalt); err != nil {
		return err
	}
	if a.state.provisioned(newID) {
		return fmt.Errorf("%w: component %s is already provisioned", ErrInvalidInput, newID)
	}
	idx := slices.Index(a.state.ComponentIDs, oldID)
	if idx < 0 {
		return fmt.Errorf("%w: component %s is not provisioned", ErrInvalidInput, oldID)
	}
	next := a.state.clone()
	next.ComponentIDs[idx] = newID
	if err := a.store.Save(ctx, next); err != nil {
		return fmt.Errorf("could not persist component swap: %w", err)
	}
	a.state = next
	a.log.Info("component replaced", "old", oldID.String(), "new", newID.String())
	a.out.Success("Replace")
	return nil
}

// Attest prints the attestation data for a provisioned component once the
// PIN gate passes. Any failure stalls for GateLockout.
func (a *AP) Attest(ctx context.Context, pin string, id interfaces.ComponentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.performAttest(ctx, pin, id); err != nil {
		a.sleep(GateLockout)
		return err
	}
	return nil
}

func (a *AP) performAttest(ctx context.Context, pin string, id interfaces.ComponentID) error {
	if err := a.checkGate(pin, PINLen, a.state.PINHash, a.state.PINSalt); err != nil {
		return err
	}
	if !a.state.provisioned(id) {
		return fmt.Errorf("%w: component %s is not provisioned", ErrInvalidInput, id)
	}
	data, err := a.attestation.CollectAttestation(ctx, id)
	if err != nil {
		return fmt.Errorf("could not collect attestation data: %w", err)
	}
	a.out.AttestInfo(id, data)
	a.out.Success("Attest")
	return nil
}

// Boot verifies every provisioned component, reports the boot messages,
// persists the receipts and hands control to the registered post-boot
// hook. Any failure stalls for GateLockout and leaves the hook uninvoked.
func (a *AP) Boot(ctx context.Context) error {
	if err := a.attemptBoot(ctx); err != nil {
		return err
	}
	// The hook runs unlocked so it may call back into the processor.
	a.runtime.PostBoot()
	return nil
}

func (a *AP) attemptBoot(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bootComponents(ctx); err != nil {
		a.sleep(GateLockout)
		return err
	}
	return nil
}

func (a *AP) bootComponents(ctx context.Context) error {
	ids := a.state.ComponentIDs
	if len(ids) != BootComponentCount {
		return fmt.Errorf("%w: %d components provisioned, need %d", ErrBootConditions, len(ids), BootComponentCount)
	}
	if ids[0] == ids[1] {
		return fmt.Errorf("%w: provisioned components share an ID", ErrBootConditions)
	}

	receipts := make([]interfaces.BootReceipt, 0, len(ids))
	for _, id := range ids {
		receipt, err := a.verifyComponent(ctx, id)
		if err != nil {
			return err
		}
		receipts = append(receipts, receipt)
	}

	// Boot messages stay unprinted until every component verified.
	for _, r := range receipts {
		a.out.ComponentBoot(r.ID, r.BootMessage)
	}
	a.out.APBoot(a.state.BootMessage)

	next := a.state.clone()
	next.Receipts = receipts
	if err := a.store.Save(ctx, next); err != nil {
		return fmt.Errorf("could not persist boot receipts: %w", err)
	}
	a.state = next
	a.out.Success("Boot")
	return nil
}

func (a *AP) verifyComponent(ctx context.Context, id interfaces.ComponentID) (interfaces.BootReceipt, error) {
	vctx, cancel := context.WithTimeout(ctx, a.verifyTimeout)
	defer cancel()
	receipt, err := a.verifier.VerifyComponent(vctx, id)
	if err != nil {
		return interfaces.BootReceipt{}, fmt.Errorf("component %s failed boot verification: %w", id, err)
	}
	if receipt.ID != id {
		return interfaces.BootReceipt{}, fmt.Errorf("component %s answered boot verification for %s", id, receipt.ID)
	}
	return receipt, nil
}

func (a *AP) checkGate(secret string, wantLen int, digest, salt []byte) error {
	if len(secret) != wantLen {
		return fmt.Errorf("%w: gate secret must be %d characters", ErrInvalidInput, wantLen)
	}
	if !cryptoutils.VerifyGateSecret([]byte(secret), salt, digest) {
		return fmt.Errorf("%w: gate secret rejected", ErrInvalidInput)
	}
	return nil
}
