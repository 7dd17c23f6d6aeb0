// Package component implements the peripheral component runtime: a
// servant for the controller's bus requests (scan, boot, attest, secure
// frames) around the component-side post-boot extension point.
package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/postboot"
)

// bootLED is the status LED index lit once the component boots.
const bootLED = 0

const secureInboxDepth = 16

// AttestationData holds the provisioning-time attestation fields.
type AttestationData struct {
	Location string `cbor:"location" yaml:"location"`
	Date     string `cbor:"date" yaml:"date"`
	Customer string `cbor:"customer" yaml:"customer"`
}

// Render formats the fields as the attestation output lines.
func (d AttestationData) Render() []byte {
	return []byte(fmt.Sprintf("LOC>%s\nDATE>%s\nCUST>%s\n", d.Location, d.Date, d.Customer))
}

// Config assembles a component runtime.
type Config struct {
	// ID is the component's provisioned identity. Required.
	ID interfaces.ComponentID
	// BootMessage is reported to the controller when the component boots.
	BootMessage string
	// Attestation holds the provisioned attestation fields.
	Attestation AttestationData
	// Endpoint is the component's attachment on the shared bus. Required.
	Endpoint *bus.Endpoint
	// LED is the board LED facade. Nil means no-op.
	LED interfaces.LED
	Log *slog.Logger
	// Sleep implements the post-boot Env.Delay. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// Runtime is a single peripheral component. It doubles as the component's
// secure channel: Send always goes to the bus controller and Receive
// yields the secure frames the controller delivered, so the addr argument
// is ignored on both.
type Runtime struct {
	id      interfaces.ComponentID
	bootMsg string
	attest  AttestationData
	ep      *bus.Endpoint
	led     interfaces.LED
	log     *slog.Logger
	booted  atomic.Bool
	secure  chan []byte
	runtime *postboot.ComponentRuntime
}

var _ interfaces.SecureChannel = (*Runtime)(nil)

// New validates cfg and builds the runtime, including its post-boot slot.
func New(cfg Config) (*Runtime, error) {
	if cfg.ID == 0 {
		return nil, errors.New("component ID is required")
	}
	if cfg.Endpoint == nil {
		return nil, errors.New("bus endpoint is required")
	}
	r := &Runtime{
		id:      cfg.ID,
		bootMsg: cfg.BootMessage,
		attest:  cfg.Attestation,
		ep:      cfg.Endpoint,
		led:     cfg.LED,
		log:     cfg.Log,
		secure:  make(chan []byte, secureInboxDepth),
	}
	if r.led == nil {
		r.led = interfaces.NopLED{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.runtime = postboot.NewComponentRuntime(postboot.ComponentConfig{
		Channel: r,
		LED:     r.led,
		Log:     r.log,
		Sleep:   cfg.Sleep,
	})
	return r, nil
}

// ID returns the component's provisioned identity.
func (r *Runtime) ID() interfaces.ComponentID { return r.id }

// AttestationData returns the provisioned attestation fields.
func (r *Runtime) AttestationData() AttestationData { return r.attest }

// SetHook registers the component's post-boot callback.
func (r *Runtime) SetHook(h postboot.Hook) { r.runtime.SetHook(h) }

// Booted reports whether the component has booted.
func (r *Runtime) Booted() bool { return r.booted.Load() }

// Boot marks the component booted, lights the boot LED and runs the
// registered post-boot hook. Calls after the first are no-ops.
func (r *Runtime) Boot() {
	if !r.booted.CompareAndSwap(false, true) {
		return
	}
	r.led.On(bootLED)
	r.log.Info("component booted", "id", r.id.String())
	r.runtime.PostBoot()
}

// Serve answers controller requests until ctx ends or the bus closes.
// Boot commands are acknowledged before the boot itself runs, and the
// hook runs on its own goroutine, so the bus stays served while a hook
// owns the component.
func (r *Runtime) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := r.ep.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrBusClosed) {
				return nil
			}
			return fmt.Errorf("reading bus request: %w", err)
		}

		switch msg.Kind {
		case bus.KindScanProbe:
			err = r.ep.WriteMessage(ctx, bus.Message{Kind: bus.KindScanReply, ComponentID: r.id})
		case bus.KindBootCommand:
			err = r.ep.WriteMessage(ctx, bus.Message{Kind: bus.KindBootReply, ComponentID: r.id, Text: r.bootMsg})
			if err == nil {
				go r.Boot()
			}
		case bus.KindAttestRequest:
			err = r.ep.WriteMessage(ctx, bus.Message{Kind: bus.KindAttestReply, ComponentID: r.id, Payload: r.attest.Render()})
		case bus.KindSecure:
			select {
			case r.secure <- msg.Payload:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			r.log.Warn("unhandled bus request", "kind", fmt.Sprintf("0x%02x", uint8(msg.Kind)))
		}
		if err != nil {
			if errors.Is(err, bus.ErrBusClosed) {
				return nil
			}
			return fmt.Errorf("answering bus request: %w", err)
		}
	}
}

// Send implements interfaces.SecureChannel toward the bus controller.
func (r *Runtime) Send(ctx context.Context, _ interfaces.BusAddr, payload []byte) error {
	if len(payload) > interfaces.MaxSecureMessageSize {
		return fmt.Errorf("%w: %d bytes", interfaces.ErrMessageTooLarge, len(payload))
	}
	return r.ep.WriteMessage(ctx, bus.Message{Kind: bus.KindSecure, Payload: payload})
}

// Receive implements interfaces.SecureChannel: it blocks until the
// controller delivers a secure frame.
func (r *Runtime) Receive(ctx context.Context, _ interfaces.BusAddr) ([]byte, error) {
	select {
	case payload := <-r.secure:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
