package postboot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Hook is a post-boot callback. It is invoked with the environment of the
// runtime it was registered on and is expected not to return if it wants
// to own the device from that point on.
type Hook func(Env)

// ErrNoProvisionedIDs is returned by Env.ProvisionedIDs on runtimes that
// have no provisioned-ID store, i.e. the component side.
var ErrNoProvisionedIDs = errors.New("provisioned IDs are only available on the application processor")

// Env is everything a registered hook may touch.
type Env interface {
	// Channel is the secure channel to the peer side.
	Channel() interfaces.SecureChannel

	// ProvisionedIDs lists the component IDs provisioned for the running
	// deployment. Only the application processor can answer; component
	// hooks get ErrNoProvisionedIDs.
	ProvisionedIDs(ctx context.Context) ([]interfaces.ComponentID, error)

	// LED is the board status LED facade.
	LED() interfaces.LED

	// Delay blocks for the given duration.
	Delay(d time.Duration)

	// Log returns the runtime logger.
	Log() *slog.Logger
}

type env struct {
	channel interfaces.SecureChannel
	ids     interfaces.ProvisionedIDs
	led     interfaces.LED
	log     *slog.Logger
	sleep   func(time.Duration)
}

func newEnv(channel interfaces.SecureChannel, ids interfaces.ProvisionedIDs, led interfaces.LED, log *slog.Logger, sleep func(time.Duration)) env {
	if led == nil {
		led = interfaces.NopLED{}
	}
	if log == nil {
		log = slog.Default()
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return env{channel: channel, ids: ids, led: led, log: log, sleep: sleep}
}

func (e *env) Channel() interfaces.SecureChannel { return e.channel }

func (e *env) ProvisionedIDs(ctx context.Context) ([]interfaces.ComponentID, error) {
	if e.ids == nil {
		return nil, ErrNoProvisionedIDs
	}
	return e.ids.GetProvisionedIDs(ctx)
}

func (e *env) LED() interfaces.LED { return e.led }

func (e *env) Delay(d time.Duration) { e.sleep(d) }

func (e *env) Log() *slog.Logger { return e.log }

// slot holds the registered hook behind an atomic pointer. SetHook may
// race a PostBoot call; the call observes either the previous or the new
// registration, never a torn state.
type slot struct {
	hook atomic.Pointer[Hook]
}

// SetHook registers h as the post-boot hook, replacing any previous
// registration. A nil hook resets the runtime to its no-op default. The
// change takes effect on the next PostBoot call.
func (s *slot) SetHook(h Hook) {
	if h == nil {
		s.hook.Store(nil)
		return
	}
	s.hook.Store(&h)
}

func (s *slot) run(e Env) {
	if h := s.hook.Load(); h != nil {
		(*h)(e)
	}
}

// APConfig wires an application processor post-boot runtime.
type APConfig struct {
	// Channel is the secure channel hooks send and receive over.
	Channel interfaces.SecureChannel
	// IDs answers provisioned-ID queries from hooks.
	IDs interfaces.ProvisionedIDs
	// LED is the board LED facade. Nil means no-op.
	LED interfaces.LED
	// Log is the hook logger. Nil means slog.Default().
	Log *slog.Logger
	// Sleep implements Env.Delay. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// APRuntime owns the application processor's post-boot hook slot and the
// environment hooks run against.
type APRuntime struct {
	slot
	env env
}

// NewAPRuntime builds the application processor runtime. No hook is
// registered initially.
func NewAPRuntime(cfg APConfig) *APRuntime {
	return &APRuntime{env: newEnv(cfg.Channel, cfg.IDs, cfg.LED, cfg.Log, cfg.Sleep)}
}

// PostBoot is the fixed lifecycle extension point on the application
// processor, invoked once by the boot flow after every component has been
// verified. With no hook registered it returns immediately; otherwise it
// runs the registered hook exactly once.
func (r *APRuntime) PostBoot() {
	r.run(&r.env)
}

// ComponentConfig wires a peripheral component post-boot runtime.
type ComponentConfig struct {
	// Channel is the secure channel hooks send and receive over.
	Channel interfaces.SecureChannel
	// LED is the board LED facade. Nil means no-op.
	LED interfaces.LED
	// Log is the hook logger. Nil means slog.Default().
	Log *slog.Logger
	// Sleep implements Env.Delay. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// ComponentRuntime owns a peripheral component's post-boot hook slot and
// the environment hooks run against.
type ComponentRuntime struct {
	slot
	env env
}

// NewComponentRuntime builds a component runtime. No hook is registered
// initially.
func NewComponentRuntime(cfg ComponentConfig) *ComponentRuntime {
	return &ComponentRuntime{env: newEnv(cfg.Channel, nil, cfg.LED, cfg.Log, cfg.Sleep)}
}

// PostBoot is the fixed lifecycle extension point on a component, invoked
// once by the component boot path. With no hook registered it returns
// immediately; otherwise it runs the registered hook exactly once.
func (r *ComponentRuntime) PostBoot() {
	r.run(&r.env)
}
