package postboot

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

type recordingChannel struct {
	sent [][]byte
}

func (c *recordingChannel) Send(_ context.Context, _ interfaces.BusAddr, payload []byte) error {
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *recordingChannel) Receive(_ context.Context, _ interfaces.BusAddr) ([]byte, error) {
	return nil, interfaces.ErrPeerUnreachable
}

type staticIDs []interfaces.ComponentID

func (s staticIDs) GetProvisionedIDs(context.Context) ([]interfaces.ComponentID, error) {
	return s, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostBootDefaultIsNoop(t *testing.T) {
	led := &interfaces.RecordingLED{}
	ch := &recordingChannel{}
	ap := NewAPRuntime(APConfig{Channel: ch, IDs: staticIDs{0x10000024}, LED: led, Log: testLogger()})

	ap.PostBoot()
	ap.PostBoot()

	assert.Empty(t, led.Events(), "no hook registered, the LED must stay untouched")
	assert.Empty(t, ch.sent, "no hook registered, nothing may be sent")
}

func TestPostBootRunsHookOncePerCall(t *testing.T) {
	ap := NewAPRuntime(APConfig{Log: testLogger()})

	calls := 0
	ap.SetHook(func(Env) { calls++ })

	ap.PostBoot()
	assert.Equal(t, 1, calls)
	ap.PostBoot()
	assert.Equal(t, 2, calls, "each PostBoot call runs the hook exactly once")
}

func TestSetHookReplaces(t *testing.T) {
	comp := NewComponentRuntime(ComponentConfig{Log: testLogger()})

	var ran []string
	comp.SetHook(func(Env) { ran = append(ran, "first") })
	comp.SetHook(func(Env) { ran = append(ran, "second") })

	comp.PostBoot()
	assert.Equal(t, []string{"second"}, ran, "only the latest registration runs")
}

func TestSetHookNilResets(t *testing.T) {
	ap := NewAPRuntime(APConfig{Log: testLogger()})

	calls := 0
	ap.SetHook(func(Env) { calls++ })
	ap.PostBoot()
	require.Equal(t, 1, calls)

	ap.SetHook(nil)
	ap.PostBoot()
	assert.Equal(t, 1, calls, "nil registration resets the runtime to a no-op")
}

func TestAPEnvWiring(t *testing.T) {
	led := &interfaces.RecordingLED{}
	ch := &recordingChannel{}
	var slept []time.Duration
	ap := NewAPRuntime(APConfig{
		Channel: ch,
		IDs:     staticIDs{0x10000024, 0x10000025},
		LED:     led,
		Log:     testLogger(),
		Sleep:   func(d time.Duration) { slept = append(slept, d) },
	})

	ap.SetHook(func(env Env) {
		ids, err := env.ProvisionedIDs(context.Background())
		require.NoError(t, err)
		require.Len(t, ids, 2)

		env.LED().On(1)
		env.Delay(500 * time.Millisecond)
		env.LED().Off(1)

		require.NoError(t, env.Channel().Send(context.Background(), ids[0].BusAddr(), []byte("ping")))
	})
	ap.PostBoot()

	assert.Equal(t, []interfaces.LEDEvent{{Op: "on", Idx: 1}, {Op: "off", Idx: 1}}, led.Events())
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, slept)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, []byte("ping"), ch.sent[0])
}

func TestComponentEnvHasNoProvisionedIDs(t *testing.T) {
	comp := NewComponentRuntime(ComponentConfig{Log: testLogger()})

	var gotErr error
	comp.SetHook(func(env Env) {
		_, gotErr = env.ProvisionedIDs(context.Background())
	})
	comp.PostBoot()

	assert.ErrorIs(t, gotErr, ErrNoProvisionedIDs)
}

func TestHookPanicPropagates(t *testing.T) {
	ap := NewAPRuntime(APConfig{Log: testLogger()})
	ap.SetHook(func(Env) { panic("hook owns the device") })

	assert.Panics(t, func() { ap.PostBoot() }, "hook panics are not recovered")
}
