package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/component"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

const exchangeID interfaces.ComponentID = 0x22220042

// startComponent attaches a served component runtime to hub and tears it
// down with the test.
func startComponent(t *testing.T, hub *bus.InMemoryBus, id interfaces.ComponentID, msg string) *component.Runtime {
	t.Helper()
	ep, err := hub.Attach(id.BusAddr())
	require.NoError(t, err)
	rt, err := component.New(component.Config{
		ID:          id,
		BootMessage: msg,
		Attestation: component.AttestationData{Location: "lab", Date: "2025-06-01", Customer: "acme"},
		Endpoint:    ep,
		Log:         testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rt
}

func TestLoopbackRoundTrip(t *testing.T) {
	hub := bus.NewInMemoryBus()
	rt := startComponent(t, hub, exchangeID, "online")
	lb := NewLoopback(hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, lb.Send(ctx, exchangeID.BusAddr(), []byte("ping")))
	got, err := rt.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, rt.Send(ctx, 0, []byte("pong")))
	got, err = lb.Receive(ctx, exchangeID.BusAddr())
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestLoopbackRejectsOversizedPayload(t *testing.T) {
	lb := NewLoopback(bus.NewInMemoryBus())
	err := lb.Send(context.Background(), 0x42, make([]byte, interfaces.MaxSecureMessageSize+1))
	require.ErrorIs(t, err, interfaces.ErrMessageTooLarge)
}

func TestLoopbackRejectsUnexpectedKind(t *testing.T) {
	hub := bus.NewInMemoryBus()
	ep, err := hub.Attach(0x42)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ep.WriteMessage(ctx, bus.Message{Kind: bus.KindScanReply, ComponentID: exchangeID}))
	_, err = NewLoopback(hub).Receive(ctx, 0x42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secure channel")
}

func TestBusVerifierBootsComponent(t *testing.T) {
	hub := bus.NewInMemoryBus()
	rt := startComponent(t, hub, exchangeID, "component online")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receipt, err := BusVerifier{Bus: hub}.VerifyComponent(ctx, exchangeID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.BootReceipt{ID: exchangeID, BootMessage: "component online"}, receipt)
	assert.Eventually(t, rt.Booted, time.Second, 10*time.Millisecond)
}

func TestBusVerifierUnattachedComponent(t *testing.T) {
	hub := bus.NewInMemoryBus()
	_, err := BusVerifier{Bus: hub}.VerifyComponent(context.Background(), exchangeID)
	require.ErrorIs(t, err, interfaces.ErrPeerUnreachable)
}

func TestBusAttestationCollectsFields(t *testing.T) {
	hub := bus.NewInMemoryBus()
	startComponent(t, hub, exchangeID, "online")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := BusAttestation{Bus: hub}.CollectAttestation(ctx, exchangeID)
	require.NoError(t, err)
	assert.Equal(t, []byte("LOC>lab\nDATE>2025-06-01\nCUST>acme\n"), data)
}
