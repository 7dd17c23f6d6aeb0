package emulator

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/device-provisioning-backend/ap"
	"github.com/perimeterlabs/device-provisioning-backend/hostproto"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAssemblesDefaultDeployment(t *testing.T) {
	em, err := New(context.Background(), DefaultDeployment(), Options{Log: testLogger()})
	require.NoError(t, err)

	assert.NotNil(t, em.AP())
	assert.NotNil(t, em.Decoder())
	assert.Len(t, em.Components(), 2)
	assert.Equal(t, uint32(0xdec0de01), em.Decoder().DecoderID())

	windows := em.Decoder().Subscriptions().List()
	require.Len(t, windows, 1)
	assert.Equal(t, interfaces.ChannelID(1), windows[0].Channel)
	assert.Equal(t, interfaces.Timestamp(0), windows[0].Start)
	assert.Equal(t, interfaces.Timestamp(1_000_000), windows[0].End)
}

// readUntil collects console lines through the first equal to marker.
func readUntil(t *testing.T, sc *bufio.Scanner, marker string) []string {
	t.Helper()
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if sc.Text() == marker {
			return lines
		}
	}
	t.Fatalf("console closed before %q (err %v, lines %v)", marker, sc.Err(), lines)
	return nil
}

func TestRunServesHostAndConsole(t *testing.T) {
	dir := t.TempDir()
	dep := DefaultDeployment()
	dep.SubscriptionDir = filepath.Join(dir, "slots")
	dep.AP.StateFile = filepath.Join(dir, "ap-state.cbor")
	dep.Artifacts = []string{"file://" + filepath.Join(dir, "artifacts")}

	ctx := context.Background()
	em, err := New(ctx, dep, Options{Log: testLogger()})
	require.NoError(t, err)

	hostLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	consoleLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- em.Run(runCtx, hostLn, consoleLn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runDone:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("emulator did not shut down")
		}
	})

	hconn, err := net.Dial("tcp", hostLn.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { hconn.Close() })
	require.NoError(t, hconn.SetDeadline(time.Now().Add(10*time.Second)))
	host := hostproto.NewConn(hconn)

	// The fixture channel is preinstalled.
	require.NoError(t, host.WriteMessage(hostproto.Message{Opcode: hostproto.OpList}))
	reply, err := host.ReadReply()
	require.NoError(t, err)
	require.Equal(t, hostproto.OpList, reply.Opcode)
	assert.Len(t, reply.Body, 24)

	sealed, err := em.FrameEncoder(1).Encode([]byte("evening news"), 500)
	require.NoError(t, err)
	require.NoError(t, host.WriteMessage(hostproto.Message{Opcode: hostproto.OpDecode, Body: sealed}))
	reply, err = host.ReadReply()
	require.NoError(t, err)
	assert.Equal(t, []byte("evening news"), reply.Body)

	// A freshly sealed subscription extends the decoder over the wire.
	sub, err := em.SealedSubscription(ChannelWindow{Channel: 7, Start: 100, End: 2000})
	require.NoError(t, err)
	require.NoError(t, host.WriteMessage(hostproto.Message{Opcode: hostproto.OpSubscribe, Body: sub}))
	_, err = host.ReadReply()
	require.NoError(t, err)

	sealed, err = em.FrameEncoder(7).Encode([]byte("channel seven"), 800)
	require.NoError(t, err)
	require.NoError(t, host.WriteMessage(hostproto.Message{Opcode: hostproto.OpDecode, Body: sealed}))
	reply, err = host.ReadReply()
	require.NoError(t, err)
	assert.Equal(t, []byte("channel seven"), reply.Body)

	require.NoError(t, host.WriteMessage(hostproto.Message{Opcode: hostproto.OpList}))
	reply, err = host.ReadReply()
	require.NoError(t, err)
	assert.Len(t, reply.Body, 44)

	// Startup published the fixture channel's subscription artifact; it
	// must install cleanly when fed back through subscribe.
	files, err := os.ReadDir(filepath.Join(dir, "artifacts", "subscription"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	payload, err := os.ReadFile(filepath.Join(dir, "artifacts", "subscription", files[0].Name()))
	require.NoError(t, err)
	require.NoError(t, host.WriteMessage(hostproto.Message{Opcode: hostproto.OpSubscribe, Body: payload}))
	_, err = host.ReadReply()
	require.NoError(t, err)

	cconn, err := net.Dial("tcp", consoleLn.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { cconn.Close() })
	require.NoError(t, cconn.SetDeadline(time.Now().Add(10*time.Second)))
	console := bufio.NewScanner(cconn)

	_, err = cconn.Write([]byte("list\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"P>0x11111124",
		"P>0x11111125",
		"F>0x11111124",
		"F>0x11111125",
		"List",
	}, readUntil(t, console, "List"))

	_, err = cconn.Write([]byte("boot\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0x11111124>Component one online",
		"0x11111125>Component two online",
		"AP>Application processor online",
		"Boot",
	}, readUntil(t, console, "Boot"))

	_, err = cconn.Write([]byte("attest " + DefaultPIN + " 0x11111124\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"C>0x11111124",
		"LOC>lab-1",
		"DATE>2025-01-01",
		"CUST>emulation",
		"Attest",
	}, readUntil(t, console, "Attest"))

	// Boot persisted its receipts through the state file.
	stateStore, err := ap.NewFileStateStore(dep.AP.StateFile)
	require.NoError(t, err)
	state, err := stateStore.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.Receipts, 2)
}

func TestPersistenceSurvivesReassembly(t *testing.T) {
	dir := t.TempDir()
	dep := DefaultDeployment()
	dep.SubscriptionDir = filepath.Join(dir, "slots")
	dep.AP.StateFile = filepath.Join(dir, "ap-state.cbor")

	ctx := context.Background()
	em, err := New(ctx, dep, Options{Log: testLogger()})
	require.NoError(t, err)

	sealed, err := em.SealedSubscription(ChannelWindow{Channel: 9, Start: 0, End: 50})
	require.NoError(t, err)
	require.NoError(t, em.Decoder().Subscribe(ctx, sealed))

	require.NoError(t, em.AP().Replace(ctx, DefaultToken, 0x33333344, 0x11111124))

	// Reassembly restores the installed subscription and the swapped
	// component instead of the fixture values.
	again, err := New(ctx, dep, Options{Log: testLogger()})
	require.NoError(t, err)

	_, ok := again.Decoder().Subscriptions().ForChannel(9)
	assert.True(t, ok)

	ids, err := again.AP().GetProvisionedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ComponentID{0x33333344, 0x11111125}, ids)
}
