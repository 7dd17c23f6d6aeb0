// Package emulator runs a whole deployment in one process: the shared
// bus, the peripheral component runtimes, the application processor and
// the broadcast decoder, all assembled from a single YAML fixture and
// keyed from the deployment master key. It is the development stand-in
// for a bench of provisioned hardware.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/perimeterlabs/device-provisioning-backend/ap"
	"github.com/perimeterlabs/device-provisioning-backend/bus"
	"github.com/perimeterlabs/device-provisioning-backend/component"
	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/decoder"
	"github.com/perimeterlabs/device-provisioning-backend/hostproto"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
	"github.com/perimeterlabs/device-provisioning-backend/kms"
	"github.com/perimeterlabs/device-provisioning-backend/storage"
	"github.com/perimeterlabs/device-provisioning-backend/subscription"
)

// Gate names the deployment key material is derived under.
const (
	gatePIN   = "pin"
	gateToken = "token"
)

// Options configure the runtime around a deployment fixture.
type Options struct {
	Log *slog.Logger
	// ConsoleFallback receives operator lines while no console is
	// attached. Defaults to discarding them.
	ConsoleFallback io.Writer
}

// Emulator is one assembled deployment. New wires everything up;
// nothing serves until Run.
type Emulator struct {
	dep   *Deployment
	log   *slog.Logger
	kms   *kms.SimpleKMS
	depID interfaces.DeploymentID

	signing      cryptoutils.SigningKeypair
	subscribeKey []byte

	hub   *bus.InMemoryBus
	out   *consoleOutput
	comps []*component.Runtime
	proc  *ap.AP
	dec   *decoder.Decoder
}

// New assembles the deployment. The context covers the assembly IO:
// restoring persisted state and preinstalling subscription windows.
func New(ctx context.Context, dep *Deployment, opts Options) (*Emulator, error) {
	if err := dep.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	fallback := opts.ConsoleFallback
	if fallback == nil {
		fallback = io.Discard
	}

	depID, err := dep.deploymentID()
	if err != nil {
		return nil, err
	}
	masterKey, err := dep.masterKey()
	if err != nil {
		return nil, err
	}
	decID, err := dep.decoderID()
	if err != nil {
		return nil, err
	}
	k, err := kms.NewSimpleKMS(masterKey)
	if err != nil {
		return nil, err
	}
	signing, err := k.BroadcastSigningKey(depID)
	if err != nil {
		return nil, fmt.Errorf("deriving broadcast signing key: %w", err)
	}

	e := &Emulator{
		dep:          dep,
		log:          log,
		kms:          k,
		depID:        depID,
		signing:      signing,
		subscribeKey: k.SubscriptionKey(depID),
		hub:          bus.NewInMemoryBus(),
		out:          newConsoleOutput(ap.NewTextOutput(fallback)),
	}

	store, err := e.buildSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.attachComponents(); err != nil {
		return nil, err
	}
	if err := e.buildProcessor(ctx); err != nil {
		return nil, err
	}

	e.dec, err = decoder.New(decoder.Config{
		DecoderID:          decID,
		SubscribeKey:       e.subscribeKey,
		SubscribeVerifyKey: e.signing.Public,
		EmergencyRoot:      e.channelRoot(interfaces.EmergencyChannel),
		EmergencyVerifyKey: e.signing.Public,
		Store:              store,
		Log:                log.With("device", "decoder"),
	})
	if err != nil {
		return nil, err
	}

	log.Info("deployment assembled",
		"deployment", depID.String(),
		"decoder_id", fmt.Sprintf("0x%08x", decID),
		"components", len(e.comps),
		"channels", len(dep.Channels))
	return e, nil
}

// buildSubscriptions restores or creates the decoder slot store and
// preinstalls the fixture's channel windows. A window already covered by
// a stored subscription is left alone, so installed subscriptions
// survive restarts.
func (e *Emulator) buildSubscriptions(ctx context.Context) (*subscription.Store, error) {
	store := subscription.NewStore()
	if e.dep.SubscriptionDir != "" {
		slots, err := subscription.NewFileSlotStore(e.dep.SubscriptionDir)
		if err != nil {
			return nil, err
		}
		store, err = subscription.LoadStore(ctx, slots)
		if err != nil {
			return nil, fmt.Errorf("restoring subscription slots: %w", err)
		}
	}
	for _, w := range e.dep.Channels {
		if _, ok := store.ForChannel(interfaces.ChannelID(w.Channel)); ok {
			continue
		}
		entry, err := e.subscriptionEntry(w)
		if err != nil {
			return nil, err
		}
		if err := store.Upsert(ctx, entry); err != nil {
			return nil, fmt.Errorf("preinstalling channel %d: %w", w.Channel, err)
		}
	}
	return store, nil
}

func (e *Emulator) attachComponents() error {
	for _, c := range e.dep.Components {
		id, err := c.id()
		if err != nil {
			return err
		}
		ep, err := e.hub.Attach(id.BusAddr())
		if err != nil {
			return err
		}
		rt, err := component.New(component.Config{
			ID:          id,
			BootMessage: c.BootMessage,
			Attestation: c.Attestation,
			Endpoint:    ep,
			Log:         e.log.With("component", id.String()),
		})
		if err != nil {
			return err
		}
		e.comps = append(e.comps, rt)
	}
	return nil
}

// buildProcessor assembles the application processor. A persisted
// provisioning record wins over the fixture; delete the state file to
// reprovision from YAML.
func (e *Emulator) buildProcessor(ctx context.Context) error {
	var store ap.StateStore = new(ap.MemStateStore)
	if e.dep.AP.StateFile != "" {
		var err error
		store, err = ap.NewFileStateStore(e.dep.AP.StateFile)
		if err != nil {
			return err
		}
	}
	state, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring provisioning record: %w", err)
	}
	if state == nil {
		state, err = e.initialState()
		if err != nil {
			return err
		}
	} else {
		e.log.Info("provisioning record restored", "components", len(state.ComponentIDs))
	}

	e.proc, err = ap.New(ap.Config{
		State:       state,
		Store:       store,
		Bus:         e.hub,
		Verifier:    BusVerifier{Bus: e.hub},
		Attestation: BusAttestation{Bus: e.hub},
		Channel:     NewLoopback(e.hub),
		Output:      e.out,
		Log:         e.log.With("device", "ap"),
	})
	return err
}

func (e *Emulator) initialState() (*ap.State, error) {
	tokenHash, err := e.dep.gateDigest("token_hash", e.dep.AP.TokenHash)
	if err != nil {
		return nil, err
	}
	pinHash, err := e.dep.gateDigest("pin_hash", e.dep.AP.PINHash)
	if err != nil {
		return nil, err
	}
	ids := make([]interfaces.ComponentID, 0, len(e.dep.Components))
	for _, c := range e.dep.Components {
		id, err := c.id()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return &ap.State{
		ComponentIDs: ids,
		BootMessage:  e.dep.AP.BootMessage,
		TokenHash:    tokenHash,
		TokenSalt:    e.kms.GateSalt(e.depID, gateToken),
		PINHash:      pinHash,
		PINSalt:      e.kms.GateSalt(e.depID, gatePIN),
	}, nil
}

func (e *Emulator) channelRoot(ch interfaces.ChannelID) [keytree.KeySize]byte {
	var root [keytree.KeySize]byte
	copy(root[:], e.kms.ChannelRootKey(e.depID, ch))
	return root
}

func (e *Emulator) subscriptionEntry(w ChannelWindow) (*subscription.Entry, error) {
	ch := interfaces.ChannelID(w.Channel)
	nodes, err := keytree.Cover(e.channelRoot(ch), interfaces.Timestamp(w.Start), interfaces.Timestamp(w.End))
	if err != nil {
		return nil, fmt.Errorf("covering channel %d window: %w", w.Channel, err)
	}
	entry := &subscription.Entry{
		PublicKey: e.signing.Public,
		Start:     interfaces.Timestamp(w.Start),
		Channel:   ch,
		Depths:    make([]uint8, 0, len(nodes)),
		Keys:      make([][keytree.KeySize]byte, 0, len(nodes)),
	}
	for _, n := range nodes {
		entry.Depths = append(entry.Depths, n.Depth)
		entry.Keys = append(entry.Keys, n.Key)
	}
	return entry, nil
}

// DeploymentID returns the emulated deployment's identifier.
func (e *Emulator) DeploymentID() interfaces.DeploymentID { return e.depID }

// AP returns the emulated application processor.
func (e *Emulator) AP() *ap.AP { return e.proc }

// Decoder returns the emulated broadcast decoder.
func (e *Emulator) Decoder() *decoder.Decoder { return e.dec }

// Components returns the emulated peripheral runtimes.
func (e *Emulator) Components() []*component.Runtime { return e.comps }

// Bus returns the shared bus hub.
func (e *Emulator) Bus() *bus.InMemoryBus { return e.hub }

// FrameEncoder returns the uplink encoder for one of this deployment's
// channels, for producing frames the emulated decoder accepts.
func (e *Emulator) FrameEncoder(ch interfaces.ChannelID) decoder.FrameEncoder {
	return decoder.FrameEncoder{
		SigningKey: e.signing.Private,
		Root:       e.channelRoot(ch),
		Channel:    ch,
	}
}

// SealedSubscription seals the subscription payload for a channel
// window, addressed to this deployment's decoder.
func (e *Emulator) SealedSubscription(w ChannelWindow) ([]byte, error) {
	entry, err := e.subscriptionEntry(w)
	if err != nil {
		return nil, err
	}
	return decoder.EncodeSubscription(e.signing.Private, e.subscribeKey, e.dec.DecoderID(), entry)
}

// Run serves the emulation until ctx ends: component runtimes on the
// bus, the decoder's host protocol on hostLn and the operator console on
// consoleLn. A nil listener disables that surface. The device models a
// single host port and a single console, so sessions are served one at a
// time.
func (e *Emulator) Run(ctx context.Context, hostLn, consoleLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.publishArtifacts(ctx)

	var wg sync.WaitGroup
	for _, rt := range e.comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Serve(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("component stopped serving", "id", rt.ID().String(), "err", err)
			}
		}()
	}
	if hostLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.acceptLoop(ctx, hostLn, "host", e.serveHostConn)
		}()
	}
	if consoleLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.acceptLoop(ctx, consoleLn, "console", e.serveConsoleConn)
		}()
	}

	<-ctx.Done()
	if hostLn != nil {
		_ = hostLn.Close()
	}
	if consoleLn != nil {
		_ = consoleLn.Close()
	}
	_ = e.hub.Close()
	wg.Wait()
	return ctx.Err()
}

// ServeHostStream runs one host protocol session over rw, for exposing
// the host surface on stdio instead of a listener.
func (e *Emulator) ServeHostStream(ctx context.Context, rw io.ReadWriter) error {
	return e.dec.ServeHost(ctx, hostproto.NewConn(rw))
}

func (e *Emulator) acceptLoop(ctx context.Context, ln net.Listener, surface string, serve func(context.Context, net.Conn)) {
	e.log.Info(surface+" listener ready", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn(surface+" accept failed", "err", err)
			continue
		}
		serve(ctx, conn)
	}
}

func (e *Emulator) serveHostConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	e.log.Info("host attached", "remote", conn.RemoteAddr().String())
	err := e.dec.ServeHost(ctx, hostproto.NewConn(conn))
	if err != nil && ctx.Err() == nil {
		e.log.Info("host detached", "err", err)
		return
	}
	e.log.Info("host detached")
}

func (e *Emulator) serveConsoleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	e.out.attach(ap.NewTextOutput(conn))
	defer e.out.detach()

	e.log.Info("console attached", "remote", conn.RemoteAddr().String())
	err := e.proc.ServeConsole(ctx, conn)
	if err != nil && ctx.Err() == nil {
		e.log.Warn("console session failed", "err", err)
		return
	}
	e.log.Info("console detached")
}

// publishArtifacts seals each channel window's subscription payload and
// stores it to the configured artifact backends. Best effort: the
// emulation is useful without its artifacts, so failures only warn.
func (e *Emulator) publishArtifacts(ctx context.Context) {
	if len(e.dep.Artifacts) == 0 {
		return
	}
	locations := make([]interfaces.StorageBackendLocation, 0, len(e.dep.Artifacts))
	for _, uri := range e.dep.Artifacts {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			e.log.Warn("skipping artifact backend", "uri", uri, "err", err)
			continue
		}
		locations = append(locations, loc)
	}
	if len(locations) == 0 {
		return
	}
	backend, err := storage.NewStorageBackendFactory(e.log).CreateMultiBackend(locations)
	if err != nil {
		e.log.Warn("artifact publishing disabled", "err", err)
		return
	}
	for _, w := range e.dep.Channels {
		sealed, err := e.SealedSubscription(w)
		if err != nil {
			e.log.Warn("subscription payload not sealed", "channel", w.Channel, "err", err)
			continue
		}
		id, err := backend.Store(ctx, sealed, interfaces.SubscriptionType)
		if err != nil {
			e.log.Warn("subscription artifact not stored", "channel", w.Channel, "err", err)
			continue
		}
		e.log.Info("subscription artifact published", "channel", w.Channel, "content_id", id.String())
	}
}

// closeOnDone forces conn closed when ctx ends, unblocking reads that
// know nothing about contexts. The returned stop releases the watcher.
func closeOnDone(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
