package decoder

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
	"github.com/perimeterlabs/device-provisioning-backend/subscription"
)

const testDecoderID = 0xAABBCCDD

// testDeployment is a minimal uplink: one signing key for everything, a
// subscribe key, and fixed keytree roots.
type testDeployment struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	subKey   []byte
	emRoot   [keytree.KeySize]byte
	chRoot   [keytree.KeySize]byte
}

func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	td := &testDeployment{signPub: pub, signPriv: priv, subKey: make([]byte, keytree.KeySize)}
	_, err = rand.Read(td.subKey)
	require.NoError(t, err)
	td.emRoot[0] = 0xEE
	td.chRoot[0] = 0x07
	return td
}

func (td *testDeployment) newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := New(Config{
		DecoderID:          testDecoderID,
		SubscribeKey:       td.subKey,
		SubscribeVerifyKey: td.signPub,
		EmergencyRoot:      td.emRoot,
		EmergencyVerifyKey: td.signPub,
		Log:                slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return d
}

func (td *testDeployment) subscribePayload(t *testing.T, decoderID uint32, ch interfaces.ChannelID, start, end interfaces.Timestamp) []byte {
	t.Helper()
	nodes, err := keytree.Cover(td.chRoot, start, end)
	require.NoError(t, err)

	e := &subscription.Entry{PublicKey: td.signPub, Start: start, Channel: ch}
	for _, n := range nodes {
		e.Depths = append(e.Depths, n.Depth)
		e.Keys = append(e.Keys, n.Key)
	}
	payload, err := EncodeSubscription(td.signPriv, td.subKey, decoderID, e)
	require.NoError(t, err)
	return payload
}

func (td *testDeployment) frame(t *testing.T, ch interfaces.ChannelID, ts interfaces.Timestamp, content string) []byte {
	t.Helper()
	root := td.chRoot
	if ch.IsEmergency() {
		root = td.emRoot
	}
	enc := FrameEncoder{SigningKey: td.signPriv, Root: root, Channel: ch}
	sealed, err := enc.Encode([]byte(content), ts)
	require.NoError(t, err)
	return sealed
}

func TestSubscribeThenDecode(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, td.subscribePayload(t, testDecoderID, 7, 1000, 2000)))

	frame, err := d.Decode(ctx, td.frame(t, 7, 1500, "hello fleet"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello fleet"), frame)
}

func TestDecodeEnforcesMonotonicTimestamps(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, td.subscribePayload(t, testDecoderID, 7, 1000, 2000)))

	_, err := d.Decode(ctx, td.frame(t, 7, 1500, "first"))
	require.NoError(t, err)

	_, err = d.Decode(ctx, td.frame(t, 7, 1500, "same timestamp"))
	assert.ErrorIs(t, err, ErrStaleTimestamp)
	_, err = d.Decode(ctx, td.frame(t, 7, 1499, "older"))
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	_, err = d.Decode(ctx, td.frame(t, 7, 1501, "newer"))
	assert.NoError(t, err)
}

func TestFirstDecodeAcceptsTimestampZero(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)
	ctx := context.Background()

	frame, err := d.Decode(ctx, td.frame(t, interfaces.EmergencyChannel, 0, "boot notice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("boot notice"), frame)

	_, err = d.Decode(ctx, td.frame(t, interfaces.EmergencyChannel, 0, "again"))
	assert.ErrorIs(t, err, ErrStaleTimestamp, "the watermark exists once anything decoded")
}

func TestEmergencyChannelNeedsNoSubscription(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)

	frame, err := d.Decode(context.Background(), td.frame(t, interfaces.EmergencyChannel, 42, "evacuate"))
	require.NoError(t, err)
	assert.Equal(t, []byte("evacuate"), frame)
}

func TestDecodeUnsubscribedChannel(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)

	_, err := d.Decode(context.Background(), td.frame(t, 9, 100, "nope"))
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestDecodeOutsideSubscriptionWindow(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, td.subscribePayload(t, testDecoderID, 7, 1000, 2000)))

	_, err := d.Decode(ctx, td.frame(t, 7, 2001, "late"))
	assert.ErrorIs(t, err, ErrNoSubscription)
	_, err = d.Decode(ctx, td.frame(t, 7, 999, "early"))
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestSubscribeWrongDecoder(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)

	err := d.Subscribe(context.Background(), td.subscribePayload(t, 0x01020304, 7, 0, 100))
	assert.ErrorIs(t, err, ErrWrongDecoder)
	assert.Empty(t, d.Subscriptions().List(), "misaddressed payloads must not touch the slots")
}

func TestSubscribeBadSignature(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)

	payload := td.subscribePayload(t, testDecoderID, 7, 0, 100)
	payload[3] ^= 0x01

	err := d.Subscribe(context.Background(), payload)
	assert.ErrorIs(t, err, cryptoutils.ErrInvalidPayload)
	assert.Empty(t, d.Subscriptions().List())
}

func TestTamperedFrameDoesNotAdvanceWatermark(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, td.subscribePayload(t, testDecoderID, 7, 1000, 2000)))
	_, err := d.Decode(ctx, td.frame(t, 7, 1500, "first"))
	require.NoError(t, err)

	tampered := td.frame(t, 7, 1600, "forged")
	tampered[70] ^= 0xFF
	_, err = d.Decode(ctx, tampered)
	require.ErrorIs(t, err, cryptoutils.ErrInvalidPayload)

	frame, err := d.Decode(ctx, td.frame(t, 7, 1600, "genuine"))
	require.NoError(t, err, "a rejected frame must not consume its timestamp")
	assert.Equal(t, []byte("genuine"), frame)
}

func TestDecodeEmptyFramePayload(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)

	frame, err := d.Decode(context.Background(), td.frame(t, interfaces.EmergencyChannel, 1, ""))
	require.NoError(t, err)
	assert.Empty(t, frame, "zero-length frames decode to zero bytes")
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	enc := FrameEncoder{SigningKey: make(ed25519.PrivateKey, ed25519.PrivateKeySize), Channel: 1}
	_, err := enc.Encode(make([]byte, FrameDataSize+1), 0)
	assert.Error(t, err)
}

func TestListChannelsLayout(t *testing.T) {
	td := newTestDeployment(t)
	d := td.newDecoder(t)
	ctx := context.Background()

	assert.Equal(t, []byte{0, 0, 0, 0}, d.ListChannels(), "no subscriptions lists a zero count")

	require.NoError(t, d.Subscribe(ctx, td.subscribePayload(t, testDecoderID, 7, 1000, 2000)))
	body := d.ListChannels()
	require.Len(t, body, 4+20)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(body[0:4]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(body[4:8]))
	assert.Equal(t, uint64(1000), binary.LittleEndian.Uint64(body[8:16]))
	assert.Equal(t, uint64(2000), binary.LittleEndian.Uint64(body[16:24]))
}
