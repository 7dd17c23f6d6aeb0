// Package decoder implements the broadcast decode pipeline: subscription
// installation, per-frame key derivation through the channel keytrees,
// sealed frame decoding under a strictly monotonic timestamp watermark,
// and the host-facing serve loop. The uplink-side encoders live here too,
// so the whole wire format has a single home.
package decoder

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
	"github.com/perimeterlabs/device-provisioning-backend/metrics"
	"github.com/perimeterlabs/device-provisioning-backend/subscription"
)

// FrameDataSize is the fixed frame capacity; shorter frames are padded so
// ciphertext length reveals nothing about content length.
const FrameDataSize = 64

const (
	decodeADSize    = 12 // channel u32 LE || timestamp u64 LE
	subscribeADSize = 4  // decoder_id u32 LE
)

var (
	// ErrNoSubscription is returned when no stored subscription covers
	// the frame's channel and timestamp.
	ErrNoSubscription = errors.New("no subscription covering this frame")

	// ErrStaleTimestamp is returned for frames at or before the
	// watermark of the last decoded frame.
	ErrStaleTimestamp = errors.New("frame timestamp not after the last decoded frame")

	// ErrWrongDecoder is returned for subscription payloads addressed to
	// a different decoder.
	ErrWrongDecoder = errors.New("subscription addressed to a different decoder")
)

// Config provisions a decoder with its deployment key material.
type Config struct {
	// DecoderID is this device's provisioned decoder identity.
	DecoderID uint32
	// SubscribeKey is the 32-byte symmetric key subscription payloads
	// are sealed under.
	SubscribeKey []byte
	// SubscribeVerifyKey checks the deployment signature on subscription
	// payloads.
	SubscribeVerifyKey ed25519.PublicKey
	// EmergencyRoot is the channel 0 keytree root every decoder holds.
	EmergencyRoot [keytree.KeySize]byte
	// EmergencyVerifyKey checks channel 0 frame signatures.
	EmergencyVerifyKey ed25519.PublicKey
	// Store holds the subscription slots. Nil means a fresh volatile
	// store.
	Store *subscription.Store
	// Log is the decoder logger. Nil means slog.Default().
	Log *slog.Logger
}

// Decoder decodes broadcast frames for one provisioned device.
//
// The watermark is plain atomic state: the device runs a single decode
// loop, and ServeHost is that loop.
type Decoder struct {
	decoderID          uint32
	subscribeKey       []byte
	subscribeVerifyKey ed25519.PublicKey
	emergencyRoot      [keytree.KeySize]byte
	emergencyVerifyKey ed25519.PublicKey
	store              *subscription.Store
	log                *slog.Logger

	watermark atomic.Uint64
	decoded   atomic.Bool
}

// New validates the provisioned material and builds a decoder.
func New(cfg Config) (*Decoder, error) {
	if len(cfg.SubscribeKey) != keytree.KeySize {
		return nil, fmt.Errorf("subscribe key of %d bytes, want %d", len(cfg.SubscribeKey), keytree.KeySize)
	}
	if len(cfg.SubscribeVerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("subscribe verify key of %d bytes, want %d", len(cfg.SubscribeVerifyKey), ed25519.PublicKeySize)
	}
	if len(cfg.EmergencyVerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("emergency verify key of %d bytes, want %d", len(cfg.EmergencyVerifyKey), ed25519.PublicKeySize)
	}
	store := cfg.Store
	if store == nil {
		store = subscription.NewStore()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		decoderID:          cfg.DecoderID,
		subscribeKey:       append([]byte(nil), cfg.SubscribeKey...),
		subscribeVerifyKey: cfg.SubscribeVerifyKey,
		emergencyRoot:      cfg.EmergencyRoot,
		emergencyVerifyKey: cfg.EmergencyVerifyKey,
		store:              store,
		log:                log,
	}, nil
}

// DecoderID returns the provisioned decoder identity.
func (d *Decoder) DecoderID() uint32 { return d.decoderID }

// Subscriptions returns the decoder's slot store.
func (d *Decoder) Subscriptions() *subscription.Store { return d.store }

// Subscribe installs the subscription carried in a sealed payload. The
// payload must be addressed to this decoder and carry a valid deployment
// signature; anything else leaves the slots untouched.
func (d *Decoder) Subscribe(ctx context.Context, sealed []byte) error {
	ad, err := cryptoutils.PayloadAssociatedData(sealed, subscribeADSize)
	if err != nil {
		return err
	}
	target := binary.LittleEndian.Uint32(ad)
	if target != d.decoderID {
		return fmt.Errorf("payload for decoder 0x%08x, this is 0x%08x: %w", target, d.decoderID, ErrWrongDecoder)
	}

	plaintext, _, err := cryptoutils.OpenPayload(d.subscribeVerifyKey, d.subscribeKey, sealed, subscribeADSize)
	if err != nil {
		return err
	}

	var entry subscription.Entry
	if err := entry.UnmarshalBinary(plaintext); err != nil {
		return fmt.Errorf("parsing subscription: %w", err)
	}
	if err := d.store.Upsert(ctx, &entry); err != nil {
		return err
	}
	metrics.IncSubscriptionInstalled()
	d.log.Info("subscription installed",
		"channel", uint32(entry.Channel), "start", uint64(entry.Start), "end", uint64(entry.EndTime()))
	return nil
}

// Decode opens a sealed broadcast frame and returns its content. The
// watermark advances only when everything checked out, so a rejected
// frame never blocks a later legitimate one.
func (d *Decoder) Decode(ctx context.Context, sealed []byte) ([]byte, error) {
	frame, err := d.decode(ctx, sealed)
	if err != nil {
		metrics.IncFrameRejected()
		return nil, err
	}
	metrics.IncFrameDecoded()
	return frame, nil
}

func (d *Decoder) decode(_ context.Context, sealed []byte) ([]byte, error) {
	ad, err := cryptoutils.PayloadAssociatedData(sealed, decodeADSize)
	if err != nil {
		return nil, err
	}
	channel := interfaces.ChannelID(binary.LittleEndian.Uint32(ad[:4]))
	ts := interfaces.Timestamp(binary.LittleEndian.Uint64(ad[4:]))

	if d.decoded.Load() && uint64(ts) <= d.watermark.Load() {
		return nil, fmt.Errorf("timestamp %d, watermark %d: %w", ts, d.watermark.Load(), ErrStaleTimestamp)
	}

	var frameKey [keytree.KeySize]byte
	var verifyKey ed25519.PublicKey
	if channel.IsEmergency() {
		frameKey = keytree.DeriveLeaf(d.emergencyRoot, ts)
		verifyKey = d.emergencyVerifyKey
	} else {
		entry, ok := d.store.ForChannel(channel)
		if !ok {
			return nil, fmt.Errorf("channel %d: %w", channel, ErrNoSubscription)
		}
		sub, err := entry.SubtreeFor(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSubscription, err)
		}
		frameKey, err = keytree.LeafFromSubtree(sub, ts)
		if err != nil {
			return nil, err
		}
		verifyKey = entry.PublicKey
	}

	plaintext, _, err := cryptoutils.OpenPayload(verifyKey, frameKey[:], sealed, decodeADSize)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != 1+FrameDataSize {
		return nil, fmt.Errorf("frame plaintext of %d bytes, want %d: %w", len(plaintext), 1+FrameDataSize, cryptoutils.ErrInvalidPayload)
	}
	size := int(plaintext[0])
	if size > FrameDataSize {
		return nil, fmt.Errorf("frame length %d exceeds %d: %w", size, FrameDataSize, cryptoutils.ErrInvalidPayload)
	}

	d.watermark.Store(uint64(ts))
	d.decoded.Store(true)
	return plaintext[1 : 1+size], nil
}

// ListChannels renders the List response body: a u32 count followed by
// {channel u32, start u64, end u64} per subscription, all little endian.
func (d *Decoder) ListChannels() []byte {
	windows := d.store.List()
	out := make([]byte, 0, 4+len(windows)*20)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(windows)))
	for _, w := range windows {
		out = binary.LittleEndian.AppendUint32(out, uint32(w.Channel))
		out = binary.LittleEndian.AppendUint64(out, uint64(w.Start))
		out = binary.LittleEndian.AppendUint64(out, uint64(w.End))
	}
	return out
}
