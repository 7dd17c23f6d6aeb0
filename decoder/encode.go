package decoder

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/cryptoutils"
	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
	"github.com/perimeterlabs/device-provisioning-backend/subscription"
)

// FrameEncoder seals broadcast frames the way the deployment uplink
// does. Host tooling and tests use it to produce decodable payloads.
type FrameEncoder struct {
	// SigningKey signs every sealed frame on this channel.
	SigningKey ed25519.PrivateKey
	// Root is the channel's keytree root.
	Root [keytree.KeySize]byte
	// Channel the frames belong to.
	Channel interfaces.ChannelID
}

// Encode seals frame for broadcast at the given timestamp. The plaintext
// is padded to the fixed frame size before sealing.
func (e FrameEncoder) Encode(frame []byte, ts interfaces.Timestamp) ([]byte, error) {
	if len(frame) > FrameDataSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", len(frame), FrameDataSize)
	}

	plaintext := make([]byte, 1+FrameDataSize)
	plaintext[0] = byte(len(frame))
	copy(plaintext[1:], frame)

	ad := make([]byte, decodeADSize)
	binary.LittleEndian.PutUint32(ad, uint32(e.Channel))
	binary.LittleEndian.PutUint64(ad[4:], uint64(ts))

	leaf := keytree.DeriveLeaf(e.Root, ts)
	return cryptoutils.SealPayload(e.SigningKey, leaf[:], plaintext, ad)
}

// EncodeSubscription seals a subscription entry for delivery to one
// decoder: the entry wire bytes under the deployment subscribe key, the
// target decoder ID as associated data.
func EncodeSubscription(signingKey ed25519.PrivateKey, subscribeKey []byte, decoderID uint32, entry *subscription.Entry) ([]byte, error) {
	wire, err := entry.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ad := make([]byte, subscribeADSize)
	binary.LittleEndian.PutUint32(ad, decoderID)
	return cryptoutils.SealPayload(signingKey, subscribeKey, wire, ad)
}
