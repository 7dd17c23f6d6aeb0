// Package subscription holds a decoder's channel subscriptions: the wire
// format subscription payloads carry, the slot store mirroring the
// original flash layout, and the span bookkeeping that turns a stored GGM
// cover back into per-timestamp subtrees.
package subscription

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
)

// MaxNodes bounds the cover a subscription can carry. A cover of an
// arbitrary 64-bit range never needs more than 2*keytree.MaxDepth nodes.
const MaxNodes = 2 * keytree.MaxDepth

// ErrEmergencyChannel rejects subscriptions to channel 0, which every
// decoder receives without subscribing.
var ErrEmergencyChannel = errors.New("the emergency channel cannot be subscribed")

// Entry is one channel subscription: the channel's frame verify key and
// the GGM cover granting frame keys from Start through EndTime().
type Entry struct {
	PublicKey ed25519.PublicKey
	Start     interfaces.Timestamp
	Channel   interfaces.ChannelID
	Depths    []uint8
	Keys      [][keytree.KeySize]byte
}

const entryHeaderSize = ed25519.PublicKeySize + 8 + 4 + 1

func wireSize(nodes int) int {
	return entryHeaderSize + nodes + nodes*keytree.KeySize
}

func (e *Entry) validate() error {
	if len(e.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("channel public key of %d bytes, want %d", len(e.PublicKey), ed25519.PublicKeySize)
	}
	if e.Channel.IsEmergency() {
		return ErrEmergencyChannel
	}
	if len(e.Depths) == 0 || len(e.Depths) != len(e.Keys) {
		return fmt.Errorf("malformed cover: %d depths, %d keys", len(e.Depths), len(e.Keys))
	}
	if len(e.Depths) > MaxNodes {
		return fmt.Errorf("cover of %d nodes exceeds %d", len(e.Depths), MaxNodes)
	}
	for _, d := range e.Depths {
		if d > keytree.MaxDepth {
			return fmt.Errorf("node depth %d exceeds tree depth %d", d, keytree.MaxDepth)
		}
	}
	return nil
}

// MarshalBinary renders the subscription payload plaintext:
// public_key[32] || start u64 LE || channel u32 LE || node_count u8 ||
// depths[n] || node_keys[n][32].
func (e *Entry) MarshalBinary() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, wireSize(len(e.Depths)))
	buf = append(buf, e.PublicKey...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Start))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Channel))
	buf = append(buf, uint8(len(e.Depths)))
	buf = append(buf, e.Depths...)
	for _, k := range e.Keys {
		buf = append(buf, k[:]...)
	}
	return buf, nil
}

// UnmarshalBinary parses a subscription payload. The length must match
// the announced node count exactly.
func (e *Entry) UnmarshalBinary(data []byte) error {
	if len(data) < entryHeaderSize {
		return fmt.Errorf("subscription entry truncated at %d bytes", len(data))
	}
	nodes := int(data[entryHeaderSize-1])
	if nodes == 0 || nodes > MaxNodes {
		return fmt.Errorf("subscription cover of %d nodes outside 1..%d", nodes, MaxNodes)
	}
	if len(data) != wireSize(nodes) {
		return fmt.Errorf("subscription entry of %d bytes, want %d for %d nodes", len(data), wireSize(nodes), nodes)
	}

	e.PublicKey = append(ed25519.PublicKey(nil), data[:ed25519.PublicKeySize]...)
	e.Start = interfaces.Timestamp(binary.LittleEndian.Uint64(data[ed25519.PublicKeySize:]))
	e.Channel = interfaces.ChannelID(binary.LittleEndian.Uint32(data[ed25519.PublicKeySize+8:]))
	e.Depths = append([]uint8(nil), data[entryHeaderSize:entryHeaderSize+nodes]...)
	e.Keys = make([][keytree.KeySize]byte, nodes)
	keyData := data[entryHeaderSize+nodes:]
	for i := range e.Keys {
		copy(e.Keys[i][:], keyData[i*keytree.KeySize:])
	}
	return e.validate()
}

// EndTime reconstructs the inclusive subscription end from the node
// spans.
func (e *Entry) EndTime() interfaces.Timestamp {
	cur := e.Start
	var end interfaces.Timestamp
	for _, d := range e.Depths {
		end = keytree.SpanEnd(d, cur)
		cur = end + 1
	}
	return end
}

// SubtreeFor returns the cover subtree whose span contains t.
func (e *Entry) SubtreeFor(t interfaces.Timestamp) (keytree.Subtree, error) {
	cur := e.Start
	for i, d := range e.Depths {
		end := keytree.SpanEnd(d, cur)
		if t >= cur && t <= end {
			return keytree.Subtree{Lowest: cur, Highest: end, Key: e.Keys[i]}, nil
		}
		cur = end + 1
	}
	return keytree.Subtree{}, fmt.Errorf("timestamp %d outside subscription window [%d, %d]", t, e.Start, e.EndTime())
}
