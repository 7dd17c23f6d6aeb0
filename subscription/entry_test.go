package subscription

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
	"github.com/perimeterlabs/device-provisioning-backend/keytree"
)

// entryForRange builds a subscription entry from a real cover of
// [start, end] under a fixed channel root.
func entryForRange(t *testing.T, ch interfaces.ChannelID, start, end interfaces.Timestamp) *Entry {
	t.Helper()
	var root [keytree.KeySize]byte
	root[0] = byte(ch)
	nodes, err := keytree.Cover(root, start, end)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	e := &Entry{PublicKey: pub, Start: start, Channel: ch}
	for _, n := range nodes {
		e.Depths = append(e.Depths, n.Depth)
		e.Keys = append(e.Keys, n.Key)
	}
	return e
}

func TestEntryWireRoundTrip(t *testing.T) {
	in := entryForRange(t, 7, 1000, 5000)

	data, err := in.MarshalBinary()
	require.NoError(t, err)

	var out Entry
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, in, &out)
	assert.Equal(t, interfaces.Timestamp(5000), out.EndTime())
}

func TestEntryWireLayout(t *testing.T) {
	e := entryForRange(t, 0x0102, 42, 42)
	require.Len(t, e.Depths, 1, "single-timestamp cover is one leaf node")

	data, err := e.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, 45+1+32)

	assert.Equal(t, []byte(e.PublicKey), data[:32])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(data[32:40]))
	assert.Equal(t, uint32(0x0102), binary.LittleEndian.Uint32(data[40:44]))
	assert.Equal(t, byte(1), data[44], "node count")
	assert.Equal(t, byte(keytree.MaxDepth), data[45], "leaf depth")
	assert.Equal(t, e.Keys[0][:], data[46:])
}

func TestEntryRejectsEmergencyChannel(t *testing.T) {
	e := entryForRange(t, 5, 0, 100)
	e.Channel = interfaces.EmergencyChannel
	_, err := e.MarshalBinary()
	assert.ErrorIs(t, err, ErrEmergencyChannel)
}

func TestUnmarshalLengthMismatch(t *testing.T) {
	e := entryForRange(t, 5, 0, 100)
	data, err := e.MarshalBinary()
	require.NoError(t, err)

	var out Entry
	assert.Error(t, out.UnmarshalBinary(data[:len(data)-1]), "truncated entry must not parse")
	assert.Error(t, out.UnmarshalBinary(append(data, 0)), "padded entry must not parse")
}

func TestSubtreeForWalksTheCover(t *testing.T) {
	e := entryForRange(t, 3, 1<<10, 1<<10+999)

	sub, err := e.SubtreeFor(1<<10 + 500)
	require.NoError(t, err)
	assert.True(t, sub.Contains(1<<10+500))

	_, err = e.SubtreeFor(1<<10 + 1000)
	assert.Error(t, err, "timestamps past the window have no subtree")
	_, err = e.SubtreeFor(1<<10 - 1)
	assert.Error(t, err, "timestamps before the window have no subtree")
}
