// Package keytree derives per-timestamp frame keys from a channel root
// key through a binary GGM tree: every node expands into two children via
// one ChaCha20 block, and a 64-bit timestamp addresses a leaf by walking
// its bits from the top. Handing out an inner node reveals exactly the
// leaves below it, which is what keeps subscription payloads logarithmic
// in the window size.
package keytree

import (
	"fmt"
	"math"
	"math/bits"

	"golang.org/x/crypto/chacha20"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// KeySize is the size of every tree node key.
const KeySize = 32

// MaxDepth is the leaf depth: one level per timestamp bit.
const MaxDepth = 64

// Expand derives the two children of a node: one ChaCha20 block (zero
// nonce, zero counter) over zero plaintext. The left child is the first
// KeySize bytes, the right child the rest.
func Expand(key [KeySize]byte) [2 * KeySize]byte {
	var out [2 * KeySize]byte
	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// key and nonce sizes are fixed, the constructor cannot fail
		panic(err)
	}
	cipher.XORKeyStream(out[:], out[:])
	return out
}

func children(key [KeySize]byte) (left, right [KeySize]byte) {
	block := Expand(key)
	copy(left[:], block[:KeySize])
	copy(right[:], block[KeySize:])
	return left, right
}

// DeriveLeaf walks the full tree from root to the leaf for t. Bit 63-i of
// t picks the child at depth i, so the high bits steer first.
func DeriveLeaf(root [KeySize]byte, t interfaces.Timestamp) [KeySize]byte {
	key := root
	for i := 0; i < MaxDepth; i++ {
		left, right := children(key)
		if uint64(t)&(1<<uint(MaxDepth-1-i)) == 0 {
			key = left
		} else {
			key = right
		}
	}
	return key
}

// Subtree is a complete subtree of a channel tree, keyed by its root
// node. Lowest and Highest bound the leaf timestamps it contains.
type Subtree struct {
	Lowest  interfaces.Timestamp
	Highest interfaces.Timestamp
	Key     [KeySize]byte
}

// Contains reports whether t falls inside the subtree's span.
func (s Subtree) Contains(t interfaces.Timestamp) bool {
	return t >= s.Lowest && t <= s.Highest
}

// LeafFromSubtree finishes the walk from a subtree root down to the leaf
// for t. The subtree's span fixes how many low timestamp bits remain.
func LeafFromSubtree(sub Subtree, t interfaces.Timestamp) ([KeySize]byte, error) {
	if !sub.Contains(t) {
		return [KeySize]byte{}, fmt.Errorf("timestamp %d outside subtree [%d, %d]", t, sub.Lowest, sub.Highest)
	}
	remaining := bits.Len64(uint64(sub.Highest - sub.Lowest))
	key := sub.Key
	for i := remaining - 1; i >= 0; i-- {
		left, right := children(key)
		if uint64(t)&(1<<uint(i)) == 0 {
			key = left
		} else {
			key = right
		}
	}
	return key, nil
}

// SpanEnd returns the highest timestamp of the span a node at the given
// depth covers when the span starts at start.
func SpanEnd(depth uint8, start interfaces.Timestamp) interfaces.Timestamp {
	return start + interfaces.Timestamp(spanOffset(depth))
}

// spanOffset is the node span size minus one; the depth 0 node covers the
// whole 64-bit range, whose size does not fit a uint64.
func spanOffset(depth uint8) uint64 {
	if depth == 0 {
		return math.MaxUint64
	}
	return (uint64(1) << (MaxDepth - int(depth))) - 1
}
