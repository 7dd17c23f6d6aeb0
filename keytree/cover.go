package keytree

import (
	"fmt"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Node is one element of a range cover: the root of a complete subtree,
// identified by its depth below the tree root.
type Node struct {
	Depth uint8
	Key   [KeySize]byte
}

// Cover returns the minimal set of subtree roots whose spans tile
// [start, end] exactly, in timestamp order. A cover never exceeds
// 2*MaxDepth nodes.
func Cover(root [KeySize]byte, start, end interfaces.Timestamp) ([]Node, error) {
	if start > end {
		return nil, fmt.Errorf("cover start %d after end %d", start, end)
	}

	type ref struct {
		depth uint8
		index uint64
	}
	var left, right []ref
	s, e := uint64(start), uint64(end)
	depth := uint8(MaxDepth)
	for {
		if s == e {
			left = append(left, ref{depth, s})
			break
		}
		if s&1 == 1 {
			left = append(left, ref{depth, s})
			s++
		}
		if e&1 == 0 {
			right = append(right, ref{depth, e})
			e--
		}
		if s > e {
			break
		}
		s >>= 1
		e >>= 1
		depth--
	}

	refs := make([]ref, 0, len(left)+len(right))
	refs = append(refs, left...)
	for i := len(right) - 1; i >= 0; i-- {
		refs = append(refs, right[i])
	}

	nodes := make([]Node, 0, len(refs))
	for _, r := range refs {
		nodes = append(nodes, Node{Depth: r.depth, Key: deriveNode(root, r.depth, r.index)})
	}
	return nodes, nil
}

// deriveNode walks from the root to the node at the given depth whose
// subtree index is index.
func deriveNode(root [KeySize]byte, depth uint8, index uint64) [KeySize]byte {
	key := root
	for i := 0; i < int(depth); i++ {
		left, right := children(key)
		if index&(1<<uint(int(depth)-1-i)) == 0 {
			key = left
		} else {
			key = right
		}
	}
	return key
}
