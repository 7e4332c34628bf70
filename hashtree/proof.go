// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"errors"
	"fmt"

	"github.com/ava-labs/substratevm/types"
)

var (
	ErrTooManySiblings   = errors.New("proof has more siblings than key bits")
	ErrRootMismatch      = errors.New("proof does not lead to the expected root")
	ErrLeafMismatch      = errors.New("proof leaf does not match the queried value")
	ErrUnexpectedLeaf    = errors.New("exclusion proof leaf shares too short a prefix with the key")
	ErrMissingLeaf       = errors.New("inclusion proof without a leaf")
	ErrLeafForSameKey    = errors.New("exclusion proof leaf holds the queried key")
	ErrWrongNestedPrefix = errors.New("proof is for another module")
)

// SparseMerkleLeafNode is the part of a leaf a proof commits to.
type SparseMerkleLeafNode struct {
	KeyHash   types.Hash `json:"keyHash"`
	ValueHash types.Hash `json:"valueHash"`
}

func (l SparseMerkleLeafNode) Hash() types.Hash { return leafHash(l.KeyHash, l.ValueHash) }

// SparseMerkleProof proves the presence or absence of a key. Siblings are
// ordered from the leaf up to the root.
type SparseMerkleProof struct {
	Leaf     *SparseMerkleLeafNode `json:"leaf"`
	Siblings []types.Hash          `json:"siblings"`
}

// newProof takes siblings collected from the root down.
func newProof(leaf *SparseMerkleLeafNode, topDown []types.Hash) *SparseMerkleProof {
	siblings := make([]types.Hash, len(topDown))
	for i, h := range topDown {
		siblings[len(topDown)-1-i] = h
	}
	return &SparseMerkleProof{Leaf: leaf, Siblings: siblings}
}

// Verify checks that [keyHash] maps to [valueHash] in the tree rooted at
// [root], or that it is absent when [valueHash] is nil.
func (p *SparseMerkleProof) Verify(root types.Hash, keyHash types.Hash, valueHash *types.Hash) error {
	if len(p.Siblings) > 8*types.HashLen {
		return fmt.Errorf("%w: %d", ErrTooManySiblings, len(p.Siblings))
	}

	switch {
	case valueHash != nil && p.Leaf == nil:
		return ErrMissingLeaf
	case valueHash != nil:
		if p.Leaf.KeyHash != keyHash || p.Leaf.ValueHash != *valueHash {
			return ErrLeafMismatch
		}
	case p.Leaf != nil:
		if p.Leaf.KeyHash == keyHash {
			return ErrLeafForSameKey
		}
		// the leaf must sit where the key would have been
		if commonPrefixBits(p.Leaf.KeyHash, keyHash) < len(p.Siblings) {
			return ErrUnexpectedLeaf
		}
	}

	current := PlaceholderHash
	if p.Leaf != nil {
		current = p.Leaf.Hash()
	}
	for i, sibling := range p.Siblings {
		if bitAt(keyHash, len(p.Siblings)-1-i) {
			current = internalHash(sibling, current)
		} else {
			current = internalHash(current, sibling)
		}
	}
	if current != root {
		return fmt.Errorf("%w: got %s, expected %s", ErrRootMismatch, current, root)
	}
	return nil
}

func commonPrefixBits(a, b types.Hash) int {
	for i := 0; i < 8*types.HashLen; i++ {
		if bitAt(a, i) != bitAt(b, i) {
			return i
		}
	}
	return 8 * types.HashLen
}
