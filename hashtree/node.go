// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"fmt"
	"math/bits"

	"github.com/ava-labs/substratevm/types"
)

// Version numbers the states of a tree. Every batch of changes produces the
// next version.
type Version = uint64

// PlaceholderHash is the hash of an empty subtree.
var PlaceholderHash = types.ZeroHash

// NodeKey is the physical address of a tree node: the version that wrote it
// and its position below the root.
type NodeKey struct {
	Version Version
	Path    NibblePath
}

// RootKey returns the key of the root node of [version].
func RootKey(version Version) NodeKey {
	return NodeKey{Version: version}
}

// Child returns the key of the child [n] of k, written at [version].
func (k NodeKey) Child(version Version, n Nibble) NodeKey {
	return NodeKey{Version: version, Path: k.Path.Push(n)}
}

func (k NodeKey) Equal(other NodeKey) bool {
	return k.Version == other.Version && k.Path.Equal(other.Path)
}

func (k NodeKey) String() string {
	return fmt.Sprintf("v%d:%s", k.Version, k.Path)
}

// NodeType tags the three kinds of tree node.
type NodeType uint8

const (
	NodeTypeNull NodeType = iota
	NodeTypeLeaf
	NodeTypeInternal
)

// Node is one of *InternalNode, *LeafNode or NullNode.
type Node interface {
	Type() NodeType
	Hash() types.Hash
	LeafCount() uint64
}

// NullNode is the root of an empty tree.
type NullNode struct{}

func (NullNode) Type() NodeType    { return NodeTypeNull }
func (NullNode) Hash() types.Hash  { return PlaceholderHash }
func (NullNode) LeafCount() uint64 { return 0 }

// LeafNode holds the hash of one value. KeyHash is the full key hash; the
// part of it below the leaf's position is implied by the path.
type LeafNode struct {
	KeyHash   types.Hash
	ValueHash types.Hash
	// Version is the version at which the value hash last changed
	Version Version
}

func (*LeafNode) Type() NodeType    { return NodeTypeLeaf }
func (*LeafNode) LeafCount() uint64 { return 1 }

func (l *LeafNode) Hash() types.Hash {
	return leafHash(l.KeyHash, l.ValueHash)
}

func leafHash(key, value types.Hash) types.Hash {
	return types.HashOf(key[:], value[:])
}

func internalHash(left, right types.Hash) types.Hash {
	return types.HashOf(left[:], right[:])
}

// Child is the metadata an internal node keeps about one child.
type Child struct {
	Hash    types.Hash
	Version Version
	// LeafCount is 1 for leaves
	LeafCount uint64
	IsLeaf    bool
}

func childOf(version Version, n Node) *Child {
	return &Child{
		Hash:      n.Hash(),
		Version:   version,
		LeafCount: n.LeafCount(),
		IsLeaf:    n.Type() == NodeTypeLeaf,
	}
}

// InternalNode has up to 16 children indexed by nibble.
type InternalNode struct {
	Children  [16]*Child
	leafCount uint64
}

// NewInternalNode builds a node out of [children]; nil entries are absent.
func NewInternalNode(children [16]*Child) *InternalNode {
	n := &InternalNode{Children: children}
	for _, c := range children {
		if c != nil {
			n.leafCount += c.LeafCount
		}
	}
	return n
}

func (*InternalNode) Type() NodeType      { return NodeTypeInternal }
func (n *InternalNode) LeafCount() uint64 { return n.leafCount }

// NumChildren returns the number of present children.
func (n *InternalNode) NumChildren() int {
	count := 0
	for _, c := range n.Children {
		if c != nil {
			count++
		}
	}
	return count
}

// Hash computes the root of the 16 wide binary merkle tree over the
// children, where a range holding a single leaf hashes to that leaf.
func (n *InternalNode) Hash() types.Hash {
	existence, leaves := n.bitmaps()
	return n.merkleHash(0, 16, existence, leaves)
}

func (n *InternalNode) bitmaps() (uint16, uint16) {
	var existence, leaves uint16
	for i, c := range n.Children {
		if c == nil {
			continue
		}
		existence |= 1 << uint(i)
		if c.IsLeaf {
			leaves |= 1 << uint(i)
		}
	}
	return existence, leaves
}

func rangeBitmaps(start, width uint8, existence, leaves uint16) (uint16, uint16) {
	mask := uint16(((uint32(1) << width) - 1) << start)
	return existence & mask, leaves & mask
}

// singleChild reports whether the range [start, start+width) collapses to a
// single child, and which.
func singleChild(width uint8, existence, leaves uint16) (Nibble, bool) {
	if width == 1 || (bits.OnesCount16(existence) == 1 && leaves != 0) {
		return Nibble(bits.TrailingZeros16(existence)), true
	}
	return 0, false
}

func (n *InternalNode) merkleHash(start, width uint8, existence, leaves uint16) types.Hash {
	rangeExistence, rangeLeaves := rangeBitmaps(start, width, existence, leaves)
	if rangeExistence == 0 {
		return PlaceholderHash
	}
	if only, ok := singleChild(width, rangeExistence, rangeLeaves); ok {
		return n.Children[only].Hash
	}
	left := n.merkleHash(start, width/2, rangeExistence, rangeLeaves)
	right := n.merkleHash(start+width/2, width/2, rangeExistence, rangeLeaves)
	return internalHash(left, right)
}

// childWithSiblings walks the binary tree inside the node towards child
// [nib], collecting the sibling hashes from the top down. It returns the key
// of the child the walk ends at, or nil when the path is empty.
func (n *InternalNode) childWithSiblings(key NodeKey, nib Nibble) (*NodeKey, []types.Hash) {
	var (
		siblings          []types.Hash
		existence, leaves = n.bitmaps()
	)
	for h := 3; h >= 0; h-- {
		width := uint8(1) << uint(h)
		childStart := uint8(0xff<<uint(h)) & uint8(nib)
		siblingStart := childStart ^ (1 << uint(h))
		siblings = append(siblings, n.merkleHash(siblingStart, width, existence, leaves))

		rangeExistence, rangeLeaves := rangeBitmaps(childStart, width, existence, leaves)
		if rangeExistence == 0 {
			return nil, siblings
		}
		if only, ok := singleChild(width, rangeExistence, rangeLeaves); ok {
			childKey := key.Child(n.Children[only].Version, only)
			return &childKey, siblings
		}
	}
	panic("internal node walk did not terminate")
}
