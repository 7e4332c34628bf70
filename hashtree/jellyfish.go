// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ava-labs/substratevm/types"
)

// maxNibbleDepth bounds tree walks so a corrupted store cannot loop forever.
const maxNibbleDepth = 1000

var (
	ErrNodeNotFound      = errors.New("tree node not found")
	ErrInconsistentState = errors.New("inconsistent tree state")
)

// TreeReader resolves node keys to nodes. Missing nodes are reported with an
// error wrapping ErrNodeNotFound.
type TreeReader interface {
	GetNode(key NodeKey) (Node, error)
}

// KeyUpdate sets the value hash stored under KeyHash, or deletes it when
// ValueHash is nil.
type KeyUpdate struct {
	KeyHash   types.Hash
	ValueHash *types.Hash
}

// StaleNodeIndex records that the node at NodeKey is unreachable from every
// root since StaleSinceVersion.
type StaleNodeIndex struct {
	StaleSinceVersion Version
	NodeKey           NodeKey
}

// NodeEntry is a node written by a batch.
type NodeEntry struct {
	Key  NodeKey
	Node Node
}

// TreeUpdateBatch collects the effects of one BatchPutValueSet call.
type TreeUpdateBatch struct {
	Nodes          []NodeEntry
	StaleNodes     []StaleNodeIndex
	NumNewLeaves   int
	NumStaleLeaves int
}

func (b *TreeUpdateBatch) putNode(key NodeKey, n Node) {
	if n.Type() == NodeTypeLeaf {
		b.NumNewLeaves++
	}
	b.Nodes = append(b.Nodes, NodeEntry{Key: key, Node: n})
}

func (b *TreeUpdateBatch) putStaleNode(key NodeKey, since Version, n Node) {
	if n.Type() == NodeTypeLeaf {
		b.NumStaleLeaves++
	}
	b.StaleNodes = append(b.StaleNodes, StaleNodeIndex{StaleSinceVersion: since, NodeKey: key})
}

// JellyfishMerkleTree is a versioned sparse merkle tree with 16 way internal
// nodes. It never mutates a stored node: every update writes new nodes at the
// new version and reports the ones it replaces as stale.
type JellyfishMerkleTree struct {
	reader TreeReader
}

func NewJellyfishMerkleTree(reader TreeReader) *JellyfishMerkleTree {
	return &JellyfishMerkleTree{reader: reader}
}

// sortedUpdates dedups [updates], keeping the last update of each key, and
// sorts them by key hash.
func sortedUpdates(updates []KeyUpdate) []KeyUpdate {
	last := make(map[types.Hash]int, len(updates))
	for i, u := range updates {
		last[u.KeyHash] = i
	}
	out := make([]KeyUpdate, 0, len(last))
	for i, u := range updates {
		if last[u.KeyHash] == i {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].KeyHash[:], out[j].KeyHash[:]) < 0
	})
	return out
}

// BatchPutValueSet applies [updates] to the tree at [persistedVersion] (nil
// for the empty tree) and returns the root hash of [version] along with the
// nodes to write and the nodes made stale. The root is always written, as a
// NullNode if the tree became empty.
func (t *JellyfishMerkleTree) BatchPutValueSet(
	updates []KeyUpdate,
	persistedVersion *Version,
	version Version,
) (types.Hash, *TreeUpdateBatch, error) {
	root, batch, err := t.batchPut(updates, persistedVersion, version)
	if err != nil {
		return types.ZeroHash, nil, err
	}
	if root == nil {
		batch.putNode(RootKey(version), NullNode{})
		return PlaceholderHash, batch, nil
	}
	batch.putNode(RootKey(version), root)
	return root.Hash(), batch, nil
}

// batchPut computes the new root without adding it to the batch. A nil root
// means the tree is empty.
func (t *JellyfishMerkleTree) batchPut(
	updates []KeyUpdate,
	persistedVersion *Version,
	version Version,
) (Node, *TreeUpdateBatch, error) {
	var (
		kvs   = sortedUpdates(updates)
		batch = &TreeUpdateBatch{}
		root  Node
		err   error
	)
	if persistedVersion != nil {
		root, err = t.batchInsertAt(RootKey(*persistedVersion), version, kvs, 0, batch)
	} else {
		root, err = t.batchUpdateSubtree(RootKey(version), version, kvs, 0, batch)
	}
	if err != nil {
		return nil, nil, err
	}
	return root, batch, nil
}

func (t *JellyfishMerkleTree) batchInsertAt(
	key NodeKey,
	version Version,
	kvs []KeyUpdate,
	depth int,
	batch *TreeUpdateBatch,
) (Node, error) {
	node, err := t.reader.GetNode(key)
	if err != nil {
		return nil, err
	}
	batch.putStaleNode(key, version, node)

	switch n := node.(type) {
	case *InternalNode:
		return t.batchInsertAtInternal(key, n, version, kvs, depth, batch)
	case *LeafNode:
		return t.batchUpdateSubtreeWithExistingLeaf(key, version, n, kvs, depth, batch)
	case NullNode:
		if depth != 0 {
			return nil, fmt.Errorf("%w: null node at depth %d", ErrInconsistentState, depth)
		}
		return t.batchUpdateSubtree(key, version, kvs, 0, batch)
	default:
		return nil, fmt.Errorf("%w: unknown node type %T", ErrInconsistentState, node)
	}
}

func (t *JellyfishMerkleTree) batchInsertAtInternal(
	key NodeKey,
	node *InternalNode,
	version Version,
	kvs []KeyUpdate,
	depth int,
	batch *TreeUpdateBatch,
) (Node, error) {
	var (
		oldChildren = node.Children
		newChildren [16]Node
		numNew      int
	)
	for _, r := range nibbleRanges(kvs, depth) {
		nib := nibbleAt(kvs[r.left].KeyHash, depth)
		var (
			child Node
			err   error
		)
		if existing := node.Children[nib]; existing != nil {
			child, err = t.batchInsertAt(key.Child(existing.Version, nib), version, kvs[r.left:r.right+1], depth+1, batch)
		} else {
			child, err = t.batchUpdateSubtree(key.Child(version, nib), version, kvs[r.left:r.right+1], depth+1, batch)
		}
		if err != nil {
			return nil, err
		}
		if child == nil {
			oldChildren[nib] = nil
			continue
		}
		newChildren[nib] = child
		numNew++
	}

	numOld := 0
	for _, c := range oldChildren {
		if c != nil {
			numOld++
		}
	}

	switch {
	case numOld == 0 && numNew == 0:
		return nil, nil
	case numOld <= 1 && numNew <= 1:
		if numNew == 1 {
			nib, child := firstNode(newChildren)
			if child.Type() == NodeTypeLeaf && (numOld == 0 || oldChildren[nib] != nil) {
				return child, nil
			}
		} else {
			nib, old := firstChild(oldChildren)
			if old.IsLeaf {
				// a lone leaf moves up to take the place of this node
				oldKey := key.Child(old.Version, nib)
				oldLeaf, err := t.reader.GetNode(oldKey)
				if err != nil {
					return nil, err
				}
				batch.putStaleNode(oldKey, version, oldLeaf)
				return oldLeaf, nil
			}
		}
	}

	children := oldChildren
	for nib, child := range newChildren {
		if child == nil {
			continue
		}
		childKey := key.Child(version, Nibble(nib))
		children[nib] = childOf(version, child)
		batch.putNode(childKey, child)
	}
	return NewInternalNode(children), nil
}

func firstNode(nodes [16]Node) (Nibble, Node) {
	for i, n := range nodes {
		if n != nil {
			return Nibble(i), n
		}
	}
	return 0, nil
}

func firstChild(children [16]*Child) (Nibble, *Child) {
	for i, c := range children {
		if c != nil {
			return Nibble(i), c
		}
	}
	return 0, nil
}

func (t *JellyfishMerkleTree) batchUpdateSubtreeWithExistingLeaf(
	key NodeKey,
	version Version,
	existing *LeafNode,
	kvs []KeyUpdate,
	depth int,
	batch *TreeUpdateBatch,
) (Node, error) {
	if len(kvs) == 1 && kvs[0].KeyHash == existing.KeyHash {
		return newLeaf(kvs[0], version), nil
	}

	var (
		existingNibble = nibbleAt(existing.KeyHash, depth)
		isolated       = true
		children       []indexedNode
	)
	for _, r := range nibbleRanges(kvs, depth) {
		nib := nibbleAt(kvs[r.left].KeyHash, depth)
		childKey := key.Child(version, nib)
		var (
			child Node
			err   error
		)
		if nib == existingNibble {
			isolated = false
			child, err = t.batchUpdateSubtreeWithExistingLeaf(childKey, version, existing, kvs[r.left:r.right+1], depth+1, batch)
		} else {
			child, err = t.batchUpdateSubtree(childKey, version, kvs[r.left:r.right+1], depth+1, batch)
		}
		if err != nil {
			return nil, err
		}
		if child != nil {
			children = append(children, indexedNode{nibble: nib, node: child})
		}
	}
	if isolated {
		children = append(children, indexedNode{nibble: existingNibble, node: existing})
	}
	return buildInternal(key, version, children, batch), nil
}

func (t *JellyfishMerkleTree) batchUpdateSubtree(
	key NodeKey,
	version Version,
	kvs []KeyUpdate,
	depth int,
	batch *TreeUpdateBatch,
) (Node, error) {
	if len(kvs) == 1 {
		return newLeaf(kvs[0], version), nil
	}

	var children []indexedNode
	for _, r := range nibbleRanges(kvs, depth) {
		nib := nibbleAt(kvs[r.left].KeyHash, depth)
		child, err := t.batchUpdateSubtree(key.Child(version, nib), version, kvs[r.left:r.right+1], depth+1, batch)
		if err != nil {
			return nil, err
		}
		if child != nil {
			children = append(children, indexedNode{nibble: nib, node: child})
		}
	}
	return buildInternal(key, version, children, batch), nil
}

// newLeaf returns the leaf for [kv], or nil (not a typed nil) for a deletion.
func newLeaf(kv KeyUpdate, version Version) Node {
	if kv.ValueHash == nil {
		return nil
	}
	return &LeafNode{KeyHash: kv.KeyHash, ValueHash: *kv.ValueHash, Version: version}
}

type indexedNode struct {
	nibble Nibble
	node   Node
}

// buildInternal turns freshly computed children into the node replacing
// [key]: nothing, a lone leaf hoisted up, or a new internal node whose
// children are added to the batch.
func buildInternal(key NodeKey, version Version, children []indexedNode, batch *TreeUpdateBatch) Node {
	switch {
	case len(children) == 0:
		return nil
	case len(children) == 1 && children[0].node.Type() == NodeTypeLeaf:
		return children[0].node
	}
	var slots [16]*Child
	for _, c := range children {
		slots[c.nibble] = childOf(version, c.node)
		batch.putNode(key.Child(version, c.nibble), c.node)
	}
	return NewInternalNode(slots)
}

type nibbleRange struct {
	left, right int
}

// nibbleRanges splits the sorted [kvs] into the maximal runs sharing the
// nibble at [depth]. Bounds are inclusive.
func nibbleRanges(kvs []KeyUpdate, depth int) []nibbleRange {
	var out []nibbleRange
	for pos := 0; pos < len(kvs); {
		cur := nibbleAt(kvs[pos].KeyHash, depth)
		// binary search for the last index holding cur
		i, j := pos, len(kvs)-1
		for i < j {
			mid := j - (j-i)/2
			if nibbleAt(kvs[mid].KeyHash, depth) > cur {
				j = mid - 1
			} else {
				i = mid
			}
		}
		out = append(out, nibbleRange{left: pos, right: i})
		pos = i + 1
	}
	return out
}

// GetRootHash returns the root hash of [version].
func (t *JellyfishMerkleTree) GetRootHash(version Version) (types.Hash, error) {
	root, err := t.reader.GetNode(RootKey(version))
	if err != nil {
		return types.ZeroHash, err
	}
	return root.Hash(), nil
}

// GetLeafCount returns the number of values stored at [version].
func (t *JellyfishMerkleTree) GetLeafCount(version Version) (uint64, error) {
	root, err := t.reader.GetNode(RootKey(version))
	if err != nil {
		return 0, err
	}
	return root.LeafCount(), nil
}

// Get returns the leaf holding [keyHash] at [version], or nil.
func (t *JellyfishMerkleTree) Get(keyHash types.Hash, version Version) (*LeafNode, error) {
	leaf, _, err := t.GetWithProof(keyHash, version)
	return leaf, err
}

// GetWithProof returns the leaf holding [keyHash] at [version], or nil, with
// a proof of inclusion or exclusion against the root of [version].
func (t *JellyfishMerkleTree) GetWithProof(keyHash types.Hash, version Version) (*LeafNode, *SparseMerkleProof, error) {
	var (
		next     = RootKey(version)
		siblings []types.Hash
	)
	for depth := 0; depth < maxNibbleDepth; depth++ {
		node, err := t.reader.GetNode(next)
		if err != nil {
			return nil, nil, err
		}
		switch n := node.(type) {
		case *InternalNode:
			if depth >= 2*types.HashLen {
				return nil, nil, fmt.Errorf("%w: internal node below key length", ErrInconsistentState)
			}
			childKey, inNode := n.childWithSiblings(next, nibbleAt(keyHash, depth))
			siblings = append(siblings, inNode...)
			if childKey == nil {
				return nil, newProof(nil, siblings), nil
			}
			next = *childKey
		case *LeafNode:
			proof := newProof(&SparseMerkleLeafNode{KeyHash: n.KeyHash, ValueHash: n.ValueHash}, siblings)
			if n.KeyHash == keyHash {
				return n, proof, nil
			}
			return nil, proof, nil
		case NullNode:
			return nil, newProof(nil, nil), nil
		default:
			return nil, nil, fmt.Errorf("%w: unknown node type %T", ErrInconsistentState, node)
		}
	}
	return nil, nil, ErrInconsistentState
}

// GetAllNodesReferenced returns the keys of every node reachable from the
// root of [version], children before parents.
func (t *JellyfishMerkleTree) GetAllNodesReferenced(version Version) ([]NodeKey, error) {
	var out []NodeKey
	err := t.walk(RootKey(version), func(key NodeKey, _ Node) error {
		out = append(out, key)
		return nil
	})
	return out, err
}

// walk visits every node reachable from [key] in post order.
func (t *JellyfishMerkleTree) walk(key NodeKey, visit func(NodeKey, Node) error) error {
	node, err := t.reader.GetNode(key)
	if err != nil {
		return err
	}
	if internal, ok := node.(*InternalNode); ok {
		for nib, c := range internal.Children {
			if c == nil {
				continue
			}
			if err := t.walk(key.Child(c.Version, Nibble(nib)), visit); err != nil {
				return err
			}
		}
	}
	return visit(key, node)
}
