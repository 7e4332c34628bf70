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

// IDChange sets the value of ID, or deletes it when Value is nil.
type IDChange[I any, V any] struct {
	ID    I
	Value *V
}

// SubstateHashChange upserts or deletes the hash of one substate.
type SubstateHashChange = IDChange[types.SubstateID, types.Hash]

// NewUpsert returns the change setting the hash of [id].
func NewUpsert(id types.SubstateID, h types.Hash) SubstateHashChange {
	return SubstateHashChange{ID: id, Value: &h}
}

// NewDelete returns the change removing [id].
func NewDelete(id types.SubstateID) SubstateHashChange {
	return SubstateHashChange{ID: id}
}

// ReNodeModuleKeyHash is the upper tree key of one module of one node.
func ReNodeModuleKeyHash(nodeID types.NodeID, moduleID types.ModuleID) types.Hash {
	return types.HashOf(nodeID[:], []byte{byte(moduleID)})
}

// SubstateKeyHash is the nested tree key of a substate.
func SubstateKeyHash(key types.SubstateKey) types.Hash {
	return types.HashOf(key.Bytes())
}

type moduleChanges struct {
	module  types.NodeModule
	keyHash types.Hash
	updates []KeyUpdate
}

// groupByModule partitions [changes] by (node, module), ordered by the
// module's upper tree key.
func groupByModule(changes []SubstateHashChange) []*moduleChanges {
	byModule := make(map[types.NodeModule]*moduleChanges)
	for _, change := range changes {
		nm := types.NodeModule{NodeID: change.ID.NodeID, ModuleID: change.ID.ModuleID}
		group, ok := byModule[nm]
		if !ok {
			group = &moduleChanges{
				module:  nm,
				keyHash: ReNodeModuleKeyHash(nm.NodeID, nm.ModuleID),
			}
			byModule[nm] = group
		}
		group.updates = append(group.updates, KeyUpdate{
			KeyHash:   SubstateKeyHash(change.ID.Key),
			ValueHash: change.Value,
		})
	}
	out := make([]*moduleChanges, 0, len(byModule))
	for _, group := range byModule {
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].keyHash[:], out[j].keyHash[:]) < 0
	})
	return out
}

// PutAtNextVersion applies [changes] to the two tier state tree at
// [currentVersion] (nil for the empty tree) and returns the root hash of the
// next version. Each (node, module) pair owns a nested tree over its
// substates; the upper tree maps each pair to the root hash of its nested
// tree. New nodes are inserted into [store] and superseded ones recorded as
// stale.
//
// PutAtNextVersion panics if the root of [currentVersion] is missing from the
// store.
func PutAtNextVersion(store TreeStore, currentVersion *Version, changes []SubstateHashChange) (types.Hash, error) {
	nextVersion := Version(1)
	if currentVersion != nil {
		nextVersion = *currentVersion + 1
		mustHaveNode(store, RootKey(*currentVersion), "state root")
	}

	upper := NewJellyfishMerkleTree(store)
	upperUpdates := make([]KeyUpdate, 0, len(changes))
	for _, group := range groupByModule(changes) {
		var nestedVersion *Version
		if currentVersion != nil {
			leaf, err := upper.Get(group.keyHash, *currentVersion)
			if err != nil {
				return types.ZeroHash, err
			}
			if leaf != nil {
				v := leaf.Version
				nestedVersion = &v
			}
		}

		nestedStore := NewNestedTreeStore(store, group.keyHash)
		if nestedVersion != nil {
			mustHaveNode(nestedStore, RootKey(*nestedVersion), "nested root of "+group.module.NodeID.String())
		}
		nestedRoot, err := putNested(nestedStore, group.updates, nestedVersion, nextVersion)
		if err != nil {
			return types.ZeroHash, fmt.Errorf("failed to update %s/%s: %w", group.module.NodeID, group.module.ModuleID, err)
		}

		update := KeyUpdate{KeyHash: group.keyHash}
		if nestedRoot != nil {
			h := nestedRoot.Hash()
			update.ValueHash = &h
		}
		upperUpdates = append(upperUpdates, update)
	}

	root, batch, err := upper.BatchPutValueSet(upperUpdates, currentVersion, nextVersion)
	if err != nil {
		return types.ZeroHash, err
	}
	if err := applyBatch(store, batch, false); err != nil {
		return types.ZeroHash, err
	}
	return root, nil
}

// putNested updates one nested tree and returns its new root, nil when the
// tree became empty. An empty nested tree leaves no node behind.
func putNested(store *NestedTreeStore, updates []KeyUpdate, persisted *Version, version Version) (Node, error) {
	tree := NewJellyfishMerkleTree(store)
	root, batch, err := tree.batchPut(updates, persisted, version)
	if err != nil {
		return nil, err
	}
	if root != nil {
		batch.putNode(RootKey(version), root)
	}
	if err := applyBatch(store, batch, true); err != nil {
		return nil, err
	}
	return root, nil
}

func mustHaveNode(store ReadableTreeStore, key NodeKey, what string) {
	_, err := store.GetNode(key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNodeNotFound):
		panic(fmt.Sprintf("%s missing at %s: store is corrupted", what, key))
	default:
		panic(fmt.Sprintf("failed to read %s at %s: %v", what, key, err))
	}
}

// GetModuleRoot returns the root hash of the nested tree of (nodeID,
// moduleID) at [version], and false if the module holds no substates.
func GetModuleRoot(store ReadableTreeStore, version Version, nodeID types.NodeID, moduleID types.ModuleID) (types.Hash, bool, error) {
	leaf, err := NewJellyfishMerkleTree(store).Get(ReNodeModuleKeyHash(nodeID, moduleID), version)
	if err != nil || leaf == nil {
		return types.ZeroHash, false, err
	}
	return leaf.ValueHash, true, nil
}

// SubstateProof proves the hash of a substate against a state root: a
// nested proof up to the module root, and an upper proof from there.
type SubstateProof struct {
	ModuleRoot types.Hash         `json:"moduleRoot"`
	Nested     *SparseMerkleProof `json:"nested"`
	Upper      *SparseMerkleProof `json:"upper"`
}

// GetSubstateHashWithProof returns the hash stored for [id] at [version],
// nil if absent, together with a proof against the state root.
func GetSubstateHashWithProof(store ReadableTreeStore, version Version, id types.SubstateID) (*types.Hash, *SubstateProof, error) {
	moduleKeyHash := ReNodeModuleKeyHash(id.NodeID, id.ModuleID)
	leaf, upperProof, err := NewJellyfishMerkleTree(store).GetWithProof(moduleKeyHash, version)
	if err != nil {
		return nil, nil, err
	}
	proof := &SubstateProof{Upper: upperProof}
	if leaf == nil {
		return nil, proof, nil
	}
	proof.ModuleRoot = leaf.ValueHash

	nested := NewJellyfishMerkleTree(newNestedReader(store, moduleKeyHash))
	substateLeaf, nestedProof, err := nested.GetWithProof(SubstateKeyHash(id.Key), leaf.Version)
	if err != nil {
		return nil, nil, err
	}
	proof.Nested = nestedProof
	if substateLeaf == nil {
		return nil, proof, nil
	}
	h := substateLeaf.ValueHash
	return &h, proof, nil
}

// Verify checks that [id] holds [valueHash] (or is absent when nil) in the
// state committed to by [root].
func (p *SubstateProof) Verify(root types.Hash, id types.SubstateID, valueHash *types.Hash) error {
	moduleKeyHash := ReNodeModuleKeyHash(id.NodeID, id.ModuleID)
	if p.Nested == nil {
		if valueHash != nil {
			return ErrMissingLeaf
		}
		return p.Upper.Verify(root, moduleKeyHash, nil)
	}
	if err := p.Nested.Verify(p.ModuleRoot, SubstateKeyHash(id.Key), valueHash); err != nil {
		return err
	}
	moduleRoot := p.ModuleRoot
	return p.Upper.Verify(root, moduleKeyHash, &moduleRoot)
}

// nestedReader reads a nested tree out of a store without write access.
type nestedReader struct {
	reader ReadableTreeStore
	prefix NibblePath
}

func newNestedReader(reader ReadableTreeStore, moduleKeyHash types.Hash) *nestedReader {
	return &nestedReader{reader: reader, prefix: nestedPrefix(moduleKeyHash)}
}

func (r *nestedReader) physical(key NodeKey) NodeKey {
	return NodeKey{Version: key.Version, Path: r.prefix.Concat(key.Path)}
}

func (r *nestedReader) GetNode(key NodeKey) (Node, error) {
	return r.reader.GetNode(r.physical(key))
}

// ReachableNodeKeys returns the physical key of every node reachable from
// the root of [version] across both tiers.
func ReachableNodeKeys(store ReadableTreeStore, version Version) ([]NodeKey, error) {
	var out []NodeKey
	upper := NewJellyfishMerkleTree(store)
	err := upper.walk(RootKey(version), func(key NodeKey, n Node) error {
		out = append(out, key)
		leaf, ok := n.(*LeafNode)
		if !ok {
			return nil
		}
		nested := newNestedReader(store, leaf.KeyHash)
		return NewJellyfishMerkleTree(nested).walk(RootKey(leaf.Version), func(key NodeKey, _ Node) error {
			out = append(out, nested.physical(key))
			return nil
		})
	})
	return out, err
}
