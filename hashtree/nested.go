// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import "github.com/ava-labs/substratevm/types"

// tierSeparator follows a module's key hash in the physical path of its
// nested tree. Upper tree paths are at most 64 nibbles long, so nested node
// keys can never be confused with them.
var tierSeparator = []byte{0x00}

var _ TreeStore = (*NestedTreeStore)(nil)

// NestedTreeStore presents the nested tree of one module as a standalone
// tree. Every key is transparently prefixed with the module's own path.
type NestedTreeStore struct {
	underlying TreeStore
	prefix     NibblePath
}

// NewNestedTreeStore returns the view of [underlying] holding the nested tree
// of the module whose upper tree key is [moduleKeyHash].
func NewNestedTreeStore(underlying TreeStore, moduleKeyHash types.Hash) *NestedTreeStore {
	return &NestedTreeStore{
		underlying: underlying,
		prefix:     nestedPrefix(moduleKeyHash),
	}
}

func nestedPrefix(moduleKeyHash types.Hash) NibblePath {
	b := make([]byte, 0, types.HashLen+len(tierSeparator))
	b = append(b, moduleKeyHash[:]...)
	b = append(b, tierSeparator...)
	return NewNibblePath(b)
}

// Physical maps a nested node key to the key it is stored under.
func (s *NestedTreeStore) Physical(key NodeKey) NodeKey {
	return NodeKey{Version: key.Version, Path: s.prefix.Concat(key.Path)}
}

func (s *NestedTreeStore) GetNode(key NodeKey) (Node, error) {
	return s.underlying.GetNode(s.Physical(key))
}

func (s *NestedTreeStore) InsertNode(key NodeKey, node Node) error {
	return s.underlying.InsertNode(s.Physical(key), node)
}

func (s *NestedTreeStore) RecordStaleNode(key NodeKey) error {
	return s.underlying.RecordStaleNode(s.Physical(key))
}
