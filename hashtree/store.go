// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"fmt"
	"sort"
)

// ReadableTreeStore resolves physical node keys. GetNode returns an error
// wrapping ErrNodeNotFound for absent keys.
type ReadableTreeStore interface {
	GetNode(key NodeKey) (Node, error)
}

// WriteableTreeStore persists the effects of a tree update.
type WriteableTreeStore interface {
	// InsertNode stores a node written by an update.
	InsertNode(key NodeKey, node Node) error
	// RecordStaleNode marks a node as no longer reachable from the newest
	// root. It is called exactly once per superseded node.
	RecordStaleNode(key NodeKey) error
}

// TreeStore is the storage interface the state tree runs against.
type TreeStore interface {
	ReadableTreeStore
	WriteableTreeStore
}

// applyBatch writes [batch] to [store]. When [skipNullRoot] is set the
// NullNode of an emptied tree is not written.
func applyBatch(store WriteableTreeStore, batch *TreeUpdateBatch, skipNullRoot bool) error {
	for _, entry := range batch.Nodes {
		if skipNullRoot && entry.Node.Type() == NodeTypeNull {
			continue
		}
		if err := store.InsertNode(entry.Key, entry.Node); err != nil {
			return err
		}
	}
	for _, stale := range batch.StaleNodes {
		if err := store.RecordStaleNode(stale.NodeKey); err != nil {
			return err
		}
	}
	return nil
}

var _ TreeStore = (*MemoryTreeStore)(nil)

// MemoryTreeStore keeps every node in memory. Stale nodes are recorded but
// kept until Prune is called.
type MemoryTreeStore struct {
	nodes map[string]NodeEntry
	stale []NodeKey
}

func NewMemoryTreeStore() *MemoryTreeStore {
	return &MemoryTreeStore{nodes: make(map[string]NodeEntry)}
}

func (s *MemoryTreeStore) GetNode(key NodeKey) (Node, error) {
	entry, ok := s.nodes[string(encodeNodeKey(key))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	return entry.Node, nil
}

func (s *MemoryTreeStore) InsertNode(key NodeKey, node Node) error {
	s.nodes[string(encodeNodeKey(key))] = NodeEntry{Key: key, Node: node}
	return nil
}

func (s *MemoryTreeStore) RecordStaleNode(key NodeKey) error {
	s.stale = append(s.stale, key)
	return nil
}

// StaleNodes returns the keys recorded as stale since the last Prune.
func (s *MemoryTreeStore) StaleNodes() []NodeKey {
	return append([]NodeKey(nil), s.stale...)
}

// Len returns the number of stored nodes.
func (s *MemoryTreeStore) Len() int { return len(s.nodes) }

// Keys returns the keys of every stored node in encoded order.
func (s *MemoryTreeStore) Keys() []NodeKey {
	encoded := make([]string, 0, len(s.nodes))
	for k := range s.nodes {
		encoded = append(encoded, k)
	}
	sort.Strings(encoded)
	out := make([]NodeKey, len(encoded))
	for i, k := range encoded {
		out[i] = s.nodes[k].Key
	}
	return out
}

// Prune deletes every node recorded as stale and forgets the records.
func (s *MemoryTreeStore) Prune() int {
	pruned := 0
	for _, key := range s.stale {
		k := string(encodeNodeKey(key))
		if _, ok := s.nodes[k]; ok {
			delete(s.nodes, k)
			pruned++
		}
	}
	s.stale = nil
	return pruned
}
