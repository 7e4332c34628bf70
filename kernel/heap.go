// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"github.com/ava-labs/substratevm/track"
	"github.com/ava-labs/substratevm/types"
)

type substateRef struct {
	moduleID types.ModuleID
	key      types.SubstateKey
}

type lockState struct {
	readers uint32
	write   bool
}

// heapNode is a node that has not been moved into the store yet.
type heapNode struct {
	substates NodeSubstates
	locks     map[substateRef]*lockState
	pinned    bool
}

// locked reports whether any substate of the node is open.
func (n *heapNode) locked() bool {
	return len(n.locks) > 0
}

func (n *heapNode) acquire(id types.SubstateID, flags types.LockFlags) error {
	if flags.Contains(types.LockFlagsUnmodifiedBase) {
		return &track.AcquireLockError{Kind: track.LockUnmodifiedBaseOnNewSubstate, ID: id}
	}
	if _, ok := n.substates.Get(id.ModuleID, id.Key); !ok && !flags.Contains(types.LockFlagsCreateOnMiss) {
		return &track.AcquireLockError{Kind: track.NotFound, ID: id}
	}
	ref := substateRef{moduleID: id.ModuleID, key: id.Key}
	state, ok := n.locks[ref]
	if !ok {
		state = &lockState{}
	}
	if flags.Contains(types.LockFlagsMutable) {
		if state.write || state.readers > 0 {
			return &track.AcquireLockError{Kind: track.SubstateLocked, ID: id}
		}
		state.write = true
	} else {
		if state.write {
			return &track.AcquireLockError{Kind: track.SubstateLocked, ID: id}
		}
		state.readers++
	}
	n.locks[ref] = state
	return nil
}

func (n *heapNode) release(id types.SubstateID, flags types.LockFlags) {
	ref := substateRef{moduleID: id.ModuleID, key: id.Key}
	state, ok := n.locks[ref]
	if !ok {
		return
	}
	if flags.Contains(types.LockFlagsMutable) {
		state.write = false
	} else {
		state.readers--
	}
	if !state.write && state.readers == 0 {
		delete(n.locks, ref)
	}
}

// Heap holds the nodes created by a transaction that are owned by call
// frames or by other heap nodes.
type Heap struct {
	nodes map[types.NodeID]*heapNode
}

func NewHeap() *Heap {
	return &Heap{nodes: make(map[types.NodeID]*heapNode)}
}

func (h *Heap) Contains(id types.NodeID) bool {
	_, ok := h.nodes[id]
	return ok
}

func (h *Heap) Len() int { return len(h.nodes) }

func (h *Heap) get(id types.NodeID) (*heapNode, bool) {
	n, ok := h.nodes[id]
	return n, ok
}

// insert stores a copy of [substates] so that later changes go through
// substate locks.
func (h *Heap) insert(id types.NodeID, substates NodeSubstates) {
	h.nodes[id] = &heapNode{
		substates: substates.clone(),
		locks:     make(map[substateRef]*lockState),
	}
}

// owner returns the heap node holding [id] in one of its substates.
func (h *Heap) owner(id types.NodeID) (types.NodeID, bool) {
	for ownerID, n := range h.nodes {
		for _, module := range n.substates {
			for _, v := range module {
				if v.OwnsNode(id) {
					return ownerID, true
				}
			}
		}
	}
	return types.EmptyNodeID, false
}

// ownedBy reports whether [ancestor] is [id] or owns it, directly or
// through other heap nodes.
func (h *Heap) ownedBy(id types.NodeID, ancestor types.NodeID) bool {
	for i := 0; i <= len(h.nodes); i++ {
		if id == ancestor {
			return true
		}
		parent, ok := h.owner(id)
		if !ok {
			return false
		}
		id = parent
	}
	return false
}

func (h *Heap) remove(id types.NodeID) (*heapNode, bool) {
	n, ok := h.nodes[id]
	if ok {
		delete(h.nodes, id)
	}
	return n, ok
}
