// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ava-labs/substratevm/track"
	"github.com/ava-labs/substratevm/types"
)

// openLock is an entry of a frame's substate lock table.
type openLock struct {
	id     types.SubstateID
	flags  types.LockFlags
	onHeap bool
	handle track.Handle

	// visible are the non-global nodes the substate exposes to the frame
	// while the lock is open.
	visible []types.NodeID
}

// CallFrame is the state of one invocation. Frames live in the kernel's
// arena and refer to their caller by index.
type CallFrame struct {
	depth  int
	parent int
	actor  Actor

	authZone types.NodeID

	// owned nodes may be moved or dropped by this frame
	owned mapset.Set[types.NodeID]
	// stableRefs are global nodes this frame may access
	stableRefs mapset.Set[types.NodeID]
	// directRefs are non-global nodes this frame was handed a reference to
	directRefs mapset.Set[types.NodeID]
	// transient counts the open locks exposing a node
	transient map[types.NodeID]uint32

	nextHandle LockHandle
	locks      map[LockHandle]*openLock
}

func newCallFrame(depth int, parent int, actor Actor) *CallFrame {
	return &CallFrame{
		depth:      depth,
		parent:     parent,
		actor:      actor,
		owned:      mapset.NewThreadUnsafeSet[types.NodeID](),
		stableRefs: mapset.NewThreadUnsafeSet[types.NodeID](),
		directRefs: mapset.NewThreadUnsafeSet[types.NodeID](),
		transient:  make(map[types.NodeID]uint32),
		locks:      make(map[LockHandle]*openLock),
	}
}

func (f *CallFrame) Depth() int { return f.depth }

func (f *CallFrame) Actor() Actor { return f.actor }

// Owns reports whether the frame owns [id].
func (f *CallFrame) Owns(id types.NodeID) bool { return f.owned.Contains(id) }

// IsVisible reports whether the frame may access [id].
func (f *CallFrame) IsVisible(id types.NodeID) bool {
	return f.owned.Contains(id) ||
		f.stableRefs.Contains(id) ||
		f.directRefs.Contains(id) ||
		f.transient[id] > 0
}

// OwnedNodes returns the owned nodes in id order.
func (f *CallFrame) OwnedNodes() []types.NodeID {
	return sortedIDs(f.owned.ToSlice())
}

func (f *CallFrame) addTransient(ids []types.NodeID) {
	for _, id := range ids {
		f.transient[id]++
	}
}

func (f *CallFrame) removeTransient(ids []types.NodeID) {
	for _, id := range ids {
		if f.transient[id] <= 1 {
			delete(f.transient, id)
			continue
		}
		f.transient[id]--
	}
}

func (f *CallFrame) newHandle(lock *openLock) LockHandle {
	f.nextHandle++
	f.locks[f.nextHandle] = lock
	return f.nextHandle
}

// expose makes the nodes held by [v] visible to the frame. Global
// references stay visible after the lock closes; the rest is returned so
// it can be hidden again.
func (f *CallFrame) expose(v types.Value) []types.NodeID {
	visible := append([]types.NodeID(nil), v.Owned...)
	for _, ref := range v.References {
		if ref.IsGlobal() {
			f.stableRefs.Add(ref)
			continue
		}
		visible = append(visible, ref)
	}
	f.addTransient(visible)
	return visible
}

// lockedAfterClose returns a node that closing [h] would hide from the
// frame while another of the frame's locks is still open on it.
func (f *CallFrame) lockedAfterClose(h LockHandle, lock *openLock) (types.NodeID, bool) {
	for _, id := range lock.visible {
		if f.transient[id] > 1 ||
			f.owned.Contains(id) ||
			f.stableRefs.Contains(id) ||
			f.directRefs.Contains(id) {
			continue
		}
		for other, l := range f.locks {
			if other != h && l.id.NodeID == id {
				return id, true
			}
		}
	}
	return types.EmptyNodeID, false
}

func sortedIDs(ids []types.NodeID) []types.NodeID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}
