// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package idalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/substratevm/types"
)

var (
	ErrOutOfID                = errors.New("out of node ids")
	ErrAllocatedIDsNotEmpty   = errors.New("allocated node ids were never taken")
	ErrNodeIDWasNotAllocated  = errors.New("node id was not allocated")
	ErrNoScope                = errors.New("no allocation scope")
	ErrAlreadyPreAllocated    = errors.New("node id already pre-allocated")
	ErrCannotPreAllocateLocal = errors.New("only global node ids can be pre-allocated")
	ErrUnknownEntityType      = errors.New("unknown entity type")
)

// Allocator hands out node ids for a single transaction. Ids are scoped to
// the call frame that allocated them: a frame must consume every id it
// allocates by creating a node with it before the frame is popped.
type Allocator struct {
	txHash ids.ID

	// counters holds the next index to hand out per entity type
	counters map[types.EntityType]uint32
	// scopes[len(scopes)-1] is the scope of the active call frame
	scopes []*scope
	// preAllocated are reserved addresses consumable from any scope
	preAllocated map[types.NodeID]struct{}
}

type scope struct {
	allocated map[types.NodeID]struct{}
	// order keeps leak reports deterministic
	order []types.NodeID
}

func newScope() *scope {
	return &scope{allocated: make(map[types.NodeID]struct{})}
}

func (s *scope) take(id types.NodeID) bool {
	if _, ok := s.allocated[id]; !ok {
		return false
	}
	delete(s.allocated, id)
	return true
}

func (s *scope) leaked() []types.NodeID {
	out := make([]types.NodeID, 0, len(s.allocated))
	for _, id := range s.order {
		if _, ok := s.allocated[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// New returns an allocator for the transaction [txHash] with the root scope
// already entered.
func New(txHash ids.ID) *Allocator {
	return &Allocator{
		txHash:       txHash,
		counters:     make(map[types.EntityType]uint32),
		scopes:       []*scope{newScope()},
		preAllocated: make(map[types.NodeID]struct{}),
	}
}

// Depth returns the number of open scopes.
func (a *Allocator) Depth() int { return len(a.scopes) }

// Push enters a new allocation scope.
func (a *Allocator) Push() {
	a.scopes = append(a.scopes, newScope())
}

// Pop leaves the current scope. It fails if the scope still holds ids that
// were never taken.
func (a *Allocator) Pop() error {
	if len(a.scopes) == 0 {
		return ErrNoScope
	}
	current := a.scopes[len(a.scopes)-1]
	if leaked := current.leaked(); len(leaked) > 0 {
		return fmt.Errorf("%w: %d ids, first %s", ErrAllocatedIDsNotEmpty, len(leaked), leaked[0])
	}
	a.scopes = a.scopes[:len(a.scopes)-1]
	return nil
}

// AllocateNodeID derives the next id of [entity] for this transaction and
// records it in the current scope.
func (a *Allocator) AllocateNodeID(entity types.EntityType) (types.NodeID, error) {
	if !entity.Valid() {
		return types.EmptyNodeID, fmt.Errorf("%w: %d", ErrUnknownEntityType, entity)
	}
	if len(a.scopes) == 0 {
		return types.EmptyNodeID, ErrNoScope
	}
	index := a.counters[entity]
	if index == math.MaxUint32 {
		return types.EmptyNodeID, fmt.Errorf("%w: %s", ErrOutOfID, entity)
	}
	a.counters[entity] = index + 1

	id := deriveNodeID(a.txHash, entity, index)
	current := a.scopes[len(a.scopes)-1]
	current.allocated[id] = struct{}{}
	current.order = append(current.order, id)
	return id, nil
}

// PreAllocateNodeID reserves [id] so that a node can later be created with
// it from any scope.
func (a *Allocator) PreAllocateNodeID(id types.NodeID) error {
	if !id.IsGlobal() {
		return fmt.Errorf("%w: %s", ErrCannotPreAllocateLocal, id)
	}
	if _, ok := a.preAllocated[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPreAllocated, id)
	}
	a.preAllocated[id] = struct{}{}
	return nil
}

// TakeNodeID consumes [id] for a node about to be created. The id must have
// been allocated in the current scope or pre-allocated, and not yet taken.
func (a *Allocator) TakeNodeID(id types.NodeID) error {
	if len(a.scopes) > 0 && a.scopes[len(a.scopes)-1].take(id) {
		return nil
	}
	if _, ok := a.preAllocated[id]; ok {
		delete(a.preAllocated, id)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNodeIDWasNotAllocated, id)
}

func deriveNodeID(txHash ids.ID, entity types.EntityType, index uint32) types.NodeID {
	raw := make([]byte, 1+wrappers.IntLen)
	raw[0] = byte(entity)
	binary.BigEndian.PutUint32(raw[1:], index)
	digest := types.HashOf(txHash[:], raw)
	return types.NewNodeID(entity, digest[:types.NodeIDLen-1])
}
