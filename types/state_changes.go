// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "sort"

// StateChange is one upsert or deletion of a substate. Value holds the
// encoded substate and is nil for deletions.
type StateChange struct {
	ID      SubstateID
	Value   []byte
	Deleted bool
}

// StateChanges is the write set of a transaction, ordered by SubstateID.
type StateChanges []StateChange

func Upsert(id SubstateID, value []byte) StateChange {
	return StateChange{ID: id, Value: value}
}

func Delete(id SubstateID) StateChange {
	return StateChange{ID: id, Deleted: true}
}

// Sort orders the changes by SubstateID.
func (c StateChanges) Sort() {
	sort.SliceStable(c, func(i, j int) bool { return c[i].ID.Less(c[j].ID) })
}

// Modules returns the distinct (node, module) pairs touched, in order.
func (c StateChanges) Modules() []NodeModule {
	var (
		seen = make(map[NodeModule]struct{})
		out  []NodeModule
	)
	for _, change := range c {
		nm := NodeModule{NodeID: change.ID.NodeID, ModuleID: change.ID.ModuleID}
		if _, ok := seen[nm]; ok {
			continue
		}
		seen[nm] = struct{}{}
		out = append(out, nm)
	}
	return out
}

// NodeModule names one module of one node.
type NodeModule struct {
	NodeID   NodeID
	ModuleID ModuleID
}
