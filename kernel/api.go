// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"
	"sort"

	"github.com/ava-labs/substratevm/types"
)

// AuthZoneBlueprint is the blueprint of the auth zone node every call
// frame is given.
const AuthZoneBlueprint = "AuthZone"

// LockHandle names an open substate lock within one call frame.
type LockHandle uint32

// NodeSubstates holds the substates of a node by module and key.
type NodeSubstates map[types.ModuleID]map[types.SubstateKey]types.Value

// Get returns the substate at ([moduleID], [key]).
func (n NodeSubstates) Get(moduleID types.ModuleID, key types.SubstateKey) (types.Value, bool) {
	v, ok := n[moduleID][key]
	return v, ok
}

// Set stores [value] at ([moduleID], [key]).
func (n NodeSubstates) Set(moduleID types.ModuleID, key types.SubstateKey, value types.Value) {
	module, ok := n[moduleID]
	if !ok {
		module = make(map[types.SubstateKey]types.Value)
		n[moduleID] = module
	}
	module[key] = value
}

func (n NodeSubstates) clone() NodeSubstates {
	out := make(NodeSubstates, len(n))
	for moduleID, module := range n {
		copied := make(map[types.SubstateKey]types.Value, len(module))
		for key, value := range module {
			copied[key] = cloneValue(value)
		}
		out[moduleID] = copied
	}
	return out
}

func cloneValue(v types.Value) types.Value {
	return types.Value{
		Data:       append([]byte(nil), v.Data...),
		Owned:      append([]types.NodeID(nil), v.Owned...),
		References: append([]types.NodeID(nil), v.References...),
	}
}

type substateEntry struct {
	moduleID types.ModuleID
	key      types.SubstateKey
	value    types.Value
}

// sorted returns the substates ordered by module then key.
func (n NodeSubstates) sorted() []substateEntry {
	var entries []substateEntry
	for moduleID, module := range n {
		for key, value := range module {
			entries = append(entries, substateEntry{moduleID: moduleID, key: key, value: value})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].moduleID != entries[j].moduleID {
			return entries[i].moduleID < entries[j].moduleID
		}
		return entries[i].key.Compare(entries[j].key) < 0
	})
	return entries
}

// SubstateEntry is one substate of a module listing.
type SubstateEntry struct {
	Key   types.SubstateKey
	Value types.Value
}

// Actor describes what a call frame is executing.
type Actor struct {
	Blueprint string
	Function  string
	Receiver  *types.NodeID
}

// Invocation is a call into a blueprint function, or into a method when
// Receiver is set. The nodes owned by Args move to the callee.
type Invocation struct {
	Blueprint string
	Function  string
	Receiver  *types.NodeID
	Args      types.Value
}

// CallFrameUpdate lists the nodes a message moves and the references it
// copies between two frames.
type CallFrameUpdate struct {
	NodesToMove    []types.NodeID
	NodeRefsToCopy []types.NodeID
}

func updateFromValue(v types.Value) CallFrameUpdate {
	return CallFrameUpdate{
		NodesToMove:    v.Owned,
		NodeRefsToCopy: v.References,
	}
}

// API is the kernel surface available to blueprints. Every call acts on
// behalf of the active call frame.
type API interface {
	AllocateNodeID(entity types.EntityType) (types.NodeID, error)
	PreAllocateNodeID(entity types.EntityType) (types.NodeID, error)
	CreateNode(nodeID types.NodeID, substates NodeSubstates) error
	DropNode(nodeID types.NodeID) (NodeSubstates, error)
	Globalize(nodeID types.NodeID, modules NodeSubstates) error
	PinNode(nodeID types.NodeID) error

	OpenSubstate(nodeID types.NodeID, moduleID types.ModuleID, key types.SubstateKey, flags types.LockFlags) (LockHandle, error)
	ReadSubstate(handle LockHandle) (types.Value, error)
	WriteSubstate(handle LockHandle, value types.Value) error
	RemoveSubstate(handle LockHandle) error
	CloseSubstate(handle LockHandle) error
	ListSubstates(nodeID types.NodeID, moduleID types.ModuleID) ([]SubstateEntry, error)

	Invoke(invocation Invocation) (types.Value, error)
	Actor() Actor
	AuthZone() types.NodeID
}

// Blueprint implements the functions and methods of one object type.
type Blueprint interface {
	Name() string
	Call(api API, function string, receiver *types.NodeID, args types.Value) (types.Value, error)
}

// ImplicitDropper is implemented by blueprints whose nodes may be dropped
// silently when a frame returns while still owning them.
type ImplicitDropper interface {
	AllowsImplicitDrop(substates NodeSubstates) bool
}

// Registry maps blueprint names to implementations.
type Registry struct {
	blueprints map[string]Blueprint
}

func NewRegistry() *Registry {
	return &Registry{blueprints: make(map[string]Blueprint)}
}

func (r *Registry) Register(blueprints ...Blueprint) error {
	for _, bp := range blueprints {
		name := bp.Name()
		if _, ok := r.blueprints[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateBlueprint, name)
		}
		r.blueprints[name] = bp
	}
	return nil
}

func (r *Registry) Get(name string) (Blueprint, bool) {
	bp, ok := r.blueprints[name]
	return bp, ok
}
