// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/substratevm/idalloc"
	"github.com/ava-labs/substratevm/statedb"
	"github.com/ava-labs/substratevm/track"
	"github.com/ava-labs/substratevm/types"
)

const (
	thingBlueprint     = "Thing"
	droppableBlueprint = "Droppable"
	testBlueprint      = "Test"
)

var stateKey = types.FieldKey(0)

type callFunc func(api API, receiver *types.NodeID, args types.Value) (types.Value, error)

// funcBlueprint dispatches calls to a function table.
type funcBlueprint struct {
	name      string
	functions map[string]callFunc
	droppable bool
}

func (b *funcBlueprint) Name() string { return b.name }

func (b *funcBlueprint) Call(api API, function string, receiver *types.NodeID, args types.Value) (types.Value, error) {
	fn, ok := b.functions[function]
	if !ok {
		return types.Value{}, errors.New("unknown function " + function)
	}
	return fn(api, receiver, args)
}

func (b *funcBlueprint) AllowsImplicitDrop(NodeSubstates) bool { return b.droppable }

func readState(api API, nodeID types.NodeID, flags types.LockFlags) (types.Value, LockHandle, error) {
	h, err := api.OpenSubstate(nodeID, types.ModuleMain, stateKey, flags)
	if err != nil {
		return types.Value{}, 0, err
	}
	v, err := api.ReadSubstate(h)
	return v, h, err
}

func testFunctions() map[string]callFunc {
	return map[string]callFunc{
		"echo": func(_ API, _ *types.NodeID, args types.Value) (types.Value, error) {
			return args, nil
		},
		"keep": func(API, *types.NodeID, types.Value) (types.Value, error) {
			return types.Value{}, nil
		},
		"drop": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			for _, id := range args.Owned {
				if _, err := api.DropNode(id); err != nil {
					return types.Value{}, err
				}
			}
			return types.Value{}, nil
		},
		"read": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			v, h, err := readState(api, args.References[0], types.LockFlagsReadOnly)
			if err != nil {
				return types.Value{}, err
			}
			return types.NewValue(v.Data), api.CloseSubstate(h)
		},
		"read_self": func(api API, receiver *types.NodeID, _ types.Value) (types.Value, error) {
			v, h, err := readState(api, *receiver, types.LockFlagsReadOnly)
			if err != nil {
				return types.Value{}, err
			}
			return types.NewValue(v.Data), api.CloseSubstate(h)
		},
		"drop_ref": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			_, err := api.DropNode(args.References[0])
			return types.Value{}, err
		},
		"return_ref_as_own": func(_ API, _ *types.NodeID, args types.Value) (types.Value, error) {
			return types.Value{Owned: args.References}, nil
		},
		"write_ref": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			_, h, err := readState(api, args.References[0], types.LockFlagsMutable)
			if err != nil {
				return types.Value{}, err
			}
			if err := api.WriteSubstate(h, types.NewValue([]byte("written"))); err != nil {
				return types.Value{}, err
			}
			return types.Value{}, api.CloseSubstate(h)
		},
		"leak_lock": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			_, _, err := readState(api, args.References[0], types.LockFlagsReadOnly)
			return types.Value{}, err
		},
		"leak_id": func(api API, _ *types.NodeID, _ types.Value) (types.Value, error) {
			_, err := api.AllocateNodeID(types.EntityTypeInternalGenericComponent)
			return types.Value{}, err
		},
		"recurse": func(api API, _ *types.NodeID, _ types.Value) (types.Value, error) {
			return api.Invoke(Invocation{Blueprint: testBlueprint, Function: "recurse"})
		},
		"pin_ref": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			return types.Value{}, api.PinNode(args.References[0])
		},
		"create_global": func(api API, _ *types.NodeID, args types.Value) (types.Value, error) {
			id, err := types.NodeIDFromBytes(args.Data)
			if err != nil {
				return types.Value{}, err
			}
			typeInfo, err := types.ObjectTypeInfo(thingBlueprint).Value()
			if err != nil {
				return types.Value{}, err
			}
			substates := NodeSubstates{}
			substates.Set(types.ModuleTypeInfo, types.TypeInfoKey, typeInfo)
			substates.Set(types.ModuleMain, stateKey, types.Value{})
			if err := api.CreateNode(id, substates); err != nil {
				return types.Value{}, err
			}
			if err := api.Globalize(id, standardModules()); err != nil {
				return types.Value{}, err
			}
			return types.Value{References: []types.NodeID{id}}, nil
		},
		"actor": func(api API, _ *types.NodeID, _ types.Value) (types.Value, error) {
			actor := api.Actor()
			return types.NewValue([]byte(actor.Blueprint + "." + actor.Function)), nil
		},
	}
}

func newTestKernel(t *testing.T) (*Kernel, *statedb.Database) {
	db, err := statedb.New(memdb.New(), statedb.DefaultConfig(), prometheus.NewRegistry())
	require.NoError(t, err)
	return newTestKernelOn(t, db, ids.ID{1}), db
}

func newTestKernelOn(t *testing.T, db statedb.SubstateReader, txHash ids.ID) *Kernel {
	registry := NewRegistry()
	require.NoError(t, registry.Register(
		&funcBlueprint{name: testBlueprint, functions: testFunctions()},
		&funcBlueprint{name: thingBlueprint, functions: testFunctions()},
		&funcBlueprint{name: droppableBlueprint, functions: testFunctions(), droppable: true},
	))
	k, err := New(track.New(db), idalloc.New(txHash), registry, DefaultConfig())
	require.NoError(t, err)
	return k
}

func thingSubstates(t *testing.T, blueprint string, state types.Value) NodeSubstates {
	typeInfo, err := types.ObjectTypeInfo(blueprint).Value()
	require.NoError(t, err)
	substates := NodeSubstates{}
	substates.Set(types.ModuleTypeInfo, types.TypeInfoKey, typeInfo)
	substates.Set(types.ModuleMain, stateKey, state)
	return substates
}

func createThing(t *testing.T, k *Kernel, entity types.EntityType, blueprint string, state types.Value) types.NodeID {
	id, err := k.AllocateNodeID(entity)
	require.NoError(t, err)
	require.NoError(t, k.CreateNode(id, thingSubstates(t, blueprint, state)))
	return id
}

func standardModules() NodeSubstates {
	modules := NodeSubstates{}
	for _, moduleID := range types.StandardModules {
		modules[moduleID] = map[types.SubstateKey]types.Value{}
	}
	return modules
}

func requireCode(t *testing.T, err error, code string) {
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	require.Equal(t, code, runtimeErr.Code())
}

func TestCreateReadDropNode(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.NewValue([]byte("data")))
	require.True(k.CurrentFrame().Owns(id))
	require.True(k.Heap().Contains(id))

	v, h, err := readState(k, id, types.LockFlagsReadOnly)
	require.NoError(err)
	require.Equal([]byte("data"), v.Data)

	_, err = k.DropNode(id)
	require.ErrorIs(err, ErrNodeLocked)
	require.NoError(k.CloseSubstate(h))
	require.ErrorIs(k.CloseSubstate(h), ErrInvalidLockHandle)

	substates, err := k.DropNode(id)
	require.NoError(err)
	state, ok := substates.Get(types.ModuleMain, stateKey)
	require.True(ok)
	require.Equal([]byte("data"), state.Data)
	require.False(k.CurrentFrame().Owns(id))
	require.False(k.Heap().Contains(id))

	require.NoError(k.Teardown())
	require.Equal(1, k.Stats().NodesCreated)
}

func TestCreateNodeRequiresAllocation(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	unallocated := types.NewNodeID(types.EntityTypeInternalGenericComponent, []byte{7})
	err := k.CreateNode(unallocated, thingSubstates(t, thingBlueprint, types.Value{}))
	require.ErrorIs(err, idalloc.ErrNodeIDWasNotAllocated)
	requireCode(t, err, "KernelError.IdAllocationError.NodeIDWasNotAllocated")

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	err = k.CreateNode(id, thingSubstates(t, thingBlueprint, types.Value{}))
	require.ErrorIs(err, idalloc.ErrNodeIDWasNotAllocated)
}

func TestCreateNodeValidatesLayout(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id, err := k.AllocateNodeID(types.EntityTypeInternalVault)
	require.NoError(err)

	require.ErrorIs(k.CreateNode(id, NodeSubstates{}), ErrMissingTypeInfo)

	substates := thingSubstates(t, thingBlueprint, types.Value{})
	substates.Set(types.ModuleMetadata, stateKey, types.Value{})
	require.ErrorIs(k.CreateNode(id, substates), ErrInvalidModule)
}

func TestMoveTransfersOwnership(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})

	// Moved out and back.
	out, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "echo", Args: types.Value{Owned: []types.NodeID{id}}})
	require.NoError(err)
	require.Equal([]types.NodeID{id}, out.Owned)
	require.True(k.CurrentFrame().Owns(id))

	// The callee owns the node and can drop it right away.
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "drop", Args: types.Value{Owned: []types.NodeID{id}}})
	require.NoError(err)
	require.False(k.CurrentFrame().Owns(id))

	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "echo", Args: types.Value{Owned: []types.NodeID{id}}})
	var createErr *CreateFrameError
	require.ErrorAs(err, &createErr)
	require.Equal(OwnNotFound, createErr.Err.Kind)
	require.Equal(id, createErr.Err.NodeID)
	requireCode(t, err, "KernelError.CreateFrameError.OwnNotFound")

	require.NoError(k.Teardown())
}

func TestReferenceWithoutOwnership(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.NewValue([]byte("visible")))
	args := types.Value{References: []types.NodeID{id}}

	out, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "read", Args: args})
	require.NoError(err)
	require.Equal([]byte("visible"), out.Data)

	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "drop_ref", Args: args})
	require.ErrorIs(err, ErrNodeNotOwned)

	k, _ = newTestKernel(t)
	id = createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "return_ref_as_own", Args: types.Value{References: []types.NodeID{id}}})
	var passMsgErr *PassMessageError
	require.ErrorAs(err, &passMsgErr)
	require.Equal(OwnNotFound, passMsgErr.Kind)
	requireCode(t, err, "KernelError.PassMessageError.OwnNotFound")
}

func TestUnresolvableReferences(t *testing.T) {
	assert := assert.New(t)
	k, _ := newTestKernel(t)

	internal := types.NewNodeID(types.EntityTypeInternalVault, []byte{1})
	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "echo", Args: types.Value{References: []types.NodeID{internal}}})
	requireCode(t, err, "KernelError.CreateFrameError.DirectRefNotFound")

	var runtimeErr *RuntimeError
	assert.ErrorAs(err, &runtimeErr)
	nodeID, ok := runtimeErr.NodeID()
	assert.True(ok)
	assert.Equal(internal, nodeID)

	global := types.NewNodeID(types.EntityTypeGlobalComponent, []byte{1})
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "echo", Args: types.Value{References: []types.NodeID{global}}})
	requireCode(t, err, "KernelError.CreateFrameError.StableRefNotFound")

	assert.Error(k.GrantStableRef(global))
	assert.Error(k.GrantDirectAccess(internal))

	_, err = k.OpenSubstate(internal, types.ModuleMain, stateKey, types.LockFlagsReadOnly)
	assert.ErrorIs(err, ErrNodeNotVisible)
}

func TestPinnedNodeCannotMove(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "echo", Args: types.Value{Owned: []types.NodeID{k.AuthZone()}}})
	requireCode(t, err, "KernelError.CreateFrameError.NodePinned")

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	require.NoError(k.PinNode(id))
	_, err = k.DropNode(id)
	require.ErrorIs(err, ErrNodePinned)
}

func TestLockedNodeCannotMove(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, h, err := readState(k, id, types.LockFlagsReadOnly)
	require.NoError(err)

	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "echo", Args: types.Value{Owned: []types.NodeID{id}}})
	requireCode(t, err, "KernelError.CreateFrameError.NodeLocked")
	require.NoError(k.CloseSubstate(h))
}

func globalizeThing(t *testing.T, k *Kernel, state types.Value) types.NodeID {
	id := createThing(t, k, types.EntityTypeGlobalComponent, thingBlueprint, state)
	require.NoError(t, k.Globalize(id, standardModules()))
	return id
}

func TestNestedWriteLockOnStoredSubstate(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := globalizeThing(t, k, types.NewValue([]byte("global")))
	_, h, err := readState(k, id, types.LockFlagsMutable)
	require.NoError(err)

	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "write_ref", Args: types.Value{References: []types.NodeID{id}}})
	require.ErrorIs(err, track.ErrSubstateLocked)
	requireCode(t, err, "KernelError.AcquireLockError.SubstateLocked")

	k2, _ := newTestKernel(t)
	id = globalizeThing(t, k2, types.NewValue([]byte("global")))
	_, err = k2.Invoke(Invocation{Blueprint: testBlueprint, Function: "write_ref", Args: types.Value{References: []types.NodeID{id}}})
	require.NoError(err)
	v, h, err := readState(k2, id, types.LockFlagsReadOnly)
	require.NoError(err)
	require.Equal([]byte("written"), v.Data)
	require.NoError(k2.CloseSubstate(h))
	require.NoError(k2.Teardown())
}

func TestNestedWriteLockOnHeapSubstate(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, _, err := readState(k, id, types.LockFlagsMutable)
	require.NoError(err)

	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "write_ref", Args: types.Value{References: []types.NodeID{id}}})
	require.ErrorIs(err, track.ErrSubstateLocked)
}

func TestTeardownWithOpenLock(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "leak_lock", Args: types.Value{References: []types.NodeID{id}}})
	require.ErrorIs(err, ErrOpenLocksOnTeardown)

	k, _ = newTestKernel(t)
	_, _, err = readState(k, k.AuthZone(), types.LockFlagsReadOnly)
	require.NoError(err)
	require.ErrorIs(k.Teardown(), ErrOpenLocksOnTeardown)
}

func TestOwnedNodesRemaining(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "keep", Args: types.Value{Owned: []types.NodeID{id}}})
	require.ErrorIs(err, ErrOwnedNodesRemaining)

	k, _ = newTestKernel(t)
	id = createThing(t, k, types.EntityTypeBucket, droppableBlueprint, types.Value{})
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "keep", Args: types.Value{Owned: []types.NodeID{id}}})
	require.NoError(err)
	require.False(k.Heap().Contains(id))

	createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	require.ErrorIs(k.Teardown(), ErrOwnedNodesRemaining)
}

func TestImplicitDropReleasesChildren(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	child := createThing(t, k, types.EntityTypeBucket, droppableBlueprint, types.Value{})
	parent := createThing(t, k, types.EntityTypeBucket, droppableBlueprint, types.Value{Owned: []types.NodeID{child}})
	require.False(k.CurrentFrame().Owns(child))

	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "keep", Args: types.Value{Owned: []types.NodeID{parent}}})
	require.NoError(err)
	require.Equal(1, k.Heap().Len()) // the root auth zone
}

func TestAllocatedIDLeak(t *testing.T) {
	k, _ := newTestKernel(t)

	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "leak_id"})
	require.ErrorIs(t, err, idalloc.ErrAllocatedIDsNotEmpty)
	requireCode(t, err, "KernelError.IdAllocationError.AllocatedIDsNotEmpty")
}

func TestMaxCallDepth(t *testing.T) {
	k, _ := newTestKernel(t)

	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "recurse"})
	require.ErrorIs(t, err, ErrMaxCallDepthExceeded)
}

func TestApplicationError(t *testing.T) {
	k, _ := newTestKernel(t)

	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "missing"})
	requireCode(t, err, "ApplicationError")

	_, err = k.Invoke(Invocation{Blueprint: "Nope", Function: "missing"})
	require.ErrorIs(t, err, ErrBlueprintNotFound)
}

func TestMethodDispatch(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.NewValue([]byte("self")))
	out, err := k.Invoke(Invocation{Function: "read_self", Receiver: &id})
	require.NoError(err)
	require.Equal([]byte("self"), out.Data)

	out, err = k.Invoke(Invocation{Function: "actor", Receiver: &id})
	require.NoError(err)
	require.Equal([]byte(thingBlueprint+".actor"), out.Data)
	require.True(k.CurrentFrame().Owns(id))
	require.Equal(Actor{Blueprint: TransactionProcessor}, k.Actor())
}

func TestWriteMovesChildren(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	parent := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	child := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})

	_, h, err := readState(k, parent, types.LockFlagsMutable)
	require.NoError(err)
	require.NoError(k.WriteSubstate(h, types.Value{Owned: []types.NodeID{child}}))
	require.False(k.CurrentFrame().Owns(child))
	require.True(k.CurrentFrame().IsVisible(child))

	require.NoError(k.WriteSubstate(h, types.Value{}))
	require.True(k.CurrentFrame().Owns(child))
	require.NoError(k.CloseSubstate(h))

	_, h, err = readState(k, parent, types.LockFlagsReadOnly)
	require.NoError(err)
	require.ErrorIs(k.WriteSubstate(h, types.Value{}), ErrLockNotMutable)
	require.NoError(k.CloseSubstate(h))
}

func TestStoredSubstateOwnership(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	global := globalizeThing(t, k, types.Value{})
	vault := createThing(t, k, types.EntityTypeInternalVault, thingBlueprint, types.NewValue([]byte("vault")))
	bucket := createThing(t, k, types.EntityTypeBucket, droppableBlueprint, types.Value{})

	_, h, err := readState(k, global, types.LockFlagsMutable)
	require.NoError(err)

	// Transient nodes never reach the store.
	require.ErrorIs(k.WriteSubstate(h, types.Value{Owned: []types.NodeID{bucket}}), ErrCannotPersistNode)

	require.NoError(k.WriteSubstate(h, types.Value{Owned: []types.NodeID{vault}}))
	require.False(k.Heap().Contains(vault))
	require.True(k.CurrentFrame().IsVisible(vault))

	require.ErrorIs(k.WriteSubstate(h, types.Value{}), ErrStoredNodeRemoved)
	require.NoError(k.CloseSubstate(h))
	require.False(k.CurrentFrame().IsVisible(vault))
}

func TestGlobalize(t *testing.T) {
	require := require.New(t)
	k, db := newTestKernel(t)

	internal := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	require.ErrorIs(k.Globalize(internal, standardModules()), ErrCannotGlobalize)

	vault := createThing(t, k, types.EntityTypeInternalVault, thingBlueprint, types.NewValue([]byte("vault")))
	global := createThing(t, k, types.EntityTypeGlobalComponent, thingBlueprint, types.Value{Owned: []types.NodeID{vault}})
	require.ErrorIs(k.Globalize(global, NodeSubstates{}), ErrMissingModule)

	name, err := types.MapKey([]byte("name"))
	require.NoError(err)
	modules := standardModules()
	modules.Set(types.ModuleMetadata, name, types.NewValue([]byte("thing")))
	require.NoError(k.Globalize(global, modules))
	require.False(k.CurrentFrame().Owns(global))
	require.True(k.CurrentFrame().IsVisible(global))
	require.False(k.Heap().Contains(global))
	require.False(k.Heap().Contains(vault))

	_, err = k.DropNode(internal)
	require.NoError(err)
	require.NoError(k.Teardown())
	require.Equal(1, k.Stats().NodesGlobalized)

	changes, err := k.track.Finalize()
	require.NoError(err)
	modulesSeen := changes.Modules()
	require.Contains(modulesSeen, types.NodeModule{NodeID: global, ModuleID: types.ModuleMetadata})
	require.Contains(modulesSeen, types.NodeModule{NodeID: vault, ModuleID: types.ModuleMain})

	_, err = db.Commit(changes)
	require.NoError(err)

	// A later transaction can reach the global node by address and the vault
	// through direct access.
	next := newTestKernelOn(t, db, ids.ID{2})
	require.NoError(next.GrantStableRef(global))
	require.NoError(next.GrantDirectAccess(vault))
	out, err := next.Invoke(Invocation{Blueprint: testBlueprint, Function: "read", Args: types.Value{References: []types.NodeID{vault}}})
	require.NoError(err)
	require.Equal([]byte("vault"), out.Data)

	entries, err := next.ListSubstates(global, types.ModuleMetadata)
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal(name, entries[0].Key)
}

func TestListHeapSubstates(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id, err := k.AllocateNodeID(types.EntityTypeInternalKeyValueStore)
	require.NoError(err)
	typeInfo, err := types.KeyValueStoreTypeInfo().Value()
	require.NoError(err)
	substates := NodeSubstates{}
	substates.Set(types.ModuleTypeInfo, types.TypeInfoKey, typeInfo)
	for _, key := range []string{"b", "a"} {
		mapKey, err := types.MapKey([]byte(key))
		require.NoError(err)
		substates.Set(types.ModuleMain, mapKey, types.NewValue([]byte(key)))
	}
	require.NoError(k.CreateNode(id, substates))

	entries, err := k.ListSubstates(id, types.ModuleMain)
	require.NoError(err)
	require.Len(entries, 2)
	require.Equal([]byte("a"), entries[0].Value.Data)
	require.Equal([]byte("b"), entries[1].Value.Data)
}

func TestReplayedTransactionCannotRecreateNodes(t *testing.T) {
	require := require.New(t)
	k, db := newTestKernel(t)

	global := createThing(t, k, types.EntityTypeGlobalComponent, thingBlueprint, types.Value{})
	require.NoError(k.Globalize(global, standardModules()))
	require.NoError(k.Teardown())
	changes, err := k.track.Finalize()
	require.NoError(err)
	_, err = db.Commit(changes)
	require.NoError(err)

	replay := newTestKernelOn(t, db, ids.ID{1})
	again := createThing(t, replay, types.EntityTypeGlobalComponent, thingBlueprint, types.Value{})
	require.Equal(global, again)
	require.ErrorIs(replay.Globalize(again, standardModules()), ErrNodeAlreadyExists)
}

func TestCloseHidingLockedNode(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	child := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	parent := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{Owned: []types.NodeID{child}})

	_, parentHandle, err := readState(k, parent, types.LockFlagsReadOnly)
	require.NoError(err)
	_, childHandle, err := readState(k, child, types.LockFlagsMutable)
	require.NoError(err)

	// The child is only reachable through the parent's lock.
	err = k.CloseSubstate(parentHandle)
	require.ErrorIs(err, ErrExposedNodeLocked)
	var runtimeErr *RuntimeError
	require.ErrorAs(err, &runtimeErr)
	nodeID, ok := runtimeErr.NodeID()
	require.True(ok)
	require.Equal(child, nodeID)

	// The parent stays locked, so it cannot move into its child.
	err = k.WriteSubstate(childHandle, types.Value{Owned: []types.NodeID{parent}})
	var passMsgErr *PassMessageError
	require.ErrorAs(err, &passMsgErr)
	require.Equal(NodeLocked, passMsgErr.Kind)
	require.True(k.CurrentFrame().Owns(parent))

	require.ErrorIs(k.Teardown(), ErrOpenLocksOnTeardown)
}

func TestCloseInnerLockFirst(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	child := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	parent := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{Owned: []types.NodeID{child}})

	_, parentHandle, err := readState(k, parent, types.LockFlagsReadOnly)
	require.NoError(err)
	_, childHandle, err := readState(k, child, types.LockFlagsMutable)
	require.NoError(err)
	require.NoError(k.WriteSubstate(childHandle, types.NewValue([]byte("inner"))))

	require.NoError(k.CloseSubstate(childHandle))
	require.NoError(k.CloseSubstate(parentHandle))
	require.False(k.CurrentFrame().IsVisible(child))
	_, err = k.ReadSubstate(childHandle)
	require.ErrorIs(err, ErrInvalidLockHandle)

	require.True(k.CurrentFrame().Owns(parent))
	_, err = k.DropNode(parent)
	require.NoError(err)
	require.True(k.CurrentFrame().Owns(child))
	_, err = k.DropNode(child)
	require.NoError(err)
	require.NoError(k.Teardown())
}

func TestMoveIntoOwnSubtree(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	grandchild := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	child := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{Owned: []types.NodeID{grandchild}})
	root := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{Owned: []types.NodeID{child}})

	// A frame able to address the grandchild directly while the root is
	// unlocked.
	frame := k.CurrentFrame()
	frame.directRefs.Add(grandchild)
	_, h, err := readState(k, grandchild, types.LockFlagsMutable)
	require.NoError(err)

	err = k.WriteSubstate(h, types.Value{Owned: []types.NodeID{root}})
	require.ErrorIs(err, ErrOwnershipCycle)
	require.True(frame.Owns(root))

	value, err := k.ReadSubstate(h)
	require.NoError(err)
	require.Empty(value.Owned)
	require.NoError(k.CloseSubstate(h))

	// Moving an unrelated node into the grandchild is fine.
	other := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, h, err = readState(k, grandchild, types.LockFlagsMutable)
	require.NoError(err)
	require.NoError(k.WriteSubstate(h, types.Value{Owned: []types.NodeID{other}}))
	require.False(frame.Owns(other))
	require.NoError(k.CloseSubstate(h))
}

func TestHeapKeepsOwnCopyOfSubstates(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id, err := k.AllocateNodeID(types.EntityTypeInternalGenericComponent)
	require.NoError(err)
	substates := thingSubstates(t, thingBlueprint, types.NewValue([]byte("original")))
	require.NoError(k.CreateNode(id, substates))

	other := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	substates.Set(types.ModuleMain, stateKey, types.Value{Owned: []types.NodeID{other}})

	v, h, err := readState(k, id, types.LockFlagsReadOnly)
	require.NoError(err)
	require.Equal([]byte("original"), v.Data)
	require.Empty(v.Owned)

	v.Data[0] = 'X'
	again, err := k.ReadSubstate(h)
	require.NoError(err)
	require.Equal([]byte("original"), again.Data)
	require.NoError(k.CloseSubstate(h))
	require.True(k.CurrentFrame().Owns(other))
}

func TestPinRequiresOwnership(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	id := createThing(t, k, types.EntityTypeInternalGenericComponent, thingBlueprint, types.Value{})
	_, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "pin_ref", Args: types.Value{References: []types.NodeID{id}}})
	require.ErrorIs(err, ErrNodeNotOwned)

	// The caller can still move its node.
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "drop", Args: types.Value{Owned: []types.NodeID{id}}})
	require.NoError(err)
}

func TestPreAllocatedAddress(t *testing.T) {
	require := require.New(t)
	k, db := newTestKernel(t)

	_, err := k.PreAllocateNodeID(types.EntityTypeInternalVault)
	require.ErrorIs(err, idalloc.ErrCannotPreAllocateLocal)

	// An id allocated by the root frame cannot be consumed by a callee.
	scoped, err := k.AllocateNodeID(types.EntityTypeGlobalComponent)
	require.NoError(err)
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "create_global", Args: types.NewValue(scoped.Bytes())})
	require.ErrorIs(err, idalloc.ErrNodeIDWasNotAllocated)

	k, db = newTestKernel(t)
	reserved, err := k.PreAllocateNodeID(types.EntityTypeGlobalComponent)
	require.NoError(err)
	require.True(reserved.IsGlobal())

	out, err := k.Invoke(Invocation{Blueprint: testBlueprint, Function: "create_global", Args: types.NewValue(reserved.Bytes())})
	require.NoError(err)
	require.Equal([]types.NodeID{reserved}, out.References)
	require.True(k.CurrentFrame().IsVisible(reserved))
	require.NoError(k.Teardown())

	changes, err := k.track.Finalize()
	require.NoError(err)
	_, err = db.Commit(changes)
	require.NoError(err)
	next := newTestKernelOn(t, db, ids.ID{2})
	require.NoError(next.GrantStableRef(reserved))
}

func TestPreAllocatedAddressIsConsumedOnce(t *testing.T) {
	require := require.New(t)
	k, _ := newTestKernel(t)

	reserved, err := k.PreAllocateNodeID(types.EntityTypeGlobalComponent)
	require.NoError(err)
	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "create_global", Args: types.NewValue(reserved.Bytes())})
	require.NoError(err)

	_, err = k.Invoke(Invocation{Blueprint: testBlueprint, Function: "create_global", Args: types.NewValue(reserved.Bytes())})
	require.ErrorIs(err, idalloc.ErrNodeIDWasNotAllocated)
}
