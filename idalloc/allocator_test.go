// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package idalloc

import (
	"math"
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/substratevm/types"
)

var txHash = ids.ID{1, 2, 3}

func TestAllocateUnique(t *testing.T) {
	require := require.New(t)

	a := New(txHash)
	seen := make(map[types.NodeID]struct{})
	entities := []types.EntityType{
		types.EntityTypeBucket,
		types.EntityTypeInternalVault,
		types.EntityTypeGlobalComponent,
	}
	for i := 0; i < 100; i++ {
		for _, entity := range entities {
			id, err := a.AllocateNodeID(entity)
			require.NoError(err)
			require.Equal(entity, id.EntityType())
			_, dup := seen[id]
			require.False(dup, "duplicate id %s", id)
			seen[id] = struct{}{}
		}
	}
}

func TestAllocateDeterministic(t *testing.T) {
	assert := assert.New(t)

	run := func(hash ids.ID) []types.NodeID {
		a := New(hash)
		var out []types.NodeID
		for _, entity := range []types.EntityType{types.EntityTypeBucket, types.EntityTypeBucket, types.EntityTypeGlobalAccount} {
			id, err := a.AllocateNodeID(entity)
			assert.NoError(err)
			out = append(out, id)
		}
		return out
	}

	assert.Equal(run(txHash), run(txHash))
	assert.NotEqual(run(txHash), run(ids.ID{9}))
}

func TestOutOfID(t *testing.T) {
	assert := assert.New(t)

	a := New(txHash)
	a.counters[types.EntityTypeBucket] = math.MaxUint32

	_, err := a.AllocateNodeID(types.EntityTypeBucket)
	assert.ErrorIs(err, ErrOutOfID)

	// other entity types are unaffected
	_, err = a.AllocateNodeID(types.EntityTypeProof)
	assert.NoError(err)
}

func TestUnknownEntityType(t *testing.T) {
	_, err := New(txHash).AllocateNodeID(types.EntityType(0xff))
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestPopWithUntakenID(t *testing.T) {
	require := require.New(t)

	a := New(txHash)
	a.Push()
	_, err := a.AllocateNodeID(types.EntityTypeBucket)
	require.NoError(err)
	require.ErrorIs(a.Pop(), ErrAllocatedIDsNotEmpty)
}

func TestPushAllocateTakePop(t *testing.T) {
	require := require.New(t)

	a := New(txHash)
	a.Push()
	require.Equal(2, a.Depth())
	id, err := a.AllocateNodeID(types.EntityTypeBucket)
	require.NoError(err)
	require.NoError(a.TakeNodeID(id))
	require.NoError(a.Pop())
	require.Equal(1, a.Depth())
	require.NoError(a.Pop())
	require.ErrorIs(a.Pop(), ErrNoScope)
}

func TestTakeNodeID(t *testing.T) {
	require := require.New(t)

	a := New(txHash)
	id, err := a.AllocateNodeID(types.EntityTypeBucket)
	require.NoError(err)

	// ids allocated by a caller are not takeable from a nested scope
	a.Push()
	require.ErrorIs(a.TakeNodeID(id), ErrNodeIDWasNotAllocated)
	require.NoError(a.Pop())

	require.NoError(a.TakeNodeID(id))
	// double take
	require.ErrorIs(a.TakeNodeID(id), ErrNodeIDWasNotAllocated)
	// never allocated
	require.ErrorIs(a.TakeNodeID(types.NewNodeID(types.EntityTypeBucket, []byte{7})), ErrNodeIDWasNotAllocated)
}

func TestPreAllocated(t *testing.T) {
	require := require.New(t)

	a := New(txHash)
	global := types.NewNodeID(types.EntityTypeGlobalAccount, []byte{1})
	require.NoError(a.PreAllocateNodeID(global))
	require.ErrorIs(a.PreAllocateNodeID(global), ErrAlreadyPreAllocated)
	require.ErrorIs(a.PreAllocateNodeID(types.NewNodeID(types.EntityTypeInternalVault, []byte{1})), ErrCannotPreAllocateLocal)

	// pre-allocated ids are takeable from any scope and do not leak
	a.Push()
	require.NoError(a.TakeNodeID(global))
	require.NoError(a.Pop())
	require.ErrorIs(a.TakeNodeID(global), ErrNodeIDWasNotAllocated)
}
