// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statedb

import (
	"testing"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/substratevm/hashtree"
	"github.com/ava-labs/substratevm/types"
)

func newTestDatabase(t *testing.T, db database.Database) *Database {
	d, err := New(db, DefaultConfig(), prometheus.NewRegistry())
	require.NoError(t, err)
	return d
}

func testNodeID(b byte) types.NodeID {
	return types.NewNodeID(types.EntityTypeGlobalComponent, []byte{b})
}

func fieldID(node byte, module types.ModuleID, index uint8) types.SubstateID {
	return types.NewSubstateID(testNodeID(node), module, types.FieldKey(index))
}

func mapID(t *testing.T, node byte, module types.ModuleID, key string) types.SubstateID {
	k, err := types.MapKey([]byte(key))
	require.NoError(t, err)
	return types.NewSubstateID(testNodeID(node), module, k)
}

func TestEmptyDatabase(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	require.Zero(d.Version())
	require.Equal(hashtree.PlaceholderHash, d.StateRoot())

	_, ok, err := d.GetSubstate(fieldID(1, types.ModuleMain, 0))
	require.NoError(err)
	require.False(ok)

	entries, root, err := d.ListSubstates(testNodeID(1), types.ModuleMain)
	require.NoError(err)
	require.Empty(entries)
	require.Equal(hashtree.PlaceholderHash, root)
}

func TestCommitAndRead(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	id := fieldID(1, types.ModuleMain, 0)
	result, err := d.Commit(types.StateChanges{types.Upsert(id, []byte("one"))})
	require.NoError(err)
	require.Equal(uint64(1), result.Version)
	require.Equal(1, result.Upserts)
	require.Equal(result.StateRoot, d.StateRoot())
	require.NotEqual(hashtree.PlaceholderHash, d.StateRoot())

	s, ok, err := d.GetSubstate(id)
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte("one"), s.Value)
	require.Equal(uint64(1), s.Version)

	// Cached reads must observe later commits.
	_, err = d.Commit(types.StateChanges{types.Upsert(id, []byte("two"))})
	require.NoError(err)
	s, ok, err = d.GetSubstate(id)
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte("two"), s.Value)
	require.Equal(uint64(2), s.Version)

	result, err = d.Commit(types.StateChanges{types.Delete(id)})
	require.NoError(err)
	require.Equal(1, result.Deletes)
	_, ok, err = d.GetSubstate(id)
	require.NoError(err)
	require.False(ok)
	require.Equal(hashtree.PlaceholderHash, d.StateRoot())
}

func TestStateRootMatchesHashTree(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	changes := types.StateChanges{
		types.Upsert(fieldID(1, types.ModuleMain, 0), []byte("a")),
		types.Upsert(fieldID(2, types.ModuleTypeInfo, 0), []byte("b")),
		types.Upsert(mapID(t, 2, types.ModuleMetadata, "name"), []byte("c")),
	}
	result, err := d.Commit(changes)
	require.NoError(err)

	hashChanges := make([]hashtree.SubstateHashChange, 0, len(changes))
	for _, change := range changes {
		hashChanges = append(hashChanges, hashtree.NewUpsert(change.ID, types.HashOf(change.Value)))
	}
	expected, err := hashtree.PutAtNextVersion(hashtree.NewMemoryTreeStore(), nil, hashChanges)
	require.NoError(err)
	require.Equal(expected, result.StateRoot)
}

func TestListSubstates(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	_, err := d.Commit(types.StateChanges{
		types.Upsert(mapID(t, 1, types.ModuleMain, "b"), []byte("2")),
		types.Upsert(mapID(t, 1, types.ModuleMain, "a"), []byte("1")),
		types.Upsert(fieldID(1, types.ModuleMain, 0), []byte("0")),
		types.Upsert(fieldID(1, types.ModuleTypeInfo, 0), []byte("type")),
		types.Upsert(mapID(t, 2, types.ModuleMain, "a"), []byte("other")),
	})
	require.NoError(err)

	entries, root, err := d.ListSubstates(testNodeID(1), types.ModuleMain)
	require.NoError(err)
	require.Len(entries, 3)
	require.Equal(types.FieldKey(0), entries[0].Key)
	require.Equal([]byte("1"), entries[1].Value)
	require.Equal([]byte("2"), entries[2].Value)
	for i := 1; i < len(entries); i++ {
		require.Negative(entries[i-1].Key.Compare(entries[i].Key))
	}

	moduleRoot, err := d.ModuleRoot(testNodeID(1), types.ModuleMain)
	require.NoError(err)
	require.Equal(moduleRoot, root)
	require.NotEqual(hashtree.PlaceholderHash, root)
}

func TestModuleConfig(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	_, _, err := d.ListSubstates(testNodeID(1), types.ModuleTypeInfo)
	require.ErrorIs(err, ErrIterationNotAllowed)

	unknown := types.NewSubstateID(testNodeID(1), types.ModuleID(42), types.FieldKey(0))
	_, _, err = d.GetSubstate(unknown)
	require.ErrorIs(err, ErrUnknownModuleID)

	_, err = d.Commit(types.StateChanges{
		types.Upsert(fieldID(1, types.ModuleMain, 0), []byte("kept out")),
		types.Upsert(unknown, []byte("bad")),
	})
	require.ErrorIs(err, ErrUnknownModuleID)

	// A failed commit leaves nothing behind.
	require.Zero(d.Version())
	_, ok, err := d.GetSubstate(fieldID(1, types.ModuleMain, 0))
	require.NoError(err)
	require.False(ok)
}

func TestReopen(t *testing.T) {
	require := require.New(t)
	db := memdb.New()
	d := newTestDatabase(t, db)

	id := fieldID(1, types.ModuleMain, 0)
	result, err := d.Commit(types.StateChanges{types.Upsert(id, []byte("persisted"))})
	require.NoError(err)

	reopened := newTestDatabase(t, db)
	require.Equal(result.Version, reopened.Version())
	require.Equal(result.StateRoot, reopened.StateRoot())
	s, ok, err := reopened.GetSubstate(id)
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte("persisted"), s.Value)

	result, err = reopened.Commit(types.StateChanges{types.Upsert(fieldID(1, types.ModuleMain, 1), []byte("more"))})
	require.NoError(err)
	require.Equal(uint64(2), result.Version)
}

func TestSubstateProof(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	present := fieldID(1, types.ModuleMain, 0)
	absent := fieldID(1, types.ModuleMain, 1)
	_, err := d.Commit(types.StateChanges{
		types.Upsert(present, []byte("value")),
		types.Upsert(fieldID(2, types.ModuleMain, 0), []byte("other")),
	})
	require.NoError(err)

	h, proof, err := d.GetSubstateProof(present)
	require.NoError(err)
	require.NotNil(h)
	require.Equal(types.HashOf([]byte("value")), *h)
	require.NoError(proof.Verify(d.StateRoot(), present, h))

	h, proof, err = d.GetSubstateProof(absent)
	require.NoError(err)
	require.Nil(h)
	require.NoError(proof.Verify(d.StateRoot(), absent, nil))
}

func TestProveSubstate(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	id := fieldID(1, types.ModuleMain, 0)
	_, err := d.Commit(types.StateChanges{types.Upsert(id, []byte("a"))})
	require.NoError(err)
	_, err = d.Commit(types.StateChanges{types.Upsert(id, []byte("b"))})
	require.NoError(err)

	proven, err := d.ProveSubstate(id)
	require.NoError(err)
	require.Equal(uint64(2), proven.Version)
	require.Equal(d.StateRoot(), proven.StateRoot)
	require.Equal(types.HashOf([]byte("b")), *proven.Hash)
	require.NoError(proven.Proof.Verify(proven.StateRoot, id, proven.Hash))

	// a stale value does not verify against the proven root
	stale := types.HashOf([]byte("a"))
	require.Error(proven.Proof.Verify(proven.StateRoot, id, &stale))

	require.NoError(d.Close())
	_, err = d.ProveSubstate(id)
	require.ErrorIs(err, ErrClosed)
}

func TestPrune(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	id := fieldID(1, types.ModuleMain, 0)
	for _, v := range []string{"a", "b", "c"} {
		_, err := d.Commit(types.StateChanges{types.Upsert(id, []byte(v))})
		require.NoError(err)
	}
	pruned, err := d.Prune(d.Version())
	require.NoError(err)
	require.Positive(pruned)

	// The latest version is still fully readable.
	h, proof, err := d.GetSubstateProof(id)
	require.NoError(err)
	require.NotNil(h)
	require.NoError(proof.Verify(d.StateRoot(), id, h))
}

func TestClose(t *testing.T) {
	require := require.New(t)
	d := newTestDatabase(t, memdb.New())

	require.NoError(d.Close())
	_, _, err := d.GetSubstate(fieldID(1, types.ModuleMain, 0))
	require.ErrorIs(err, ErrClosed)
	_, err = d.Commit(nil)
	require.ErrorIs(err, ErrClosed)
}
