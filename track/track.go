// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package track

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/btree"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/statedb"
	"github.com/ava-labs/substratevm/types"
)

const btreeDegree = 32

// Handle names an acquired substate lock.
type Handle uint32

type lockState struct {
	readers uint32
	write   bool
}

func (l lockState) locked() bool { return l.write || l.readers > 0 }

// entry is the transaction-local view of one substate.
type entry struct {
	id types.SubstateID

	// value is the current value, nil when the substate is absent.
	value []byte
	// base is the committed substate, nil when it does not exist in the
	// database or was never loaded.
	base *statedb.Substate
	// updated is set once the transaction changed the substate.
	updated bool

	lock lockState
}

func (e *entry) exists() bool { return e.value != nil }

type lockInfo struct {
	entry *entry
	flags types.LockFlags
}

// Track buffers the substate reads and writes of a single transaction on
// top of a substate database. Nothing reaches the database until the
// change set returned by Finalize is committed.
type Track struct {
	db    statedb.SubstateReader
	index *btree.BTreeG[*entry]

	nextHandle Handle
	locks      map[Handle]*lockInfo

	forceWrites map[types.SubstateID]types.StateChange
}

// New returns an empty track reading through [db].
func New(db statedb.SubstateReader) *Track {
	return &Track{
		db: db,
		index: btree.NewG(btreeDegree, func(a, b *entry) bool {
			return a.id.Less(b.id)
		}),
		locks:       make(map[Handle]*lockInfo),
		forceWrites: make(map[types.SubstateID]types.StateChange),
	}
}

func (t *Track) get(id types.SubstateID) (*entry, bool) {
	return t.index.Get(&entry{id: id})
}

// load returns the entry of [id], reading it from the database on first use.
func (t *Track) load(id types.SubstateID) (*entry, error) {
	if e, ok := t.get(id); ok {
		return e, nil
	}
	s, ok, err := t.db.GetSubstate(id)
	if err != nil {
		return nil, err
	}
	e := &entry{id: id}
	if ok {
		e.base = &s
		e.value = s.Value
	}
	t.index.ReplaceOrInsert(e)
	return e, nil
}

// AcquireLock locks the substate [id] and returns a handle on it.
func (t *Track) AcquireLock(id types.SubstateID, flags types.LockFlags) (Handle, error) {
	e, err := t.load(id)
	if err != nil {
		return 0, err
	}

	if flags.Contains(types.LockFlagsUnmodifiedBase) {
		switch {
		case e.base == nil:
			return 0, acquireErr(LockUnmodifiedBaseOnNewSubstate, id)
		case e.updated:
			return 0, acquireErr(LockUnmodifiedBaseOnUpdatedSubstate, id)
		}
	}
	if !e.exists() && !flags.Contains(types.LockFlagsCreateOnMiss) {
		return 0, acquireErr(NotFound, id)
	}
	if flags.Contains(types.LockFlagsMutable) {
		if e.lock.locked() {
			return 0, acquireErr(SubstateLocked, id)
		}
		e.lock.write = true
	} else {
		if e.lock.write {
			return 0, acquireErr(SubstateLocked, id)
		}
		e.lock.readers++
	}

	t.nextHandle++
	h := t.nextHandle
	t.locks[h] = &lockInfo{entry: e, flags: flags}
	return h, nil
}

func (t *Track) lockInfo(h Handle) (*lockInfo, error) {
	info, ok := t.locks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return info, nil
}

// ReleaseLock releases the lock behind [h]. The value of a force write lock
// is recorded so that it survives a failed transaction.
func (t *Track) ReleaseLock(h Handle) error {
	info, err := t.lockInfo(h)
	if err != nil {
		return err
	}
	delete(t.locks, h)

	e := info.entry
	if info.flags.Contains(types.LockFlagsMutable) {
		e.lock.write = false
	} else {
		e.lock.readers--
	}
	if info.flags.Contains(types.LockFlagsForceWrite) && e.updated {
		if e.exists() {
			t.forceWrites[e.id] = types.Upsert(e.id, e.value)
		} else {
			t.forceWrites[e.id] = types.Delete(e.id)
		}
	}
	return nil
}

// LockFlags returns the flags [h] was acquired with.
func (t *Track) LockFlags(h Handle) (types.LockFlags, error) {
	info, err := t.lockInfo(h)
	if err != nil {
		return 0, err
	}
	return info.flags, nil
}

// SubstateID returns the substate locked by [h].
func (t *Track) SubstateID(h Handle) (types.SubstateID, error) {
	info, err := t.lockInfo(h)
	if err != nil {
		return types.SubstateID{}, err
	}
	return info.entry.id, nil
}

// GetSubstate returns the value behind [h], false if the substate does not
// exist yet. With [types.LockFlagsUnmodifiedBase] the committed value is
// returned.
func (t *Track) GetSubstate(h Handle) ([]byte, bool, error) {
	info, err := t.lockInfo(h)
	if err != nil {
		return nil, false, err
	}
	e := info.entry
	if info.flags.Contains(types.LockFlagsUnmodifiedBase) {
		return e.base.Value, true, nil
	}
	return e.value, e.exists(), nil
}

// PutSubstate replaces the value behind a write lock.
func (t *Track) PutSubstate(h Handle, value []byte) error {
	info, err := t.writeLock(h)
	if err != nil {
		return err
	}
	info.entry.value = append([]byte{}, value...)
	info.entry.updated = true
	return nil
}

// RemoveSubstate deletes the substate behind a write lock.
func (t *Track) RemoveSubstate(h Handle) error {
	info, err := t.writeLock(h)
	if err != nil {
		return err
	}
	info.entry.value = nil
	info.entry.updated = true
	return nil
}

func (t *Track) writeLock(h Handle) (*lockInfo, error) {
	info, err := t.lockInfo(h)
	if err != nil {
		return nil, err
	}
	if !info.flags.Contains(types.LockFlagsMutable) {
		return nil, fmt.Errorf("%w: %s", ErrNotWriteLocked, info.entry.id)
	}
	return info, nil
}

// InsertSubstate writes [value] without taking a lock. Used when a node is
// moved into the store.
func (t *Track) InsertSubstate(id types.SubstateID, value []byte) error {
	e, ok := t.get(id)
	if !ok {
		e = &entry{id: id}
		t.index.ReplaceOrInsert(e)
	}
	if e.lock.locked() {
		return acquireErr(SubstateLocked, id)
	}
	e.value = append([]byte{}, value...)
	e.updated = true
	return nil
}

// NodeExists reports whether [nodeID] has a type info substate, either in
// the database or written by this transaction.
func (t *Track) NodeExists(nodeID types.NodeID) (bool, error) {
	id := types.NewSubstateID(nodeID, types.ModuleTypeInfo, types.TypeInfoKey)
	if e, ok := t.get(id); ok {
		return e.exists(), nil
	}
	_, ok, err := t.db.GetSubstate(id)
	return ok, err
}

// IsLocked reports whether any lock is held on [id].
func (t *Track) IsLocked(id types.SubstateID) bool {
	e, ok := t.get(id)
	return ok && e.lock.locked()
}

// ListSubstates returns the current substates of a module in key order,
// merging the database with the writes of this transaction.
func (t *Track) ListSubstates(nodeID types.NodeID, moduleID types.ModuleID) ([]statedb.Entry, error) {
	committed, _, err := t.db.ListSubstates(nodeID, moduleID)
	if err != nil {
		return nil, err
	}

	overlay := make(map[types.SubstateKey]*entry)
	t.index.AscendRange(
		&entry{id: types.NewSubstateID(nodeID, moduleID, "")},
		&entry{id: types.NewSubstateID(nodeID, moduleID+1, "")},
		func(e *entry) bool {
			if e.updated {
				overlay[e.id.Key] = e
			}
			return true
		},
	)

	entries := make([]statedb.Entry, 0, len(committed)+len(overlay))
	for _, c := range committed {
		e, ok := overlay[c.Key]
		if !ok {
			entries = append(entries, c)
			continue
		}
		delete(overlay, c.Key)
		if e.exists() {
			entries = append(entries, statedb.Entry{Key: c.Key, Value: e.value, Version: c.Version})
		}
	}
	for key, e := range overlay {
		if e.exists() {
			entries = append(entries, statedb.Entry{Key: key, Value: e.value})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Compare(entries[j].Key) < 0
	})
	return entries, nil
}

// Finalize returns the change set of the transaction in substate order.
func (t *Track) Finalize() (types.StateChanges, error) {
	if len(t.locks) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrLocksOutstanding, len(t.locks))
	}

	var changes types.StateChanges
	t.index.Ascend(func(e *entry) bool {
		if !e.updated {
			return true
		}
		switch {
		case e.exists():
			if e.base != nil && bytes.Equal(e.base.Value, e.value) {
				return true
			}
			changes = append(changes, types.Upsert(e.id, e.value))
		case e.base != nil:
			changes = append(changes, types.Delete(e.id))
		}
		return true
	})
	log.Debug("finalized track", "substates", t.index.Len(), "changes", len(changes))
	return changes, nil
}

// ForceWriteChanges returns the writes made through force write locks, to
// be committed when the transaction fails.
func (t *Track) ForceWriteChanges() types.StateChanges {
	changes := make(types.StateChanges, 0, len(t.forceWrites))
	for _, change := range t.forceWrites {
		changes = append(changes, change)
	}
	changes.Sort()
	return changes
}
