// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/substratevm/hashtree"
	"github.com/ava-labs/substratevm/types"
)

const DefaultSubstateCacheSize = 4096

var (
	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database objects.
	metadataPrefix = []byte("meta")
	substatePrefix = []byte("substate")
	treePrefix     = []byte("tree")

	ErrUnknownModuleID     = errors.New("unknown module id")
	ErrIterationNotAllowed = errors.New("iteration not allowed")
	ErrClosed              = errors.New("database closed")

	errCorruptedMetadata = errors.New("corrupted metadata")
	errCorruptedSubstate = errors.New("corrupted substate")

	_ SubstateDatabase = (*Database)(nil)
)

// Substate is a committed substate value together with the version it was
// last written at.
type Substate struct {
	Value   []byte
	Version uint64
}

// Entry is one substate of a module scan.
type Entry struct {
	Key     types.SubstateKey
	Value   []byte
	Version uint64
}

// CommitResult describes a committed change set.
type CommitResult struct {
	Version   uint64
	StateRoot types.Hash
	Upserts   int
	Deletes   int
}

// SubstateReader is the read side of the substate store.
type SubstateReader interface {
	GetSubstate(id types.SubstateID) (Substate, bool, error)
	ListSubstates(nodeID types.NodeID, moduleID types.ModuleID) ([]Entry, types.Hash, error)
}

// SubstateDatabase is a versioned substate store committing to a state root.
type SubstateDatabase interface {
	SubstateReader

	Commit(changes types.StateChanges) (CommitResult, error)
	StateRoot() types.Hash
	Version() uint64
	Close() error
}

// ModuleConfig controls how the substates of a module may be accessed.
type ModuleConfig struct {
	Iterable bool
}

// DefaultModuleConfigs lists every module the database knows about.
var DefaultModuleConfigs = map[types.ModuleID]ModuleConfig{
	types.ModuleTypeInfo:       {Iterable: false},
	types.ModuleMain:           {Iterable: true},
	types.ModuleMetadata:       {Iterable: true},
	types.ModuleRoyalty:        {Iterable: false},
	types.ModuleRoleAssignment: {Iterable: true},
}

type Config struct {
	Modules           map[types.ModuleID]ModuleConfig
	SubstateCacheSize int
	TreeCacheSize     int
}

func DefaultConfig() Config {
	return Config{
		Modules:           DefaultModuleConfigs,
		SubstateCacheSize: DefaultSubstateCacheSize,
		TreeCacheSize:     hashtree.DefaultNodeCacheSize,
	}
}

// Database stores substates and the state hash tree in a single database.
// Every commit is flushed atomically through a versiondb.
type Database struct {
	lock sync.RWMutex

	baseDB     *versiondb.Database
	substateDB database.Database
	metadata   MetadataState
	treeStore  *hashtree.DBTreeStore
	cache      *lru.Cache[string, Substate]
	modules    map[types.ModuleID]ModuleConfig

	version uint64
	root    types.Hash
	closed  bool
}

// New opens a substate database on top of [db].
func New(db database.Database, config Config, registerer prometheus.Registerer) (*Database, error) {
	baseDB := versiondb.New(db)

	treeStore, err := hashtree.NewDBTreeStore(prefixdb.New(treePrefix, baseDB), config.TreeCacheSize, registerer)
	if err != nil {
		return nil, err
	}
	substateCache, err := lru.New[string, Substate](config.SubstateCacheSize)
	if err != nil {
		return nil, err
	}
	modules := config.Modules
	if modules == nil {
		modules = DefaultModuleConfigs
	}

	d := &Database{
		baseDB:     baseDB,
		substateDB: prefixdb.New(substatePrefix, baseDB),
		metadata:   NewMetadataState(prefixdb.New(metadataPrefix, baseDB)),
		treeStore:  treeStore,
		cache:      substateCache,
		modules:    modules,
	}
	d.version, d.root, err = d.metadata.GetLastCommitted()
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	if d.version == 0 {
		d.root = hashtree.PlaceholderHash
	}
	log.Debug("opened substate database", "version", d.version, "stateRoot", d.root)
	return d, nil
}

func (d *Database) checkModule(moduleID types.ModuleID) (ModuleConfig, error) {
	config, ok := d.modules[moduleID]
	if !ok {
		return ModuleConfig{}, fmt.Errorf("%w: %d", ErrUnknownModuleID, moduleID)
	}
	return config, nil
}

func (d *Database) GetSubstate(id types.SubstateID) (Substate, bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return Substate{}, false, ErrClosed
	}
	if _, err := d.checkModule(id.ModuleID); err != nil {
		return Substate{}, false, err
	}
	k := substateKey(id)
	if s, ok := d.cache.Get(string(k)); ok {
		return s, true, nil
	}
	b, err := d.substateDB.Get(k)
	if err == database.ErrNotFound {
		return Substate{}, false, nil
	}
	if err != nil {
		return Substate{}, false, err
	}
	s, err := decodeSubstate(b)
	if err != nil {
		return Substate{}, false, fmt.Errorf("%s: %w", id, err)
	}
	d.cache.Add(string(k), s)
	return s, true, nil
}

// ListSubstates returns the substates of a module in key order together
// with the root hash of the module's nested tree.
func (d *Database) ListSubstates(nodeID types.NodeID, moduleID types.ModuleID) ([]Entry, types.Hash, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return nil, types.ZeroHash, ErrClosed
	}
	config, err := d.checkModule(moduleID)
	if err != nil {
		return nil, types.ZeroHash, err
	}
	if !config.Iterable {
		return nil, types.ZeroHash, fmt.Errorf("%w: %s", ErrIterationNotAllowed, moduleID)
	}

	var entries []Entry
	first, last := moduleID.PartitionRange()
	for p := first; p <= last; p++ {
		prefix := partitionPrefix(nodeID, p)
		it := d.substateDB.NewIteratorWithPrefix(prefix)
		for it.Next() {
			key, err := types.SubstateKeyFromBytes(it.Key()[len(prefix):])
			if err != nil {
				it.Release()
				return nil, types.ZeroHash, fmt.Errorf("%w: %v", errCorruptedSubstate, err)
			}
			s, err := decodeSubstate(it.Value())
			if err != nil {
				it.Release()
				return nil, types.ZeroHash, err
			}
			entries = append(entries, Entry{Key: key, Value: s.Value, Version: s.Version})
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, types.ZeroHash, err
		}
	}

	root, err := d.moduleRoot(nodeID, moduleID)
	if err != nil {
		return nil, types.ZeroHash, err
	}
	return entries, root, nil
}

// ModuleRoot returns the root hash of the nested tree of a module, the
// placeholder hash if it holds no substates.
func (d *Database) ModuleRoot(nodeID types.NodeID, moduleID types.ModuleID) (types.Hash, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return types.ZeroHash, ErrClosed
	}
	return d.moduleRoot(nodeID, moduleID)
}

func (d *Database) moduleRoot(nodeID types.NodeID, moduleID types.ModuleID) (types.Hash, error) {
	if d.version == 0 {
		return hashtree.PlaceholderHash, nil
	}
	root, ok, err := hashtree.GetModuleRoot(d.treeStore, d.version, nodeID, moduleID)
	if err != nil {
		return types.ZeroHash, err
	}
	if !ok {
		return hashtree.PlaceholderHash, nil
	}
	return root, nil
}

// GetSubstateProof returns the hash of [id] in the latest state, nil if it
// is absent, with a proof against the current state root.
func (d *Database) GetSubstateProof(id types.SubstateID) (*types.Hash, *hashtree.SubstateProof, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return nil, nil, ErrClosed
	}
	return d.getSubstateProof(id)
}

func (d *Database) getSubstateProof(id types.SubstateID) (*types.Hash, *hashtree.SubstateProof, error) {
	if d.version == 0 {
		return nil, &hashtree.SubstateProof{Upper: &hashtree.SparseMerkleProof{}}, nil
	}
	return hashtree.GetSubstateHashWithProof(d.treeStore, d.version, id)
}

// ProvenSubstate is the hash of a substate, nil when absent, with a proof
// against the state root of Version.
type ProvenSubstate struct {
	Version   uint64
	StateRoot types.Hash
	Hash      *types.Hash
	Proof     *hashtree.SubstateProof
}

// ProveSubstate returns the proof of [id] together with the version and
// state root it was taken at.
func (d *Database) ProveSubstate(id types.SubstateID) (ProvenSubstate, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.closed {
		return ProvenSubstate{}, ErrClosed
	}
	h, proof, err := d.getSubstateProof(id)
	if err != nil {
		return ProvenSubstate{}, err
	}
	return ProvenSubstate{
		Version:   d.version,
		StateRoot: d.root,
		Hash:      h,
		Proof:     proof,
	}, nil
}

// Commit applies [changes] as the next version. Either every change, the
// tree update and the new metadata are persisted, or nothing is.
func (d *Database) Commit(changes types.StateChanges) (CommitResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return CommitResult{}, ErrClosed
	}
	result, err := d.commit(changes)
	if err != nil {
		d.baseDB.Abort()
		d.cache.Purge()
		d.treeStore.ClearCache()
		return CommitResult{}, err
	}
	return result, nil
}

func (d *Database) commit(changes types.StateChanges) (CommitResult, error) {
	var (
		nextVersion = d.version + 1
		result      = CommitResult{Version: nextVersion}
		hashChanges = make([]hashtree.SubstateHashChange, 0, len(changes))
	)
	for _, change := range changes {
		if _, err := d.checkModule(change.ID.ModuleID); err != nil {
			return CommitResult{}, err
		}
		k := substateKey(change.ID)
		if change.Deleted {
			if err := d.substateDB.Delete(k); err != nil {
				return CommitResult{}, err
			}
			d.cache.Remove(string(k))
			hashChanges = append(hashChanges, hashtree.NewDelete(change.ID))
			result.Deletes++
			continue
		}
		if err := d.substateDB.Put(k, encodeSubstate(nextVersion, change.Value)); err != nil {
			return CommitResult{}, err
		}
		d.cache.Remove(string(k))
		hashChanges = append(hashChanges, hashtree.NewUpsert(change.ID, types.HashOf(change.Value)))
		result.Upserts++
	}

	var current *hashtree.Version
	if d.version > 0 {
		v := d.version
		current = &v
	}
	d.treeStore.SetStaleSinceVersion(nextVersion)
	root, err := hashtree.PutAtNextVersion(d.treeStore, current, hashChanges)
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to update state tree: %w", err)
	}
	if err := d.metadata.SetLastCommitted(nextVersion, root); err != nil {
		return CommitResult{}, err
	}
	if err := d.baseDB.Commit(); err != nil {
		return CommitResult{}, err
	}

	d.version = nextVersion
	d.root = root
	result.StateRoot = root
	log.Debug("committed state changes",
		"version", nextVersion,
		"stateRoot", root,
		"upserts", result.Upserts,
		"deletes", result.Deletes,
	)
	return result, nil
}

// Prune deletes tree nodes that are not reachable from versions at or after
// [version].
func (d *Database) Prune(version uint64) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if version > d.version {
		version = d.version
	}
	pruned, err := d.treeStore.Prune(version)
	if err != nil {
		d.baseDB.Abort()
		d.treeStore.ClearCache()
		return 0, err
	}
	if err := d.baseDB.Commit(); err != nil {
		d.treeStore.ClearCache()
		return 0, err
	}
	log.Debug("pruned state tree", "version", version, "nodes", pruned)
	return pruned, nil
}

func (d *Database) StateRoot() types.Hash {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.root
}

func (d *Database) Version() uint64 {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.version
}

// Close closes the underlying base database
func (d *Database) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.baseDB.Close()
}

func partitionPrefix(nodeID types.NodeID, partition types.PartitionNumber) []byte {
	b := make([]byte, 0, types.NodeIDLen+1)
	b = append(b, nodeID[:]...)
	return append(b, byte(partition))
}

func substateKey(id types.SubstateID) []byte {
	return append(partitionPrefix(id.NodeID, id.Partition()), id.Key.Bytes()...)
}

func encodeSubstate(version uint64, value []byte) []byte {
	b := make([]byte, wrappers.LongLen+len(value))
	binary.BigEndian.PutUint64(b, version)
	copy(b[wrappers.LongLen:], value)
	return b
}

func decodeSubstate(b []byte) (Substate, error) {
	if len(b) < wrappers.LongLen {
		return Substate{}, errCorruptedSubstate
	}
	return Substate{
		Version: binary.BigEndian.Uint64(b[:wrappers.LongLen]),
		Value:   append([]byte(nil), b[wrappers.LongLen:]...),
	}, nil
}
