// (c) 2021, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"encoding/binary"
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNodeCacheSize = 8192

var (
	// These are prefixes for db keys.
	nodePrefix  = []byte("node")
	stalePrefix = []byte("stale")

	_ TreeStore = (*DBTreeStore)(nil)
)

// DBTreeStore persists tree nodes in a database. Stale nodes are indexed by
// the version they became stale at so that they can be pruned once no
// reader needs older versions.
type DBTreeStore struct {
	nodeDB    database.Database
	staleDB   database.Database
	nodeCache cache.Cacher

	// staleSince tags the stale records of the update in progress
	staleSince Version
}

// NewDBTreeStore returns a store keeping its nodes in [db].
func NewDBTreeStore(db database.Database, cacheSize int, registerer prometheus.Registerer) (*DBTreeStore, error) {
	nodeCache, err := metercacher.New(
		"tree_node_cache",
		registerer,
		&cache.LRU{Size: cacheSize},
	)
	if err != nil {
		return nil, err
	}
	return &DBTreeStore{
		nodeDB:    prefixdb.New(nodePrefix, db),
		staleDB:   prefixdb.New(stalePrefix, db),
		nodeCache: nodeCache,
	}, nil
}

// SetStaleSinceVersion sets the version subsequent RecordStaleNode calls
// are attributed to.
func (s *DBTreeStore) SetStaleSinceVersion(version Version) {
	s.staleSince = version
}

func (s *DBTreeStore) GetNode(key NodeKey) (Node, error) {
	k := encodeNodeKey(key)
	if n, ok := s.nodeCache.Get(string(k)); ok {
		return n.(Node), nil
	}
	b, err := s.nodeDB.Get(k)
	if err == database.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode node %s: %w", key, err)
	}
	s.nodeCache.Put(string(k), n)
	return n, nil
}

func (s *DBTreeStore) InsertNode(key NodeKey, node Node) error {
	b, err := encodeNode(node)
	if err != nil {
		return err
	}
	k := encodeNodeKey(key)
	if err := s.nodeDB.Put(k, b); err != nil {
		return err
	}
	s.nodeCache.Put(string(k), node)
	return nil
}

func (s *DBTreeStore) RecordStaleNode(key NodeKey) error {
	nodeKey := encodeNodeKey(key)
	p := wrappers.Packer{MaxSize: wrappers.LongLen + len(nodeKey)}
	p.PackLong(s.staleSince)
	p.PackFixedBytes(nodeKey)
	return s.staleDB.Put(p.Bytes, nil)
}

// Prune deletes every node that became stale at or before [version]. After
// pruning, versions older than [version] can no longer be read.
func (s *DBTreeStore) Prune(version Version) (int, error) {
	var staleKeys [][]byte
	it := s.staleDB.NewIterator()
	for it.Next() {
		k := it.Key()
		if len(k) < wrappers.LongLen {
			it.Release()
			return 0, errInvalidNodeKey
		}
		if binary.BigEndian.Uint64(k[:wrappers.LongLen]) > version {
			break
		}
		staleKeys = append(staleKeys, append([]byte(nil), k...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return 0, err
	}

	for _, k := range staleKeys {
		nodeKey := k[wrappers.LongLen:]
		if err := s.nodeDB.Delete(nodeKey); err != nil {
			return 0, err
		}
		s.nodeCache.Evict(string(nodeKey))
		if err := s.staleDB.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(staleKeys), nil
}

// ClearCache drops every cached node. Used after an aborted commit since
// the cache may hold nodes that were never persisted.
func (s *DBTreeStore) ClearCache() {
	s.nodeCache.Flush()
}
