// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statedb

import (
	"encoding/binary"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/substratevm/types"
)

const (
	VersionKey byte = iota
	StateRootKey
)

var (
	versionKey   = []byte{VersionKey}
	stateRootKey = []byte{StateRootKey}

	_ MetadataState = (*metadataState)(nil)
)

// MetadataState is a thin wrapper around a database to provide
// serialization and de-serialization of the last committed version and
// state root.
type MetadataState interface {
	// GetLastCommitted returns version 0 if nothing was committed yet.
	GetLastCommitted() (uint64, types.Hash, error)
	SetLastCommitted(version uint64, root types.Hash) error
}

type metadataState struct {
	metaDB database.Database
}

func NewMetadataState(db database.Database) MetadataState {
	return &metadataState{
		metaDB: db,
	}
}

func (s *metadataState) GetLastCommitted() (uint64, types.Hash, error) {
	versionBytes, err := s.metaDB.Get(versionKey)
	if err == database.ErrNotFound {
		return 0, types.ZeroHash, nil
	}
	if err != nil {
		return 0, types.ZeroHash, err
	}
	if len(versionBytes) != wrappers.LongLen {
		return 0, types.ZeroHash, errCorruptedMetadata
	}
	rootBytes, err := s.metaDB.Get(stateRootKey)
	if err != nil {
		return 0, types.ZeroHash, err
	}
	if len(rootBytes) != types.HashLen {
		return 0, types.ZeroHash, errCorruptedMetadata
	}
	var root types.Hash
	copy(root[:], rootBytes)
	return binary.BigEndian.Uint64(versionBytes), root, nil
}

func (s *metadataState) SetLastCommitted(version uint64, root types.Hash) error {
	versionBytes := make([]byte, wrappers.LongLen)
	binary.BigEndian.PutUint64(versionBytes, version)
	if err := s.metaDB.Put(versionKey, versionBytes); err != nil {
		return err
	}
	return s.metaDB.Put(stateRootKey, root[:])
}
