// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// NodeIDLen is the length in bytes of every NodeID. The first byte is the
// entity type tag.
const NodeIDLen = 27

var (
	ErrInvalidNodeIDLength = errors.New("invalid node id length")
	ErrUnknownEntityType   = errors.New("unknown entity type")
)

// NodeID addresses a node: the union of all substates stored under it.
type NodeID [NodeIDLen]byte

// EmptyNodeID is the zero value of NodeID and never names a real node.
var EmptyNodeID = NodeID{}

// NewNodeID returns the node id tagged with [entity] whose remaining bytes are
// taken from the front of [body].
func NewNodeID(entity EntityType, body []byte) NodeID {
	var id NodeID
	id[0] = byte(entity)
	copy(id[1:], body)
	return id
}

// NodeIDFromBytes parses and validates a serialized node id.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("%w: %d", ErrInvalidNodeIDLength, len(b))
	}
	copy(id[:], b)
	if !id.EntityType().Valid() {
		return id, fmt.Errorf("%w: 0x%02x", ErrUnknownEntityType, b[0])
	}
	return id, nil
}

// NodeIDFromHex parses a hex encoded node id.
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EmptyNodeID, err
	}
	return NodeIDFromBytes(b)
}

func (id NodeID) EntityType() EntityType { return EntityType(id[0]) }

func (id NodeID) IsGlobal() bool { return id.EntityType().IsGlobal() }

func (id NodeID) IsInternal() bool { return id.EntityType().IsInternal() }

func (id NodeID) IsTransient() bool { return id.EntityType().IsTransient() }

func (id NodeID) Bytes() []byte { return id[:] }

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// Compare orders node ids by their byte representation.
func (id NodeID) Compare(other NodeID) int {
	for i := 0; i < NodeIDLen; i++ {
		switch {
		case id[i] < other[i]:
			return -1
		case id[i] > other[i]:
			return 1
		}
	}
	return 0
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := NodeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
