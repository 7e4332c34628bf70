// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateOwn       = errors.New("node owned more than once in value")
	ErrOwnAndReference    = errors.New("node both owned and referenced in value")
	ErrWrongCodecVersion  = errors.New("wrong codec version")
	ErrEmptyNodeReference = errors.New("empty node id in value")
)

// Value is the payload of a substate, an invocation argument or a return
// value. Besides opaque application data it lists every node the payload
// owns and every node it merely references, which is what the kernel uses to
// enforce the ownership rules.
type Value struct {
	Data       []byte   `serialize:"true" json:"data"`
	Owned      []NodeID `serialize:"true" json:"owned"`
	References []NodeID `serialize:"true" json:"references"`
}

// NewValue returns a value carrying only [data].
func NewValue(data []byte) Value { return Value{Data: data} }

func (v Value) WithOwned(ids ...NodeID) Value {
	v.Owned = append(append([]NodeID(nil), v.Owned...), ids...)
	return v
}

func (v Value) WithReferences(ids ...NodeID) Value {
	v.References = append(append([]NodeID(nil), v.References...), ids...)
	return v
}

// Verify checks the ownership index of the value is well formed.
func (v Value) Verify() error {
	owned := make(map[NodeID]struct{}, len(v.Owned))
	for _, id := range v.Owned {
		if id == EmptyNodeID {
			return ErrEmptyNodeReference
		}
		if _, ok := owned[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateOwn, id)
		}
		owned[id] = struct{}{}
	}
	for _, id := range v.References {
		if id == EmptyNodeID {
			return ErrEmptyNodeReference
		}
		if _, ok := owned[id]; ok {
			return fmt.Errorf("%w: %s", ErrOwnAndReference, id)
		}
	}
	return nil
}

// OwnsNode reports whether [id] is owned by the value.
func (v Value) OwnsNode(id NodeID) bool {
	for _, owned := range v.Owned {
		if owned == id {
			return true
		}
	}
	return false
}

// Encode returns the canonical serialization stored in the substate store.
func (v Value) Encode() ([]byte, error) {
	return Codec.Marshal(CodecVersion, &v)
}

// DecodeValue parses a value produced by Encode.
func DecodeValue(b []byte) (Value, error) {
	v := Value{}
	version, err := Codec.Unmarshal(b, &v)
	if err != nil {
		return Value{}, err
	}
	if version != CodecVersion {
		return Value{}, ErrWrongCodecVersion
	}
	return v, nil
}
