// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

const (
	TypeInfoObject uint8 = iota
	TypeInfoKeyValueStore
)

// TypeInfoKey is the field holding a node's TypeInfo.
var TypeInfoKey = FieldKey(0)

// TypeInfo is stored in field 0 of the TypeInfo module of every node and
// names the blueprint implementing the node's methods.
type TypeInfo struct {
	Kind      uint8  `serialize:"true" json:"kind"`
	Blueprint string `serialize:"true" json:"blueprint"`
}

func ObjectTypeInfo(blueprint string) TypeInfo {
	return TypeInfo{Kind: TypeInfoObject, Blueprint: blueprint}
}

func KeyValueStoreTypeInfo() TypeInfo {
	return TypeInfo{Kind: TypeInfoKeyValueStore}
}

// Value wraps the type info in a substate value.
func (t TypeInfo) Value() (Value, error) {
	b, err := Codec.Marshal(CodecVersion, &t)
	if err != nil {
		return Value{}, err
	}
	return NewValue(b), nil
}

// TypeInfoFromValue parses a TypeInfo substate.
func TypeInfoFromValue(v Value) (TypeInfo, error) {
	t := TypeInfo{}
	version, err := Codec.Unmarshal(v.Data, &t)
	if err != nil {
		return TypeInfo{}, err
	}
	if version != CodecVersion {
		return TypeInfo{}, ErrWrongCodecVersion
	}
	return t, nil
}
