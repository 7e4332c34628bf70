// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxSubstateKeyLen bounds the serialized length of a SubstateKey.
	MaxSubstateKeyLen = 128

	fieldTag byte = 0x00
	mapTag   byte = 0x01
)

var (
	ErrEmptySubstateKey   = errors.New("empty substate key")
	ErrSubstateKeyTooLong = errors.New("substate key too long")
	ErrInvalidSubstateKey = errors.New("invalid substate key")
	ErrEmptyCollectionKey = errors.New("empty collection key")
)

// SubstateKey addresses a substate within a (NodeID, ModuleID) pair. The
// first byte separates fields, addressed by a small integer index, from
// collection entries, addressed by arbitrary bytes. Keys order bytewise.
type SubstateKey string

// FieldKey returns the key of field [index].
func FieldKey(index uint8) SubstateKey {
	return SubstateKey([]byte{fieldTag, index})
}

// MapKey returns the key of the collection entry [key].
func MapKey(key []byte) (SubstateKey, error) {
	if len(key) == 0 {
		return "", ErrEmptyCollectionKey
	}
	if len(key)+1 > MaxSubstateKeyLen {
		return "", fmt.Errorf("%w: %d bytes", ErrSubstateKeyTooLong, len(key)+1)
	}
	b := make([]byte, 0, len(key)+1)
	b = append(b, mapTag)
	b = append(b, key...)
	return SubstateKey(b), nil
}

// SubstateKeyFromBytes validates a serialized key.
func SubstateKeyFromBytes(b []byte) (SubstateKey, error) {
	switch {
	case len(b) == 0:
		return "", ErrEmptySubstateKey
	case len(b) > MaxSubstateKeyLen:
		return "", fmt.Errorf("%w: %d bytes", ErrSubstateKeyTooLong, len(b))
	}
	switch b[0] {
	case fieldTag:
		if len(b) != 2 {
			return "", fmt.Errorf("%w: field key of length %d", ErrInvalidSubstateKey, len(b))
		}
	case mapTag:
		if len(b) < 2 {
			return "", ErrEmptyCollectionKey
		}
	default:
		return "", fmt.Errorf("%w: tag 0x%02x", ErrInvalidSubstateKey, b[0])
	}
	return SubstateKey(b), nil
}

func (k SubstateKey) Bytes() []byte { return []byte(k) }

func (k SubstateKey) IsField() bool { return len(k) == 2 && k[0] == fieldTag }

func (k SubstateKey) IsMap() bool { return len(k) >= 2 && k[0] == mapTag }

// FieldIndex returns the index of a field key.
func (k SubstateKey) FieldIndex() (uint8, bool) {
	if !k.IsField() {
		return 0, false
	}
	return k[1], true
}

// CollectionKey returns the user key of a collection entry.
func (k SubstateKey) CollectionKey() ([]byte, bool) {
	if !k.IsMap() {
		return nil, false
	}
	return []byte(k[1:]), true
}

func (k SubstateKey) Compare(other SubstateKey) int {
	return strings.Compare(string(k), string(other))
}

func (k SubstateKey) String() string {
	if idx, ok := k.FieldIndex(); ok {
		return fmt.Sprintf("Field(%d)", idx)
	}
	if key, ok := k.CollectionKey(); ok {
		return fmt.Sprintf("Map(%s)", hex.EncodeToString(key))
	}
	return fmt.Sprintf("Invalid(%s)", hex.EncodeToString([]byte(k)))
}
