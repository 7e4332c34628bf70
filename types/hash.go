// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const HashLen = 32

var ErrInvalidHashLength = errors.New("invalid hash length")

// Hash is a blake2b-256 digest.
type Hash [HashLen]byte

// ZeroHash is the all zero hash.
var ZeroHash = Hash{}

// HashOf returns the blake2b-256 digest of the concatenation of [parts].
func HashOf(parts ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != HashLen {
		return fmt.Errorf("%w: %d", ErrInvalidHashLength, len(b))
	}
	copy(h[:], b)
	return nil
}
