// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"strings"

	"github.com/ava-labs/substratevm/types"
)

// Nibble is a 4 bit digit of a key hash. It selects one of the 16 children
// of an internal node.
type Nibble uint8

const hexDigits = "0123456789abcdef"

// nibbleAt returns the [i]th nibble of [h], most significant first.
func nibbleAt(h types.Hash, i int) Nibble {
	if i%2 == 0 {
		return Nibble(h[i/2] >> 4)
	}
	return Nibble(h[i/2] & 0x0f)
}

// bitAt returns the [i]th bit of [h], most significant first.
func bitAt(h types.Hash, i int) bool {
	return (h[i/8]>>(7-uint(i%8)))&1 != 0
}

// NibblePath is a sequence of nibbles packed two per byte. Paths are treated
// as values: Push and Concat never modify the receiver.
type NibblePath struct {
	numNibbles int
	bytes      []byte
}

// NewNibblePath returns the even length path spelling out [b].
func NewNibblePath(b []byte) NibblePath {
	return NibblePath{numNibbles: 2 * len(b), bytes: append([]byte(nil), b...)}
}

// HashNibblePath returns the 64 nibble path of [h].
func HashNibblePath(h types.Hash) NibblePath {
	return NewNibblePath(h[:])
}

func (p NibblePath) Len() int { return p.numNibbles }

func (p NibblePath) IsEmpty() bool { return p.numNibbles == 0 }

// Bytes returns the packed representation. An odd length path has its last
// low nibble zeroed.
func (p NibblePath) Bytes() []byte { return p.bytes }

func (p NibblePath) Get(i int) Nibble {
	if i < 0 || i >= p.numNibbles {
		panic("nibble index out of range")
	}
	if i%2 == 0 {
		return Nibble(p.bytes[i/2] >> 4)
	}
	return Nibble(p.bytes[i/2] & 0x0f)
}

// Push returns a copy of p with [n] appended.
func (p NibblePath) Push(n Nibble) NibblePath {
	out := NibblePath{
		numNibbles: p.numNibbles + 1,
		bytes:      make([]byte, (p.numNibbles+2)/2),
	}
	copy(out.bytes, p.bytes)
	if p.numNibbles%2 == 0 {
		out.bytes[p.numNibbles/2] = byte(n) << 4
	} else {
		out.bytes[p.numNibbles/2] |= byte(n) & 0x0f
	}
	return out
}

// Concat returns p followed by [suffix].
func (p NibblePath) Concat(suffix NibblePath) NibblePath {
	if p.numNibbles%2 == 0 {
		b := make([]byte, 0, len(p.bytes)+len(suffix.bytes))
		b = append(b, p.bytes...)
		b = append(b, suffix.bytes...)
		return NibblePath{numNibbles: p.numNibbles + suffix.numNibbles, bytes: b}
	}
	out := NibblePath{numNibbles: p.numNibbles, bytes: append([]byte(nil), p.bytes...)}
	for i := 0; i < suffix.Len(); i++ {
		out = out.Push(suffix.Get(i))
	}
	return out
}

// HasPrefix reports whether [prefix] is a prefix of p.
func (p NibblePath) HasPrefix(prefix NibblePath) bool {
	if prefix.Len() > p.Len() {
		return false
	}
	for i := 0; i < prefix.Len(); i++ {
		if p.Get(i) != prefix.Get(i) {
			return false
		}
	}
	return true
}

// Suffix returns the path made of the nibbles of p from index [start].
func (p NibblePath) Suffix(start int) NibblePath {
	out := NibblePath{}
	for i := start; i < p.Len(); i++ {
		out = out.Push(p.Get(i))
	}
	return out
}

func (p NibblePath) Equal(other NibblePath) bool {
	return p.Len() == other.Len() && p.HasPrefix(other)
}

func (p NibblePath) String() string {
	var sb strings.Builder
	for i := 0; i < p.numNibbles; i++ {
		sb.WriteByte(hexDigits[p.Get(i)])
	}
	return sb.String()
}
