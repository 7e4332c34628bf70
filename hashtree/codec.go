// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashtree

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/substratevm/types"
)

const (
	// CodecVersion is the current default codec version
	CodecVersion = 0

	nodeKeyHeaderLen = wrappers.LongLen + wrappers.ShortLen
)

var (
	errWrongCodecVersion = errors.New("wrong codec version")
	errInvalidNodeKey    = errors.New("invalid node key encoding")
	errInvalidNode       = errors.New("invalid node encoding")
)

// Codec serializes tree nodes
var Codec codec.Manager

func init() {
	c := linearcodec.NewDefault()
	Codec = codec.NewDefaultManager()

	errs := wrappers.Errs{}
	errs.Add(
		Codec.RegisterCodec(CodecVersion, c),
	)
	if errs.Errored() {
		panic(errs.Err)
	}
}

// encodeNodeKey packs a key as version || nibble count || packed nibbles, so
// that encoded keys sort by version first.
func encodeNodeKey(key NodeKey) []byte {
	p := wrappers.Packer{MaxSize: nodeKeyHeaderLen + len(key.Path.Bytes())}
	p.PackLong(key.Version)
	p.PackShort(uint16(key.Path.Len()))
	p.PackFixedBytes(key.Path.Bytes())
	return p.Bytes
}

func decodeNodeKey(b []byte) (NodeKey, error) {
	if len(b) < nodeKeyHeaderLen {
		return NodeKey{}, errInvalidNodeKey
	}
	p := wrappers.Packer{Bytes: b}
	version := p.UnpackLong()
	numNibbles := int(p.UnpackShort())
	packed := p.UnpackFixedBytes((numNibbles + 1) / 2)
	if p.Errored() || p.Offset != len(b) {
		return NodeKey{}, errInvalidNodeKey
	}
	path := NibblePath{numNibbles: numNibbles, bytes: append([]byte(nil), packed...)}
	return NodeKey{Version: version, Path: path}, nil
}

type storedChild struct {
	Nibble    uint8      `serialize:"true"`
	Hash      types.Hash `serialize:"true"`
	Version   uint64     `serialize:"true"`
	LeafCount uint64     `serialize:"true"`
	IsLeaf    bool       `serialize:"true"`
}

type storedNode struct {
	Type      uint8         `serialize:"true"`
	Children  []storedChild `serialize:"true"`
	KeyHash   types.Hash    `serialize:"true"`
	ValueHash types.Hash    `serialize:"true"`
	Version   uint64        `serialize:"true"`
}

func encodeNode(n Node) ([]byte, error) {
	s := storedNode{Type: uint8(n.Type())}
	switch node := n.(type) {
	case *InternalNode:
		for nib, c := range node.Children {
			if c == nil {
				continue
			}
			s.Children = append(s.Children, storedChild{
				Nibble:    uint8(nib),
				Hash:      c.Hash,
				Version:   c.Version,
				LeafCount: c.LeafCount,
				IsLeaf:    c.IsLeaf,
			})
		}
	case *LeafNode:
		s.KeyHash = node.KeyHash
		s.ValueHash = node.ValueHash
		s.Version = node.Version
	case NullNode:
	default:
		return nil, fmt.Errorf("%w: %T", errInvalidNode, n)
	}
	return Codec.Marshal(CodecVersion, &s)
}

func decodeNode(b []byte) (Node, error) {
	s := storedNode{}
	version, err := Codec.Unmarshal(b, &s)
	if err != nil {
		return nil, err
	}
	if version != CodecVersion {
		return nil, errWrongCodecVersion
	}
	switch NodeType(s.Type) {
	case NodeTypeNull:
		return NullNode{}, nil
	case NodeTypeLeaf:
		return &LeafNode{KeyHash: s.KeyHash, ValueHash: s.ValueHash, Version: s.Version}, nil
	case NodeTypeInternal:
		var children [16]*Child
		for _, c := range s.Children {
			if c.Nibble >= 16 || children[c.Nibble] != nil {
				return nil, fmt.Errorf("%w: child nibble %d", errInvalidNode, c.Nibble)
			}
			children[c.Nibble] = &Child{
				Hash:      c.Hash,
				Version:   c.Version,
				LeafCount: c.LeafCount,
				IsLeaf:    c.IsLeaf,
			}
		}
		return NewInternalNode(children), nil
	default:
		return nil, fmt.Errorf("%w: type %d", errInvalidNode, s.Type)
	}
}
