// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	jsoniter "github.com/json-iterator/go"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/native"
	"github.com/ava-labs/substratevm/types"
)

const bindingPrefix = "$"

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	ErrInvalidManifest = errors.New("invalid manifest")
	ErrUnknownBinding  = errors.New("unknown binding")
	ErrEmptyBinding    = errors.New("binding holds no node")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// Manifest is the JSON description of a transaction: a list of calls made
// from the root call frame.
//
// Node arguments are either hex encoded node ids or "$name" bindings to the
// output of an earlier instruction. "$name" selects the first owned node of
// the output, or its first reference when it owns none. "$name.own" and
// "$name.ref" select explicitly. In Move, "$name" moves every node owned by
// the output.
type Manifest struct {
	// Reserve pre-allocates global addresses before the first instruction.
	Reserve      []Reservation `json:"reserve,omitempty"`
	Instructions []Instruction `json:"instructions"`
	// DirectAccess lists stored internal nodes the transaction may address
	// without going through their owner.
	DirectAccess []types.NodeID `json:"directAccess,omitempty"`
}

// Reservation binds a pre-allocated address of a global entity type, for
// example "GlobalAccount", to a name. Create functions place their node at
// it when the name is passed as Address.
type Reservation struct {
	Entity string `json:"entity"`
	Bind   string `json:"bind"`
}

// Instruction invokes a blueprint function, or a method when Receiver is
// set.
type Instruction struct {
	Blueprint string `json:"blueprint,omitempty"`
	Function  string `json:"function"`
	Receiver  string `json:"receiver,omitempty"`
	Args      Args   `json:"args"`
	// Bind names the output for later instructions.
	Bind string `json:"bind,omitempty"`
}

// Args are the arguments of an instruction. Symbol, Amount, a decimal
// string, and Address are encoded as native call arguments.
type Args struct {
	Symbol  string   `json:"symbol,omitempty"`
	Amount  string   `json:"amount,omitempty"`
	Address string   `json:"address,omitempty"`
	Move    []string `json:"move,omitempty"`
	Refs    []string `json:"refs,omitempty"`
}

// ParseManifest decodes a JSON manifest.
func ParseManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	for i, reservation := range m.Reserve {
		if reservation.Bind == "" {
			return nil, fmt.Errorf("%w: reservation %d has no binding", ErrInvalidManifest, i)
		}
		if _, err := types.ParseEntityType(reservation.Entity); err != nil {
			return nil, fmt.Errorf("%w: reservation %d: %v", ErrInvalidManifest, i, err)
		}
	}
	for i, instruction := range m.Instructions {
		if instruction.Function == "" {
			return nil, fmt.Errorf("%w: instruction %d has no function", ErrInvalidManifest, i)
		}
		if instruction.Blueprint == "" && instruction.Receiver == "" {
			return nil, fmt.Errorf("%w: instruction %d has neither blueprint nor receiver", ErrInvalidManifest, i)
		}
	}
	return m, nil
}

// Bytes returns the JSON encoding of the manifest.
func (m *Manifest) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// bindings holds the outputs of named instructions.
type bindings map[string]types.Value

func (b bindings) lookup(ref string) (types.Value, string, error) {
	name, selector, _ := strings.Cut(strings.TrimPrefix(ref, bindingPrefix), ".")
	v, ok := b[name]
	if !ok {
		return types.Value{}, "", fmt.Errorf("%w: %q", ErrUnknownBinding, name)
	}
	return v, selector, nil
}

// resolveNode returns the node named by [ref].
func (b bindings) resolveNode(ref string) (types.NodeID, error) {
	if !strings.HasPrefix(ref, bindingPrefix) {
		return types.NodeIDFromHex(ref)
	}
	v, selector, err := b.lookup(ref)
	if err != nil {
		return types.EmptyNodeID, err
	}
	var candidates []types.NodeID
	switch selector {
	case "":
		candidates = append(append(candidates, v.Owned...), v.References...)
	case "own":
		candidates = v.Owned
	case "ref":
		candidates = v.References
	default:
		return types.EmptyNodeID, fmt.Errorf("%w: selector %q", ErrUnknownBinding, selector)
	}
	if len(candidates) == 0 {
		return types.EmptyNodeID, fmt.Errorf("%w: %q", ErrEmptyBinding, ref)
	}
	return candidates[0], nil
}

// resolveMove returns the nodes [ref] moves.
func (b bindings) resolveMove(ref string) ([]types.NodeID, error) {
	if !strings.HasPrefix(ref, bindingPrefix) || strings.Contains(ref, ".") {
		id, err := b.resolveNode(ref)
		if err != nil {
			return nil, err
		}
		return []types.NodeID{id}, nil
	}
	v, _, err := b.lookup(ref)
	if err != nil {
		return nil, err
	}
	if len(v.Owned) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyBinding, ref)
	}
	return v.Owned, nil
}

// invocation resolves [instruction] against the outputs seen so far.
func (b bindings) invocation(instruction Instruction) (kernel.Invocation, error) {
	invocation := kernel.Invocation{
		Blueprint: instruction.Blueprint,
		Function:  instruction.Function,
	}
	if instruction.Receiver != "" {
		receiver, err := b.resolveNode(instruction.Receiver)
		if err != nil {
			return kernel.Invocation{}, err
		}
		invocation.Receiver = &receiver
	}

	args := instruction.Args
	if args.Symbol != "" || args.Amount != "" || args.Address != "" {
		address := types.EmptyNodeID
		if args.Address != "" {
			id, err := b.resolveNode(args.Address)
			if err != nil {
				return kernel.Invocation{}, err
			}
			address = id
		}
		var amount *uint256.Int
		if args.Amount != "" {
			parsed, err := uint256.FromDecimal(args.Amount)
			if err != nil {
				return kernel.Invocation{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, args.Amount, err)
			}
			amount = parsed
		}
		data, err := native.NewCreateArgs(args.Symbol, amount, address)
		if err != nil {
			return kernel.Invocation{}, err
		}
		invocation.Args.Data = data
	}
	for _, ref := range args.Move {
		ids, err := b.resolveMove(ref)
		if err != nil {
			return kernel.Invocation{}, err
		}
		invocation.Args.Owned = append(invocation.Args.Owned, ids...)
	}
	for _, ref := range args.Refs {
		id, err := b.resolveNode(ref)
		if err != nil {
			return kernel.Invocation{}, err
		}
		invocation.Args.References = append(invocation.Args.References, id)
	}
	return invocation, nil
}
