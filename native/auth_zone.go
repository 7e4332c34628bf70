// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package native

import (
	"fmt"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/types"
)

var (
	_ kernel.Blueprint       = (*authZone)(nil)
	_ kernel.ImplicitDropper = (*authZone)(nil)
)

// authZone collects the proofs presented within a call frame.
//
// Methods:
//
//	push(proof)
//	drain() -> proofs
//	count() -> number of proofs
type authZone struct{}

func (*authZone) Name() string { return kernel.AuthZoneBlueprint }

func (*authZone) Call(api kernel.API, function string, receiver *types.NodeID, args types.Value) (types.Value, error) {
	self, err := requireReceiver(receiver)
	if err != nil {
		return types.Value{}, err
	}
	h, err := api.OpenSubstate(self, types.ModuleMain, stateKey, types.LockFlagsMutable)
	if err != nil {
		return types.Value{}, err
	}
	current, err := api.ReadSubstate(h)
	if err != nil {
		return types.Value{}, err
	}

	var output types.Value
	switch function {
	case "push":
		if len(args.Owned) == 0 {
			return types.Value{}, fmt.Errorf("%w: push takes proofs", ErrInvalidArgs)
		}
		for _, id := range args.Owned {
			if id.EntityType() != types.EntityTypeProof {
				return types.Value{}, fmt.Errorf("%w: %s is not a proof", ErrInvalidArgs, id)
			}
		}
		if err := api.WriteSubstate(h, current.WithOwned(args.Owned...)); err != nil {
			return types.Value{}, err
		}
	case "drain":
		if err := api.WriteSubstate(h, types.Value{}); err != nil {
			return types.Value{}, err
		}
		output = types.Value{}.WithOwned(current.Owned...)
	case "count":
		b, err := encode(uint32(len(current.Owned)))
		if err != nil {
			return types.Value{}, err
		}
		output = types.NewValue(b)
	default:
		return types.Value{}, unknownFunction(kernel.AuthZoneBlueprint, function)
	}
	return output, api.CloseSubstate(h)
}

func (*authZone) AllowsImplicitDrop(kernel.NodeSubstates) bool { return true }
