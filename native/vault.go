// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package native

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/types"
)

var _ kernel.Blueprint = (*vault)(nil)

// vault stores an amount of one resource inside its owner.
//
// Functions:
//
//	create(ref resource) -> vault
//
// Methods:
//
//	amount() -> amount
//	take(amount) -> bucket
//	put(bucket)
//	lock_fee(amount)
type vault struct{}

func (*vault) Name() string { return VaultBlueprint }

func (*vault) Call(api kernel.API, function string, receiver *types.NodeID, args types.Value) (types.Value, error) {
	if function == "create" {
		if len(args.References) != 1 {
			return types.Value{}, fmt.Errorf("%w: create takes a resource", ErrInvalidArgs)
		}
		vaultID, err := newAmountNode(api, types.EntityTypeInternalVault, VaultBlueprint, args.References[0], new(uint256.Int))
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{}.WithOwned(vaultID), nil
	}

	self, err := requireReceiver(receiver)
	if err != nil {
		return types.Value{}, err
	}
	switch function {
	case "amount":
		return readAmount(api, self)
	case "take":
		callArgs, err := decodeArgs(args.Data)
		if err != nil {
			return types.Value{}, err
		}
		return takeAmount(api, self, callArgs.amount())
	case "put":
		return types.Value{}, putBucket(api, self, args)
	case "lock_fee":
		callArgs, err := decodeArgs(args.Data)
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{}, lockFee(api, self, callArgs.amount())
	default:
		return types.Value{}, unknownFunction(VaultBlueprint, function)
	}
}

// lockFee deducts [amount] from [self] under a force-write lock, so the
// payment survives a transaction that later fails.
func lockFee(api kernel.API, self types.NodeID, amount *uint256.Int) error {
	node, err := openAmount(api, self, types.LockFlagsMutable|types.LockFlagsForceWrite)
	if err != nil {
		return err
	}
	if node.amount.Lt(amount) {
		return fmt.Errorf("%w: fee %s exceeds %s", ErrInsufficientBalance, amount, node.amount)
	}
	node.amount.Sub(node.amount, amount)
	if err := node.write(api); err != nil {
		return err
	}
	return api.CloseSubstate(node.handle)
}
