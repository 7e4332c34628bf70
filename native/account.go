// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package native

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/types"
)

var _ kernel.Blueprint = (*account)(nil)

// account is a global component keeping one vault per resource. The vault
// of a resource is owned by the main module entry keyed by the resource.
//
// Functions:
//
//	create(symbol) -> ref to the account
//
// Methods:
//
//	deposit(bucket)
//	withdraw(ref resource, amount) -> bucket
//	balance(ref resource) -> amount
//	lock_fee(ref resource, amount)
type account struct{}

func (*account) Name() string { return AccountBlueprint }

func (a *account) Call(api kernel.API, function string, receiver *types.NodeID, args types.Value) (types.Value, error) {
	if function == "create" {
		return a.create(api, args)
	}

	self, err := requireReceiver(receiver)
	if err != nil {
		return types.Value{}, err
	}
	switch function {
	case "deposit":
		return types.Value{}, a.deposit(api, self, args)
	case "withdraw", "balance", "lock_fee":
		if len(args.References) != 1 {
			return types.Value{}, fmt.Errorf("%w: %s takes a resource", ErrInvalidArgs, function)
		}
		return a.withVault(api, self, args.References[0], function, args)
	default:
		return types.Value{}, unknownFunction(AccountBlueprint, function)
	}
}

func (*account) create(api kernel.API, args types.Value) (types.Value, error) {
	callArgs, err := decodeArgs(args.Data)
	if err != nil {
		return types.Value{}, err
	}
	accountID, err := globalAddress(api, callArgs, types.EntityTypeGlobalAccount)
	if err != nil {
		return types.Value{}, err
	}
	typeInfo, err := types.ObjectTypeInfo(AccountBlueprint).Value()
	if err != nil {
		return types.Value{}, err
	}
	substates := kernel.NodeSubstates{}
	substates.Set(types.ModuleTypeInfo, types.TypeInfoKey, typeInfo)
	if err := api.CreateNode(accountID, substates); err != nil {
		return types.Value{}, err
	}

	metadata := map[string]string{}
	if callArgs.Symbol != "" {
		metadata["name"] = callArgs.Symbol
	}
	modules, err := standardModules(metadata)
	if err != nil {
		return types.Value{}, err
	}
	if err := api.Globalize(accountID, modules); err != nil {
		return types.Value{}, err
	}
	return types.Value{}.WithReferences(accountID), nil
}

func vaultKey(resource types.NodeID) (types.SubstateKey, error) {
	return types.MapKey(resource.Bytes())
}

func (*account) deposit(api kernel.API, self types.NodeID, args types.Value) error {
	if len(args.Owned) != 1 {
		return fmt.Errorf("%w: deposit takes one bucket", ErrInvalidArgs)
	}
	bucketID := args.Owned[0]
	node, err := openAmount(api, bucketID, types.LockFlagsReadOnly)
	if err != nil {
		return err
	}
	if err := api.CloseSubstate(node.handle); err != nil {
		return err
	}

	key, err := vaultKey(node.resource)
	if err != nil {
		return err
	}
	h, err := api.OpenSubstate(self, types.ModuleMain, key, types.LockFlagsMutable|types.LockFlagsCreateOnMiss)
	if err != nil {
		return err
	}
	entry, err := api.ReadSubstate(h)
	if err != nil {
		return err
	}
	if len(entry.Owned) == 0 {
		created, err := api.Invoke(kernel.Invocation{
			Blueprint: VaultBlueprint,
			Function:  "create",
			Args:      types.Value{}.WithReferences(node.resource),
		})
		if err != nil {
			return err
		}
		entry = types.Value{}.WithOwned(created.Owned...)
		if err := api.WriteSubstate(h, entry); err != nil {
			return err
		}
	}
	vaultID := entry.Owned[0]
	if _, err := api.Invoke(kernel.Invocation{
		Function: "put",
		Receiver: &vaultID,
		Args:     types.Value{}.WithOwned(bucketID),
	}); err != nil {
		return err
	}
	return api.CloseSubstate(h)
}

// withVault forwards [function] to the vault of [resource].
func (*account) withVault(api kernel.API, self types.NodeID, resource types.NodeID, function string, args types.Value) (types.Value, error) {
	key, err := vaultKey(resource)
	if err != nil {
		return types.Value{}, err
	}
	h, err := api.OpenSubstate(self, types.ModuleMain, key, types.LockFlagsReadOnly|types.LockFlagsCreateOnMiss)
	if err != nil {
		return types.Value{}, err
	}
	entry, err := api.ReadSubstate(h)
	if err != nil {
		return types.Value{}, err
	}
	if len(entry.Owned) == 0 {
		if err := api.CloseSubstate(h); err != nil {
			return types.Value{}, err
		}
		if function == "balance" {
			return amountOutput(new(uint256.Int))
		}
		return types.Value{}, fmt.Errorf("%w: %s", ErrNoVault, resource)
	}

	vaultID := entry.Owned[0]
	output, err := api.Invoke(kernel.Invocation{
		Function: vaultFunction(function),
		Receiver: &vaultID,
		Args:     types.NewValue(args.Data),
	})
	if err != nil {
		return types.Value{}, err
	}
	return output, api.CloseSubstate(h)
}

func vaultFunction(function string) string {
	switch function {
	case "withdraw":
		return "take"
	case "balance":
		return "amount"
	default:
		return function
	}
}
