// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package native

import (
	"fmt"

	"github.com/holiman/uint256"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/types"
)

var (
	_ kernel.Blueprint       = (*resourceManager)(nil)
	_ kernel.Blueprint       = (*bucket)(nil)
	_ kernel.ImplicitDropper = (*bucket)(nil)
	_ kernel.Blueprint       = (*proof)(nil)
	_ kernel.ImplicitDropper = (*proof)(nil)
)

// resourceManager defines a fungible resource and tracks its supply.
//
// Functions:
//
//	create(symbol, amount) -> bucket of the initial supply, ref to the manager
//
// Methods:
//
//	mint(amount) -> bucket
//	burn(bucket)
//	total_supply() -> amount
type resourceManager struct{}

func (*resourceManager) Name() string { return ResourceManagerBlueprint }

func (r *resourceManager) Call(api kernel.API, function string, receiver *types.NodeID, args types.Value) (types.Value, error) {
	callArgs, err := decodeArgs(args.Data)
	if err != nil {
		return types.Value{}, err
	}
	if function == "create" {
		return r.create(api, callArgs)
	}

	self, err := requireReceiver(receiver)
	if err != nil {
		return types.Value{}, err
	}
	switch function {
	case "mint":
		return r.mint(api, self, callArgs.amount())
	case "burn":
		return types.Value{}, r.burn(api, self, args)
	case "total_supply":
		state, h, err := openManager(api, self, types.LockFlagsReadOnly)
		if err != nil {
			return types.Value{}, err
		}
		if err := api.CloseSubstate(h); err != nil {
			return types.Value{}, err
		}
		return amountOutput(new(uint256.Int).SetBytes32(state.TotalSupply[:]))
	default:
		return types.Value{}, unknownFunction(ResourceManagerBlueprint, function)
	}
}

func (*resourceManager) create(api kernel.API, args CallArgs) (types.Value, error) {
	supply := args.amount()
	managerID, err := globalAddress(api, args, types.EntityTypeGlobalResourceManager)
	if err != nil {
		return types.Value{}, err
	}
	b, err := encode(&ResourceManagerState{
		Symbol:      args.Symbol,
		TotalSupply: supply.Bytes32(),
	})
	if err != nil {
		return types.Value{}, err
	}
	substates, err := typeInfoSubstates(ResourceManagerBlueprint, types.NewValue(b))
	if err != nil {
		return types.Value{}, err
	}
	if err := api.CreateNode(managerID, substates); err != nil {
		return types.Value{}, err
	}
	modules, err := standardModules(map[string]string{"symbol": args.Symbol})
	if err != nil {
		return types.Value{}, err
	}
	if err := api.Globalize(managerID, modules); err != nil {
		return types.Value{}, err
	}

	bucketID, err := newAmountNode(api, types.EntityTypeBucket, BucketBlueprint, managerID, supply)
	if err != nil {
		return types.Value{}, err
	}
	log.Debug("created resource", "resource", managerID, "symbol", args.Symbol, "supply", supply)
	return types.Value{}.WithOwned(bucketID).WithReferences(managerID), nil
}

func openManager(api kernel.API, managerID types.NodeID, flags types.LockFlags) (ResourceManagerState, kernel.LockHandle, error) {
	state := ResourceManagerState{}
	h, err := api.OpenSubstate(managerID, types.ModuleMain, stateKey, flags)
	if err != nil {
		return state, 0, err
	}
	v, err := api.ReadSubstate(h)
	if err != nil {
		return state, 0, err
	}
	return state, h, decode(v.Data, &state)
}

func (*resourceManager) mint(api kernel.API, self types.NodeID, amount *uint256.Int) (types.Value, error) {
	state, h, err := openManager(api, self, types.LockFlagsMutable)
	if err != nil {
		return types.Value{}, err
	}
	supply, overflow := new(uint256.Int).AddOverflow(new(uint256.Int).SetBytes32(state.TotalSupply[:]), amount)
	if overflow {
		return types.Value{}, fmt.Errorf("%w: minting %s %s", ErrSupplyOverflow, amount, state.Symbol)
	}
	state.TotalSupply = supply.Bytes32()
	b, err := encode(&state)
	if err != nil {
		return types.Value{}, err
	}
	if err := api.WriteSubstate(h, types.NewValue(b)); err != nil {
		return types.Value{}, err
	}
	if err := api.CloseSubstate(h); err != nil {
		return types.Value{}, err
	}
	bucketID, err := newAmountNode(api, types.EntityTypeBucket, BucketBlueprint, self, amount)
	if err != nil {
		return types.Value{}, err
	}
	return types.Value{}.WithOwned(bucketID), nil
}

func (*resourceManager) burn(api kernel.API, self types.NodeID, args types.Value) error {
	if len(args.Owned) != 1 {
		return fmt.Errorf("%w: burn takes one bucket", ErrInvalidArgs)
	}
	substates, err := api.DropNode(args.Owned[0])
	if err != nil {
		return err
	}
	amount, resource, err := amountSubstate(substates)
	if err != nil {
		return err
	}
	if resource != self {
		return fmt.Errorf("%w: burning %s with %s", ErrResourceMismatch, resource, self)
	}

	state, h, err := openManager(api, self, types.LockFlagsMutable)
	if err != nil {
		return err
	}
	supply, underflow := new(uint256.Int).SubOverflow(new(uint256.Int).SetBytes32(state.TotalSupply[:]), amount)
	if underflow {
		return fmt.Errorf("%w: burning %s %s", ErrInsufficientBalance, amount, state.Symbol)
	}
	state.TotalSupply = supply.Bytes32()
	b, err := encode(&state)
	if err != nil {
		return err
	}
	if err := api.WriteSubstate(h, types.NewValue(b)); err != nil {
		return err
	}
	return api.CloseSubstate(h)
}

// bucket holds an amount of a resource in transit.
//
// Methods:
//
//	amount() -> amount
//	take(amount) -> bucket
//	put(bucket)
//	create_proof() -> proof
type bucket struct{}

func (*bucket) Name() string { return BucketBlueprint }

func (*bucket) Call(api kernel.API, function string, receiver *types.NodeID, args types.Value) (types.Value, error) {
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
	case "create_proof":
		node, err := openAmount(api, self, types.LockFlagsReadOnly)
		if err != nil {
			return types.Value{}, err
		}
		if err := api.CloseSubstate(node.handle); err != nil {
			return types.Value{}, err
		}
		proofID, err := newAmountNode(api, types.EntityTypeProof, ProofBlueprint, node.resource, node.amount)
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{}.WithOwned(proofID), nil
	default:
		return types.Value{}, unknownFunction(BucketBlueprint, function)
	}
}

// AllowsImplicitDrop lets empty buckets vanish.
func (*bucket) AllowsImplicitDrop(substates kernel.NodeSubstates) bool {
	amount, _, err := amountSubstate(substates)
	return err == nil && amount.IsZero()
}

// proof attests that its creator held an amount of a resource.
type proof struct{}

func (*proof) Name() string { return ProofBlueprint }

func (*proof) Call(api kernel.API, function string, receiver *types.NodeID, _ types.Value) (types.Value, error) {
	self, err := requireReceiver(receiver)
	if err != nil {
		return types.Value{}, err
	}
	if function != "amount" {
		return types.Value{}, unknownFunction(ProofBlueprint, function)
	}
	return readAmount(api, self)
}

func (*proof) AllowsImplicitDrop(kernel.NodeSubstates) bool { return true }

// readAmount returns the amount held by [self].
func readAmount(api kernel.API, self types.NodeID) (types.Value, error) {
	node, err := openAmount(api, self, types.LockFlagsReadOnly)
	if err != nil {
		return types.Value{}, err
	}
	if err := api.CloseSubstate(node.handle); err != nil {
		return types.Value{}, err
	}
	return amountOutput(node.amount)
}

// takeAmount moves [amount] out of [self] into a new bucket.
func takeAmount(api kernel.API, self types.NodeID, amount *uint256.Int) (types.Value, error) {
	node, err := openAmount(api, self, types.LockFlagsMutable)
	if err != nil {
		return types.Value{}, err
	}
	if node.amount.Lt(amount) {
		return types.Value{}, fmt.Errorf("%w: %s < %s", ErrInsufficientBalance, node.amount, amount)
	}
	node.amount.Sub(node.amount, amount)
	if err := node.write(api); err != nil {
		return types.Value{}, err
	}
	if err := api.CloseSubstate(node.handle); err != nil {
		return types.Value{}, err
	}
	bucketID, err := newAmountNode(api, types.EntityTypeBucket, BucketBlueprint, node.resource, amount)
	if err != nil {
		return types.Value{}, err
	}
	return types.Value{}.WithOwned(bucketID), nil
}

// putBucket drops the bucket owned by [args] and adds its amount to [self].
func putBucket(api kernel.API, self types.NodeID, args types.Value) error {
	if len(args.Owned) != 1 {
		return fmt.Errorf("%w: put takes one bucket", ErrInvalidArgs)
	}
	substates, err := api.DropNode(args.Owned[0])
	if err != nil {
		return err
	}
	amount, resource, err := amountSubstate(substates)
	if err != nil {
		return err
	}

	node, err := openAmount(api, self, types.LockFlagsMutable)
	if err != nil {
		return err
	}
	if node.resource != resource {
		return fmt.Errorf("%w: %s into %s", ErrResourceMismatch, resource, node.resource)
	}
	sum, overflow := new(uint256.Int).AddOverflow(node.amount, amount)
	if overflow {
		return fmt.Errorf("%w: %s + %s", ErrSupplyOverflow, node.amount, amount)
	}
	node.amount = sum
	if err := node.write(api); err != nil {
		return err
	}
	return api.CloseSubstate(node.handle)
}
