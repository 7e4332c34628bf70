// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package native implements the built-in blueprints: resource managers,
// buckets, proofs, vaults, accounts and the auth zone.
package native

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/types"
)

const (
	ResourceManagerBlueprint = "ResourceManager"
	BucketBlueprint          = "Bucket"
	ProofBlueprint           = "Proof"
	VaultBlueprint           = "Vault"
	AccountBlueprint         = "Account"
)

var (
	ErrUnknownFunction     = errors.New("unknown function")
	ErrMissingReceiver     = errors.New("method called without receiver")
	ErrInvalidArgs         = errors.New("invalid arguments")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrResourceMismatch    = errors.New("resource mismatch")
	ErrSupplyOverflow      = errors.New("total supply overflow")
	ErrNoVault             = errors.New("account holds no vault for resource")

	stateKey  = types.FieldKey(0)
	symbolKey = mustMapKey("symbol")
)

func mustMapKey(key string) types.SubstateKey {
	k, err := types.MapKey([]byte(key))
	if err != nil {
		panic(err)
	}
	return k
}

// Register adds every native blueprint to [registry].
func Register(registry *kernel.Registry) error {
	return registry.Register(
		&resourceManager{},
		&bucket{},
		&proof{},
		&vault{},
		&account{},
		&authZone{},
	)
}

// CallArgs is the argument payload of every native function. Address, when
// set, is a pre-allocated address for the global node a create function
// makes.
type CallArgs struct {
	Symbol  string       `serialize:"true" json:"symbol"`
	Amount  [32]byte     `serialize:"true" json:"amount"`
	Address types.NodeID `serialize:"true" json:"address"`
}

// NewCallArgs returns the encoded arguments for [symbol] and [amount].
func NewCallArgs(symbol string, amount *uint256.Int) ([]byte, error) {
	return NewCreateArgs(symbol, amount, types.EmptyNodeID)
}

// NewCreateArgs returns the encoded arguments of a create function that
// places the new global node at [address].
func NewCreateArgs(symbol string, amount *uint256.Int, address types.NodeID) ([]byte, error) {
	args := CallArgs{Symbol: symbol, Address: address}
	if amount != nil {
		args.Amount = amount.Bytes32()
	}
	return encode(&args)
}

// globalAddress returns the reserved address in [args], or allocates a new
// one of [entity].
func globalAddress(api kernel.API, args CallArgs, entity types.EntityType) (types.NodeID, error) {
	if args.Address == types.EmptyNodeID {
		return api.AllocateNodeID(entity)
	}
	if args.Address.EntityType() != entity {
		return types.EmptyNodeID, fmt.Errorf("%w: address %s is not a %s", ErrInvalidArgs, args.Address, entity)
	}
	return args.Address, nil
}

// AmountArgs returns a value carrying only [amount].
func AmountArgs(amount *uint256.Int) (types.Value, error) {
	b, err := NewCallArgs("", amount)
	if err != nil {
		return types.Value{}, err
	}
	return types.NewValue(b), nil
}

func decodeArgs(b []byte) (CallArgs, error) {
	args := CallArgs{}
	if len(b) == 0 {
		return args, nil
	}
	if err := decode(b, &args); err != nil {
		return CallArgs{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return args, nil
}

func (a CallArgs) amount() *uint256.Int {
	return new(uint256.Int).SetBytes32(a.Amount[:])
}

// AmountState is the state of buckets, proofs and vaults. The resource is
// the first reference of the substate value.
type AmountState struct {
	Amount [32]byte `serialize:"true" json:"amount"`
}

// ResourceManagerState is the state of a resource manager.
type ResourceManagerState struct {
	Symbol      string   `serialize:"true" json:"symbol"`
	TotalSupply [32]byte `serialize:"true" json:"totalSupply"`
}

func encode(v interface{}) ([]byte, error) {
	return types.Codec.Marshal(types.CodecVersion, v)
}

func decode(b []byte, v interface{}) error {
	version, err := types.Codec.Unmarshal(b, v)
	if err != nil {
		return err
	}
	if version != types.CodecVersion {
		return types.ErrWrongCodecVersion
	}
	return nil
}

// DecodeAmount reads the amount carried by an output value.
func DecodeAmount(v types.Value) (*uint256.Int, error) {
	state := AmountState{}
	if err := decode(v.Data, &state); err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(state.Amount[:]), nil
}

func amountValue(amount *uint256.Int, refs ...types.NodeID) (types.Value, error) {
	b, err := encode(&AmountState{Amount: amount.Bytes32()})
	if err != nil {
		return types.Value{}, err
	}
	return types.NewValue(b).WithReferences(refs...), nil
}

func typeInfoSubstates(blueprint string, state types.Value) (kernel.NodeSubstates, error) {
	typeInfo, err := types.ObjectTypeInfo(blueprint).Value()
	if err != nil {
		return nil, err
	}
	substates := kernel.NodeSubstates{}
	substates.Set(types.ModuleTypeInfo, types.TypeInfoKey, typeInfo)
	substates.Set(types.ModuleMain, stateKey, state)
	return substates, nil
}

// standardModules returns the modules attached on globalization, with
// [metadata] as map entries of the metadata module.
func standardModules(metadata map[string]string) (kernel.NodeSubstates, error) {
	modules := kernel.NodeSubstates{}
	for _, moduleID := range types.StandardModules {
		modules[moduleID] = map[types.SubstateKey]types.Value{}
	}
	for k, v := range metadata {
		key, err := types.MapKey([]byte(k))
		if err != nil {
			return nil, err
		}
		modules.Set(types.ModuleMetadata, key, types.NewValue([]byte(v)))
	}
	return modules, nil
}

// amountNode is an opened bucket, proof or vault.
type amountNode struct {
	handle   kernel.LockHandle
	amount   *uint256.Int
	resource types.NodeID
}

func openAmount(api kernel.API, nodeID types.NodeID, flags types.LockFlags) (*amountNode, error) {
	h, err := api.OpenSubstate(nodeID, types.ModuleMain, stateKey, flags)
	if err != nil {
		return nil, err
	}
	v, err := api.ReadSubstate(h)
	if err != nil {
		return nil, err
	}
	if len(v.References) != 1 {
		return nil, fmt.Errorf("%w: %s has no resource", ErrInvalidArgs, nodeID)
	}
	amount, err := DecodeAmount(v)
	if err != nil {
		return nil, err
	}
	return &amountNode{handle: h, amount: amount, resource: v.References[0]}, nil
}

func (n *amountNode) write(api kernel.API) error {
	v, err := amountValue(n.amount, n.resource)
	if err != nil {
		return err
	}
	return api.WriteSubstate(n.handle, v)
}

// newAmountNode creates a bucket, proof or vault holding [amount] of
// [resource] owned by the active frame.
func newAmountNode(api kernel.API, entity types.EntityType, blueprint string, resource types.NodeID, amount *uint256.Int) (types.NodeID, error) {
	id, err := api.AllocateNodeID(entity)
	if err != nil {
		return types.EmptyNodeID, err
	}
	state, err := amountValue(amount, resource)
	if err != nil {
		return types.EmptyNodeID, err
	}
	substates, err := typeInfoSubstates(blueprint, state)
	if err != nil {
		return types.EmptyNodeID, err
	}
	return id, api.CreateNode(id, substates)
}

func amountOutput(amount *uint256.Int) (types.Value, error) {
	return amountValue(amount)
}

func requireReceiver(receiver *types.NodeID) (types.NodeID, error) {
	if receiver == nil {
		return types.EmptyNodeID, ErrMissingReceiver
	}
	return *receiver, nil
}

func unknownFunction(blueprint string, function string) error {
	return fmt.Errorf("%w: %s.%s", ErrUnknownFunction, blueprint, function)
}

// amountSubstate decodes the amount of a dropped node.
func amountSubstate(substates kernel.NodeSubstates) (*uint256.Int, types.NodeID, error) {
	v, ok := substates.Get(types.ModuleMain, stateKey)
	if !ok || len(v.References) != 1 {
		return nil, types.EmptyNodeID, ErrInvalidArgs
	}
	amount, err := DecodeAmount(v)
	if err != nil {
		return nil, types.EmptyNodeID, err
	}
	return amount, v.References[0], nil
}
