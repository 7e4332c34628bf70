// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/rpc"

	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/service"
	"github.com/ava-labs/substratevm/statedb"
	"github.com/ava-labs/substratevm/types"
)

// Client defines substratevm client operations.
type Client interface {
	// GetStateRoot fetches the latest committed version and state root
	GetStateRoot(ctx context.Context) (uint64, types.Hash, error)

	// GetSubstate fetches the committed value of a substate
	GetSubstate(ctx context.Context, id types.SubstateID) ([]byte, bool, error)

	// ListSubstates fetches the substates of an iterable module
	ListSubstates(ctx context.Context, nodeID types.NodeID, moduleID types.ModuleID) ([]statedb.Entry, types.Hash, error)

	GetModuleRoot(ctx context.Context, nodeID types.NodeID, moduleID types.ModuleID) (types.Hash, error)

	// ProveSubstate fetches a substate hash with its proof
	ProveSubstate(ctx context.Context, id types.SubstateID) (statedb.ProvenSubstate, error)

	// SubmitManifest executes a JSON manifest
	SubmitManifest(ctx context.Context, manifest []byte) (*executor.Receipt, error)
}

// New creates a new client object.
func New(uri string) Client {
	req := rpc.NewEndpointRequester(uri)
	return &client{req: req}
}

type client struct {
	req rpc.EndpointRequester
}

func method(name string) string {
	return service.Name + "." + name
}

func substateArgs(id types.SubstateID) (*service.SubstateArgs, error) {
	key, err := formatting.Encode(formatting.Hex, id.Key.Bytes())
	if err != nil {
		return nil, err
	}
	return &service.SubstateArgs{NodeID: id.NodeID, ModuleID: id.ModuleID, Key: key}, nil
}

func (cli *client) GetStateRoot(ctx context.Context) (uint64, types.Hash, error) {
	resp := new(service.StateRootReply)
	err := cli.req.SendRequest(ctx, method("getStateRoot"), struct{}{}, resp)
	if err != nil {
		return 0, types.ZeroHash, err
	}
	return uint64(resp.Version), resp.StateRoot, nil
}

func (cli *client) GetSubstate(ctx context.Context, id types.SubstateID) ([]byte, bool, error) {
	args, err := substateArgs(id)
	if err != nil {
		return nil, false, err
	}
	resp := new(service.GetSubstateReply)
	if err := cli.req.SendRequest(ctx, method("getSubstate"), args, resp); err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	value, err := formatting.Decode(formatting.Hex, resp.Value)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (cli *client) ListSubstates(ctx context.Context, nodeID types.NodeID, moduleID types.ModuleID) ([]statedb.Entry, types.Hash, error) {
	resp := new(service.ListSubstatesReply)
	err := cli.req.SendRequest(ctx,
		method("listSubstates"),
		&service.ModuleArgs{NodeID: nodeID, ModuleID: moduleID},
		resp,
	)
	if err != nil {
		return nil, types.ZeroHash, err
	}
	entries := make([]statedb.Entry, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		keyBytes, err := formatting.Decode(formatting.Hex, entry.Key)
		if err != nil {
			return nil, types.ZeroHash, err
		}
		key, err := types.SubstateKeyFromBytes(keyBytes)
		if err != nil {
			return nil, types.ZeroHash, fmt.Errorf("bad key in reply: %w", err)
		}
		value, err := formatting.Decode(formatting.Hex, entry.Value)
		if err != nil {
			return nil, types.ZeroHash, err
		}
		entries = append(entries, statedb.Entry{Key: key, Value: value, Version: uint64(entry.Version)})
	}
	return entries, resp.Root, nil
}

func (cli *client) GetModuleRoot(ctx context.Context, nodeID types.NodeID, moduleID types.ModuleID) (types.Hash, error) {
	resp := new(service.ModuleRootReply)
	err := cli.req.SendRequest(ctx,
		method("getModuleRoot"),
		&service.ModuleArgs{NodeID: nodeID, ModuleID: moduleID},
		resp,
	)
	return resp.Root, err
}

func (cli *client) ProveSubstate(ctx context.Context, id types.SubstateID) (statedb.ProvenSubstate, error) {
	args, err := substateArgs(id)
	if err != nil {
		return statedb.ProvenSubstate{}, err
	}
	resp := new(service.SubstateProofReply)
	if err := cli.req.SendRequest(ctx, method("getSubstateProof"), args, resp); err != nil {
		return statedb.ProvenSubstate{}, err
	}
	return statedb.ProvenSubstate{
		Version:   uint64(resp.Version),
		StateRoot: resp.StateRoot,
		Hash:      resp.Hash,
		Proof:     resp.Proof,
	}, nil
}

func (cli *client) SubmitManifest(ctx context.Context, manifest []byte) (*executor.Receipt, error) {
	bytes, err := formatting.Encode(formatting.Hex, manifest)
	if err != nil {
		return nil, err
	}
	resp := new(executor.Receipt)
	err = cli.req.SendRequest(ctx,
		method("submitManifest"),
		&service.SubmitManifestArgs{Manifest: bytes},
		resp,
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
