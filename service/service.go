// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/gorilla/rpc/v2"

	log "github.com/inconshreveable/log15"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/hashtree"
	"github.com/ava-labs/substratevm/statedb"
	"github.com/ava-labs/substratevm/types"
)

// Name is the name the service is registered under.
const Name = "substratevm"

var (
	errNoExecutor    = errors.New("service does not accept manifests")
	errEmptyManifest = errors.New("empty manifest")
)

// Service is the JSON-RPC API over the committed substate database.
type Service struct {
	db       *statedb.Database
	executor *executor.Executor
}

// New returns a service reading [db]. Manifests are rejected when
// [exec] is nil.
func New(db *statedb.Database, exec *executor.Executor) *Service {
	return &Service{db: db, executor: exec}
}

// NewHandler returns an HTTP handler serving [service].
func NewHandler(service *Service) (http.Handler, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	return server, server.RegisterService(service, Name)
}

// StateRootReply is the latest committed version and its state root.
type StateRootReply struct {
	Version   cjson.Uint64 `json:"version"`
	StateRoot types.Hash   `json:"stateRoot"`
}

// GetStateRoot returns the latest committed state root.
func (s *Service) GetStateRoot(_ *http.Request, _ *struct{}, reply *StateRootReply) error {
	reply.Version = cjson.Uint64(s.db.Version())
	reply.StateRoot = s.db.StateRoot()
	return nil
}

// SubstateArgs names one substate. Key is the hex encoded substate key.
type SubstateArgs struct {
	NodeID   types.NodeID   `json:"nodeID"`
	ModuleID types.ModuleID `json:"moduleID"`
	Key      string         `json:"key"`
}

func (a *SubstateArgs) substateID() (types.SubstateID, error) {
	b, err := formatting.Decode(formatting.Hex, a.Key)
	if err != nil {
		return types.SubstateID{}, fmt.Errorf("couldn't decode key: %w", err)
	}
	key, err := types.SubstateKeyFromBytes(b)
	if err != nil {
		return types.SubstateID{}, err
	}
	return types.NewSubstateID(a.NodeID, a.ModuleID, key), nil
}

// GetSubstateReply holds the hex encoded value of a substate.
type GetSubstateReply struct {
	Found   bool         `json:"found"`
	Value   string       `json:"value"`
	Version cjson.Uint64 `json:"version"`
}

// GetSubstate returns the committed value of a substate.
func (s *Service) GetSubstate(_ *http.Request, args *SubstateArgs, reply *GetSubstateReply) error {
	id, err := args.substateID()
	if err != nil {
		return err
	}
	substate, ok, err := s.db.GetSubstate(id)
	if err != nil || !ok {
		return err
	}
	value, err := formatting.Encode(formatting.Hex, substate.Value)
	if err != nil {
		return err
	}
	reply.Found = true
	reply.Value = value
	reply.Version = cjson.Uint64(substate.Version)
	return nil
}

// ModuleArgs names a module of a node.
type ModuleArgs struct {
	NodeID   types.NodeID   `json:"nodeID"`
	ModuleID types.ModuleID `json:"moduleID"`
}

// ModuleRootReply is the root of a module's nested tree.
type ModuleRootReply struct {
	Root types.Hash `json:"root"`
}

// GetModuleRoot returns the committed root of a module.
func (s *Service) GetModuleRoot(_ *http.Request, args *ModuleArgs, reply *ModuleRootReply) error {
	root, err := s.db.ModuleRoot(args.NodeID, args.ModuleID)
	if err != nil {
		return err
	}
	reply.Root = root
	return nil
}

// SubstateEntry is one listed substate with hex encoded key and value.
type SubstateEntry struct {
	Key     string       `json:"key"`
	Value   string       `json:"value"`
	Version cjson.Uint64 `json:"version"`
}

type ListSubstatesReply struct {
	Entries []SubstateEntry `json:"entries"`
	Root    types.Hash      `json:"root"`
}

// ListSubstates returns the substates of an iterable module in key order.
func (s *Service) ListSubstates(_ *http.Request, args *ModuleArgs, reply *ListSubstatesReply) error {
	entries, root, err := s.db.ListSubstates(args.NodeID, args.ModuleID)
	if err != nil {
		return err
	}
	reply.Entries = make([]SubstateEntry, 0, len(entries))
	for _, entry := range entries {
		key, err := formatting.Encode(formatting.Hex, entry.Key.Bytes())
		if err != nil {
			return err
		}
		value, err := formatting.Encode(formatting.Hex, entry.Value)
		if err != nil {
			return err
		}
		reply.Entries = append(reply.Entries, SubstateEntry{
			Key:     key,
			Value:   value,
			Version: cjson.Uint64(entry.Version),
		})
	}
	reply.Root = root
	return nil
}

// SubstateProofReply proves the hash of a substate, nil when absent,
// against StateRoot.
type SubstateProofReply struct {
	Hash      *types.Hash             `json:"hash"`
	Proof     *hashtree.SubstateProof `json:"proof"`
	StateRoot types.Hash              `json:"stateRoot"`
	Version   cjson.Uint64            `json:"version"`
}

// GetSubstateProof returns a proof for a substate at the latest version.
func (s *Service) GetSubstateProof(_ *http.Request, args *SubstateArgs, reply *SubstateProofReply) error {
	id, err := args.substateID()
	if err != nil {
		return err
	}
	proven, err := s.db.ProveSubstate(id)
	if err != nil {
		return err
	}
	reply.Hash = proven.Hash
	reply.Proof = proven.Proof
	reply.StateRoot = proven.StateRoot
	reply.Version = cjson.Uint64(proven.Version)
	return nil
}

// SubmitManifestArgs holds a hex encoded JSON manifest.
type SubmitManifestArgs struct {
	Manifest string `json:"manifest"`
}

// SubmitManifest executes a manifest and returns its receipt.
func (s *Service) SubmitManifest(_ *http.Request, args *SubmitManifestArgs, reply *executor.Receipt) error {
	if s.executor == nil {
		return errNoExecutor
	}
	b, err := formatting.Decode(formatting.Hex, args.Manifest)
	if err != nil {
		return fmt.Errorf("couldn't decode manifest: %w", err)
	}
	if len(b) == 0 {
		return errEmptyManifest
	}
	receipt, err := s.executor.Execute(b)
	if err != nil {
		log.Warn("failed to execute manifest", "error", err)
		return err
	}
	*reply = *receipt
	return nil
}
