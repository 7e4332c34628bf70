// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor runs transaction manifests against the substate
// database. Each transaction gets its own track, id allocator and kernel.
// Its changes are committed as one version when every instruction and the
// final teardown succeed, and discarded otherwise.
package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/prometheus/client_golang/prometheus"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/idalloc"
	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/native"
	"github.com/ava-labs/substratevm/statedb"
	"github.com/ava-labs/substratevm/track"
	"github.com/ava-labs/substratevm/types"
)

const metricsNamespace = "executor"

type Config struct {
	Kernel kernel.Config
	// CommitForceWrites commits the forced writes of rejected
	// transactions.
	CommitForceWrites bool
}

func DefaultConfig() Config {
	return Config{Kernel: kernel.DefaultConfig()}
}

// Executor serializes transactions over one substate database.
type Executor struct {
	lock     sync.Mutex
	db       statedb.SubstateDatabase
	registry *kernel.Registry
	config   Config
	metrics  *metrics
}

// New returns an executor with the native blueprints and [blueprints]
// registered.
func New(db statedb.SubstateDatabase, config Config, registerer prometheus.Registerer, blueprints ...kernel.Blueprint) (*Executor, error) {
	registry := kernel.NewRegistry()
	if err := native.Register(registry); err != nil {
		return nil, err
	}
	if err := registry.Register(blueprints...); err != nil {
		return nil, err
	}
	m, err := newMetrics(metricsNamespace, registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register executor metrics: %w", err)
	}
	return &Executor{
		db:       db,
		registry: registry,
		config:   config,
		metrics:  m,
	}, nil
}

// Execute parses and runs a JSON manifest. The transaction id is the hash
// of the manifest bytes.
func (e *Executor) Execute(manifestBytes []byte) (*Receipt, error) {
	m, err := ParseManifest(manifestBytes)
	if err != nil {
		return nil, err
	}
	return e.ExecuteManifest(hashing.ComputeHash256Array(manifestBytes), m)
}

// ExecuteManifest runs [m] as transaction [txID]. A transaction that fails
// is reported by the receipt; the returned error is only set when the
// database could not be updated.
func (e *Executor) ExecuteManifest(txID ids.ID, m *Manifest) (*Receipt, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	t := track.New(e.db)
	k, err := kernel.New(t, idalloc.New(txID), e.registry, e.config.Kernel)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{TxID: txID}
	outputs, runErr := run(k, m)
	receipt.Outputs = outputs
	if runErr == nil {
		runErr = k.Teardown()
	}
	var changes types.StateChanges
	if runErr == nil {
		changes, runErr = t.Finalize()
	}
	receipt.Stats = k.Stats()

	if runErr != nil {
		receipt.Status = StatusRejected
		receipt.Error = newReceiptError(runErr)
		changes = nil
		if e.config.CommitForceWrites {
			changes = t.ForceWriteChanges()
		}
		receipt.ForceWrites = len(changes)
	} else {
		receipt.Status = StatusCommitted
	}

	if receipt.Committed() || len(changes) > 0 {
		result, err := e.db.Commit(changes)
		if err != nil {
			return nil, fmt.Errorf("failed to commit %s: %w", txID, err)
		}
		receipt.Upserts = result.Upserts
		receipt.Deletes = result.Deletes
	}
	receipt.Version = e.db.Version()
	receipt.StateRoot = e.db.StateRoot()

	e.observe(receipt, time.Since(start))
	return receipt, nil
}

func run(k *kernel.Kernel, m *Manifest) ([]types.Value, error) {
	for _, id := range m.DirectAccess {
		if err := k.GrantDirectAccess(id); err != nil {
			return nil, err
		}
	}
	var (
		outputs = make([]types.Value, 0, len(m.Instructions))
		bound   = bindings{}
	)
	for i, reservation := range m.Reserve {
		entity, err := types.ParseEntityType(reservation.Entity)
		if err != nil {
			return nil, fmt.Errorf("reservation %d: %w", i, err)
		}
		id, err := k.PreAllocateNodeID(entity)
		if err != nil {
			return nil, err
		}
		bound[reservation.Bind] = types.Value{References: []types.NodeID{id}}
	}
	for i, instruction := range m.Instructions {
		invocation, err := bound.invocation(instruction)
		if err != nil {
			return outputs, fmt.Errorf("instruction %d: %w", i, err)
		}
		output, err := k.Invoke(invocation)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, output)
		if instruction.Bind != "" {
			bound[instruction.Bind] = output
		}
	}
	return outputs, nil
}

func (e *Executor) observe(receipt *Receipt, duration time.Duration) {
	if receipt.Committed() {
		e.metrics.committed.Inc()
		log.Info("committed transaction",
			"txID", receipt.TxID,
			"version", receipt.Version,
			"stateRoot", receipt.StateRoot,
			"upserts", receipt.Upserts,
			"deletes", receipt.Deletes,
		)
	} else {
		e.metrics.rejected.Inc()
		e.metrics.forceWrites.Add(float64(receipt.ForceWrites))
		log.Info("rejected transaction",
			"txID", receipt.TxID,
			"code", receipt.Error.Code,
			"error", receipt.Error.Message,
		)
	}
	e.metrics.nodesCreated.Add(float64(receipt.Stats.NodesCreated))
	e.metrics.invocations.Add(float64(receipt.Stats.Invocations))
	e.metrics.duration.Observe(duration.Seconds())
}
