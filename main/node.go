// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"os"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/leveldb"
	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/config"
	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/statedb"
)

// node wires the database, the executor and their metrics.
type node struct {
	base     database.Database
	db       *statedb.Database
	executor *executor.Executor
	registry *prometheus.Registry
}

func setupLogging(c config.Config) {
	log.Root().SetHandler(log.LvlFilterHandler(
		c.LogLevel,
		log.StreamHandler(os.Stderr, log.TerminalFormat()),
	))
}

func openNode(c config.Config) (*node, error) {
	registry := prometheus.NewRegistry()

	var (
		base database.Database
		err  error
	)
	switch c.DBType {
	case config.LevelDB:
		base, err = leveldb.New(c.DBDir, nil, logging.NoLog{}, "leveldb", registry)
		if err != nil {
			return nil, err
		}
	default:
		base = memdb.New()
	}

	db, err := statedb.New(base, c.StateDBConfig(), registry)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	exec, err := executor.New(db, c.ExecutorConfig(), registry)
	if err != nil {
		_ = db.Close()
		_ = base.Close()
		return nil, err
	}
	log.Info("opened substate database",
		"dbType", c.DBType,
		"version", db.Version(),
		"stateRoot", db.StateRoot(),
	)
	return &node{
		base:     base,
		db:       db,
		executor: exec,
		registry: registry,
	}, nil
}

func (n *node) Close() error {
	errs := wrappers.Errs{}
	errs.Add(
		n.db.Close(),
		n.base.Close(),
	)
	return errs.Err
}
