// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// network sets up substratevm endpoints for the e2e and load tests.
package network

import (
	"context"
	"errors"
	"net/http/httptest"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/prometheus/client_golang/prometheus"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/service"
	"github.com/ava-labs/substratevm/statedb"
)

var (
	_ StaticNetwork = (*existingNetwork)(nil)
	_ StaticNetwork = (*localNetwork)(nil)

	errNotCreated = errors.New("network not created")
)

// StaticNetwork supports a basic interface for setting up, interacting with,
// and destructing a set of endpoints sharing one substate database.
type StaticNetwork interface {
	CreateDefault(context.Context) error
	URIs(context.Context) ([]string, error)
	Teardown(context.Context) error
}

// existingNetwork assumes the endpoints are already running and does not
// require any startup/teardown.
type existingNetwork struct {
	uris []string
}

func NewExistingNetwork(uris []string) StaticNetwork {
	return &existingNetwork{
		uris: uris,
	}
}

func (e *existingNetwork) CreateDefault(context.Context) error    { return nil }
func (e *existingNetwork) URIs(context.Context) ([]string, error) { return e.uris, nil }
func (e *existingNetwork) Teardown(context.Context) error         { return nil }

// localNetwork serves [endpoints] in-process RPC endpoints over one
// in-memory substate database.
type localNetwork struct {
	endpoints int
	db        *statedb.Database
	servers   []*httptest.Server
}

func NewLocalNetwork(endpoints int) StaticNetwork {
	return &localNetwork{endpoints: endpoints}
}

func (l *localNetwork) CreateDefault(context.Context) error {
	db, err := statedb.New(memdb.New(), statedb.DefaultConfig(), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	exec, err := executor.New(db, executor.DefaultConfig(), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	handler, err := service.NewHandler(service.New(db, exec))
	if err != nil {
		return err
	}
	l.db = db
	for i := 0; i < l.endpoints; i++ {
		server := httptest.NewServer(handler)
		log.Info("started local endpoint", "uri", server.URL)
		l.servers = append(l.servers, server)
	}
	return nil
}

func (l *localNetwork) URIs(context.Context) ([]string, error) {
	if l.db == nil {
		return nil, errNotCreated
	}
	uris := make([]string, 0, len(l.servers))
	for _, server := range l.servers {
		uris = append(uris, server.URL)
	}
	return uris, nil
}

func (l *localNetwork) Teardown(context.Context) error {
	if l.db == nil {
		return errNotCreated
	}
	for _, server := range l.servers {
		server.Close()
	}
	return l.db.Close()
}
