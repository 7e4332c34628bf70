// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	committed    prometheus.Counter
	rejected     prometheus.Counter
	forceWrites  prometheus.Counter
	nodesCreated prometheus.Counter
	invocations  prometheus.Counter
	duration     prometheus.Histogram
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txs_committed",
			Help:      "Number of transactions committed",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txs_rejected",
			Help:      "Number of transactions rejected",
		}),
		forceWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "force_writes",
			Help:      "Number of forced substate writes committed by rejected transactions",
		}),
		nodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created",
			Help:      "Number of nodes created by executed transactions",
		}),
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations",
			Help:      "Number of blueprint invocations",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_duration_seconds",
			Help:      "Time spent executing and committing a transaction",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.committed),
		registerer.Register(m.rejected),
		registerer.Register(m.forceWrites),
		registerer.Register(m.nodesCreated),
		registerer.Register(m.invocations),
		registerer.Register(m.duration),
	)
	return m, errs.Err
}
