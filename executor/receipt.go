// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"errors"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/types"
)

type Status string

const (
	StatusCommitted Status = "Committed"
	StatusRejected  Status = "Rejected"

	manifestErrorKind = "ManifestError"
)

// Receipt reports the outcome of one transaction.
type Receipt struct {
	TxID    ids.ID        `json:"txID"`
	Status  Status        `json:"status"`
	Outputs []types.Value `json:"outputs"`
	Error   *ReceiptError `json:"error,omitempty"`

	// Version and StateRoot describe the state after the transaction. A
	// rejected transaction leaves them unchanged unless forced writes were
	// committed.
	Version     uint64     `json:"version"`
	StateRoot   types.Hash `json:"stateRoot"`
	Upserts     int        `json:"upserts"`
	Deletes     int        `json:"deletes"`
	ForceWrites int        `json:"forceWrites"`

	Stats kernel.Stats `json:"stats"`
}

// Committed reports whether the transaction's state changes were applied.
func (r *Receipt) Committed() bool { return r.Status == StatusCommitted }

// ReceiptError describes why a transaction was rejected.
type ReceiptError struct {
	Kind    string        `json:"kind"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	NodeID  *types.NodeID `json:"nodeID,omitempty"`
}

func newReceiptError(err error) *ReceiptError {
	var runtimeErr *kernel.RuntimeError
	if !errors.As(err, &runtimeErr) {
		return &ReceiptError{
			Kind:    manifestErrorKind,
			Code:    manifestErrorKind,
			Message: err.Error(),
		}
	}
	receiptErr := &ReceiptError{
		Kind:    runtimeErr.Kind.String(),
		Code:    runtimeErr.Code(),
		Message: runtimeErr.Err.Error(),
	}
	if nodeID, ok := runtimeErr.NodeID(); ok {
		receiptErr.NodeID = &nodeID
	}
	return receiptErr
}
