// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"fmt"

	"github.com/ava-labs/substratevm/idalloc"
	"github.com/ava-labs/substratevm/track"
	"github.com/ava-labs/substratevm/types"
)

var (
	ErrMaxCallDepthExceeded  = errors.New("max call depth exceeded")
	ErrOwnedNodesRemaining   = errors.New("owned nodes remaining on teardown")
	ErrOpenLocksOnTeardown   = errors.New("open substate locks on teardown")
	ErrLockNotMutable        = errors.New("substate lock not mutable")
	ErrInvalidLockHandle     = errors.New("invalid lock handle")
	ErrNodeNotFound          = errors.New("node not found")
	ErrNodeNotVisible        = errors.New("node not visible")
	ErrNodeNotOwned          = errors.New("node not owned")
	ErrNodeLocked            = errors.New("node has open substate locks")
	ErrNodePinned            = errors.New("node is pinned")
	ErrStoredNodeRemoved     = errors.New("owned node removed from stored substate")
	ErrCannotGlobalize       = errors.New("entity type cannot be globalized")
	ErrCannotPersistNode     = errors.New("transient node cannot be persisted")
	ErrNodeAlreadyExists     = errors.New("node already exists in the store")
	ErrHeapReferenceInStore  = errors.New("stored substate references a heap node")
	ErrInvalidModule         = errors.New("module not allowed for entity type")
	ErrInvalidSubstateKey    = errors.New("substate key not allowed for module")
	ErrMissingTypeInfo       = errors.New("node has no type info")
	ErrMissingModule         = errors.New("standard module missing")
	ErrModuleAlreadyAttached = errors.New("module already attached")
	ErrSubstateTooLarge      = errors.New("substate too large")
	ErrBlueprintNotFound     = errors.New("blueprint not found")
	ErrDuplicateBlueprint    = errors.New("blueprint already registered")
	ErrNoCallFrame           = errors.New("no active call frame")
	ErrOwnershipCycle        = errors.New("node cannot be moved into its own subtree")
	ErrExposedNodeLocked     = errors.New("substate exposes a node that is still locked")
)

// PassMessageErrorKind identifies which rule a cross-frame transfer broke.
type PassMessageErrorKind uint8

const (
	StableRefNotFound PassMessageErrorKind = iota
	DirectRefNotFound
	OwnNotFound
	NodeLocked
	NodePinned
)

func (k PassMessageErrorKind) String() string {
	switch k {
	case StableRefNotFound:
		return "StableRefNotFound"
	case DirectRefNotFound:
		return "DirectRefNotFound"
	case OwnNotFound:
		return "OwnNotFound"
	case NodeLocked:
		return "NodeLocked"
	case NodePinned:
		return "NodePinned"
	default:
		return fmt.Sprintf("PassMessageErrorKind(%d)", uint8(k))
	}
}

// PassMessageError is returned when a node is moved or referenced across
// call frames without the right to do so.
type PassMessageError struct {
	Kind   PassMessageErrorKind
	NodeID types.NodeID
}

func (e *PassMessageError) Error() string {
	return fmt.Sprintf("pass message error %s: %s", e.Kind, e.NodeID)
}

// CreateFrameError reports a PassMessageError raised while entering a new
// call frame.
type CreateFrameError struct {
	Err *PassMessageError
}

func (e *CreateFrameError) Error() string {
	return fmt.Sprintf("failed to create call frame: %s", e.Err)
}

func (e *CreateFrameError) Unwrap() error { return e.Err }

// NodeError attaches the node involved to a kernel error.
type NodeError struct {
	NodeID types.NodeID
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.NodeID)
}

func (e *NodeError) Unwrap() error { return e.Err }

func nodeErr(id types.NodeID, err error) error {
	return &NodeError{NodeID: id, Err: err}
}

func passErr(kind PassMessageErrorKind, id types.NodeID) error {
	return &PassMessageError{Kind: kind, NodeID: id}
}

// ErrorKind separates kernel invariant violations from failures reported
// by blueprint logic.
type ErrorKind uint8

const (
	KindKernelError ErrorKind = iota
	KindApplicationError
)

func (k ErrorKind) String() string {
	switch k {
	case KindKernelError:
		return "KernelError"
	case KindApplicationError:
		return "ApplicationError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// RuntimeError is the error type of every kernel API call. It is always
// fatal to the transaction.
type RuntimeError struct {
	Kind ErrorKind
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Code classifies the error for receipts, for example
// "KernelError.CreateFrameError.OwnNotFound".
func (e *RuntimeError) Code() string {
	var (
		createFrameErr *CreateFrameError
		passMsgErr     *PassMessageError
		lockErr        *track.AcquireLockError
	)
	switch {
	case e.Kind != KindKernelError:
		return e.Kind.String()
	case errors.As(e.Err, &createFrameErr):
		return fmt.Sprintf("%s.CreateFrameError.%s", e.Kind, createFrameErr.Err.Kind)
	case errors.As(e.Err, &passMsgErr):
		return fmt.Sprintf("%s.PassMessageError.%s", e.Kind, passMsgErr.Kind)
	case errors.As(e.Err, &lockErr):
		return fmt.Sprintf("%s.AcquireLockError.%s", e.Kind, lockErr.Kind)
	case errors.Is(e.Err, idalloc.ErrOutOfID):
		return fmt.Sprintf("%s.IdAllocationError.OutOfID", e.Kind)
	case errors.Is(e.Err, idalloc.ErrAllocatedIDsNotEmpty):
		return fmt.Sprintf("%s.IdAllocationError.AllocatedIDsNotEmpty", e.Kind)
	case errors.Is(e.Err, idalloc.ErrNodeIDWasNotAllocated):
		return fmt.Sprintf("%s.IdAllocationError.NodeIDWasNotAllocated", e.Kind)
	default:
		return fmt.Sprintf("%s.CallFrameError", e.Kind)
	}
}

// NodeID returns the node the error is about, if known.
func (e *RuntimeError) NodeID() (types.NodeID, bool) {
	var (
		passMsgErr *PassMessageError
		lockErr    *track.AcquireLockError
		nodeError  *NodeError
	)
	switch {
	case errors.As(e.Err, &passMsgErr):
		return passMsgErr.NodeID, true
	case errors.As(e.Err, &lockErr):
		return lockErr.ID.NodeID, true
	case errors.As(e.Err, &nodeError):
		return nodeError.NodeID, true
	default:
		return types.EmptyNodeID, false
	}
}

// kernelError wraps [err] into a RuntimeError unless it already is one.
func kernelError(err error) error {
	if err == nil {
		return nil
	}
	var runtimeErr *RuntimeError
	if errors.As(err, &runtimeErr) {
		return err
	}
	return &RuntimeError{Kind: KindKernelError, Err: err}
}

func applicationError(err error) error {
	var runtimeErr *RuntimeError
	if errors.As(err, &runtimeErr) {
		return err
	}
	return &RuntimeError{Kind: KindApplicationError, Err: err}
}
