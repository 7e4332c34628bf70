// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package track

import (
	"errors"
	"fmt"

	"github.com/ava-labs/substratevm/types"
)

var (
	ErrNotFound                            = errors.New("substate not found")
	ErrSubstateLocked                      = errors.New("substate locked")
	ErrLockUnmodifiedBaseOnNewSubstate     = errors.New("cannot lock unmodified base of a new substate")
	ErrLockUnmodifiedBaseOnUpdatedSubstate = errors.New("cannot lock unmodified base of an updated substate")

	ErrInvalidHandle     = errors.New("invalid lock handle")
	ErrNotWriteLocked    = errors.New("substate not write locked")
	ErrLocksOutstanding  = errors.New("substate locks outstanding")
	errUnknownAcquireErr = errors.New("unknown acquire lock error")
)

// AcquireLockErrorKind identifies why a lock could not be acquired.
type AcquireLockErrorKind uint8

const (
	NotFound AcquireLockErrorKind = iota
	SubstateLocked
	LockUnmodifiedBaseOnNewSubstate
	LockUnmodifiedBaseOnUpdatedSubstate
)

func (k AcquireLockErrorKind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case SubstateLocked:
		return "SubstateLocked"
	case LockUnmodifiedBaseOnNewSubstate:
		return "LockUnmodifiedBaseOnNewSubstate"
	case LockUnmodifiedBaseOnUpdatedSubstate:
		return "LockUnmodifiedBaseOnUpdatedSubstate"
	default:
		return fmt.Sprintf("AcquireLockErrorKind(%d)", uint8(k))
	}
}

func (k AcquireLockErrorKind) sentinel() error {
	switch k {
	case NotFound:
		return ErrNotFound
	case SubstateLocked:
		return ErrSubstateLocked
	case LockUnmodifiedBaseOnNewSubstate:
		return ErrLockUnmodifiedBaseOnNewSubstate
	case LockUnmodifiedBaseOnUpdatedSubstate:
		return ErrLockUnmodifiedBaseOnUpdatedSubstate
	default:
		return errUnknownAcquireErr
	}
}

// AcquireLockError is returned by AcquireLock. It unwraps to the sentinel
// error of its kind.
type AcquireLockError struct {
	Kind AcquireLockErrorKind
	ID   types.SubstateID
}

func (e *AcquireLockError) Error() string {
	return fmt.Sprintf("failed to lock %s: %s", e.ID, e.Kind.sentinel())
}

func (e *AcquireLockError) Unwrap() error { return e.Kind.sentinel() }

func acquireErr(kind AcquireLockErrorKind, id types.SubstateID) error {
	return &AcquireLockError{Kind: kind, ID: id}
}
