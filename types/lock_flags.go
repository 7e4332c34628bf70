// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "strings"

// LockFlags select how a substate lock is acquired.
type LockFlags uint8

const (
	// LockFlagsMutable requests an exclusive, writable lock.
	LockFlagsMutable LockFlags = 1 << iota
	// LockFlagsUnmodifiedBase requests the committed value, ignoring any
	// change buffered by the current transaction.
	LockFlagsUnmodifiedBase
	// LockFlagsForceWrite keeps the write even if the transaction fails.
	LockFlagsForceWrite
	// LockFlagsCreateOnMiss locks an absent substate as empty instead of
	// failing.
	LockFlagsCreateOnMiss

	LockFlagsReadOnly LockFlags = 0
)

func (f LockFlags) Contains(other LockFlags) bool { return f&other == other }

func (f LockFlags) String() string {
	if f == LockFlagsReadOnly {
		return "READ_ONLY"
	}
	var names []string
	if f.Contains(LockFlagsMutable) {
		names = append(names, "MUTABLE")
	}
	if f.Contains(LockFlagsUnmodifiedBase) {
		names = append(names, "UNMODIFIED_BASE")
	}
	if f.Contains(LockFlagsForceWrite) {
		names = append(names, "FORCE_WRITE")
	}
	if f.Contains(LockFlagsCreateOnMiss) {
		names = append(names, "CREATE_ON_MISS")
	}
	return strings.Join(names, "|")
}
