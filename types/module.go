// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "fmt"

// ModuleID selects one of a node's state namespaces.
type ModuleID uint8

const (
	ModuleTypeInfo ModuleID = iota
	ModuleMain
	ModuleMetadata
	ModuleRoyalty
	ModuleRoleAssignment

	numModules
)

// PartitionNumber is the physical partition a substate is stored in. Every
// module owns the disjoint range [m*PartitionsPerModule, (m+1)*PartitionsPerModule).
type PartitionNumber uint8

// PartitionsPerModule is the width of each module's partition range: one
// partition for fields and one for collection entries.
const PartitionsPerModule = 2

// StandardModules are attached to every node when it is globalized.
var StandardModules = []ModuleID{ModuleMetadata, ModuleRoyalty, ModuleRoleAssignment}

func (m ModuleID) Valid() bool { return m < numModules }

// PartitionRange returns the first and last partition owned by m.
func (m ModuleID) PartitionRange() (PartitionNumber, PartitionNumber) {
	first := PartitionNumber(m) * PartitionsPerModule
	return first, first + PartitionsPerModule - 1
}

// Partition returns the partition [k] is stored in.
func (m ModuleID) Partition(k SubstateKey) PartitionNumber {
	first, _ := m.PartitionRange()
	if k.IsField() {
		return first
	}
	return first + 1
}

// ModuleOfPartition maps a partition back to the module that owns it.
func ModuleOfPartition(p PartitionNumber) ModuleID {
	return ModuleID(p / PartitionsPerModule)
}

func (m ModuleID) String() string {
	switch m {
	case ModuleTypeInfo:
		return "TypeInfo"
	case ModuleMain:
		return "Main"
	case ModuleMetadata:
		return "Metadata"
	case ModuleRoyalty:
		return "Royalty"
	case ModuleRoleAssignment:
		return "RoleAssignment"
	default:
		return fmt.Sprintf("Module(%d)", uint8(m))
	}
}
