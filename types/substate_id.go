// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "fmt"

// SubstateID is the full address of one substate.
type SubstateID struct {
	NodeID   NodeID
	ModuleID ModuleID
	Key      SubstateKey
}

func NewSubstateID(nodeID NodeID, moduleID ModuleID, key SubstateKey) SubstateID {
	return SubstateID{NodeID: nodeID, ModuleID: moduleID, Key: key}
}

// Partition returns the physical partition the substate lives in.
func (s SubstateID) Partition() PartitionNumber {
	return s.ModuleID.Partition(s.Key)
}

// Compare orders substate ids by node, then partition, then key.
func (s SubstateID) Compare(other SubstateID) int {
	if c := s.NodeID.Compare(other.NodeID); c != 0 {
		return c
	}
	if s.ModuleID != other.ModuleID {
		if s.ModuleID < other.ModuleID {
			return -1
		}
		return 1
	}
	return s.Key.Compare(other.Key)
}

func (s SubstateID) Less(other SubstateID) bool { return s.Compare(other) < 0 }

func (s SubstateID) String() string {
	return fmt.Sprintf("%s/%s/%s", s.NodeID, s.ModuleID, s.Key)
}
