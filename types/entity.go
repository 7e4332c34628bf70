// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "fmt"

// EntityType is the tag stored in the first byte of a NodeID.
type EntityType byte

const (
	EntityTypeGlobalPackage EntityType = iota + 1
	EntityTypeGlobalResourceManager
	EntityTypeGlobalComponent
	EntityTypeGlobalAccount
	EntityTypeInternalVault
	EntityTypeInternalKeyValueStore
	EntityTypeInternalGenericComponent
	EntityTypeBucket
	EntityTypeProof
	EntityTypeAuthZone
)

type entityClass uint8

const (
	classGlobal entityClass = iota
	classInternal
	classTransient
)

type entityInfo struct {
	name    string
	class   entityClass
	modules []ModuleID
}

var (
	objectModules   = []ModuleID{ModuleTypeInfo, ModuleMain}
	globalModules   = []ModuleID{ModuleTypeInfo, ModuleMain, ModuleMetadata, ModuleRoyalty, ModuleRoleAssignment}
	packageModules  = []ModuleID{ModuleTypeInfo, ModuleMain, ModuleMetadata, ModuleRoleAssignment}
	keyValueModules = []ModuleID{ModuleTypeInfo, ModuleMain}

	// entityTable is the closed set of node kinds together with the substate
	// layout each of them may carry.
	entityTable = map[EntityType]entityInfo{
		EntityTypeGlobalPackage:            {name: "GlobalPackage", class: classGlobal, modules: packageModules},
		EntityTypeGlobalResourceManager:    {name: "GlobalResourceManager", class: classGlobal, modules: globalModules},
		EntityTypeGlobalComponent:          {name: "GlobalComponent", class: classGlobal, modules: globalModules},
		EntityTypeGlobalAccount:            {name: "GlobalAccount", class: classGlobal, modules: globalModules},
		EntityTypeInternalVault:            {name: "InternalVault", class: classInternal, modules: objectModules},
		EntityTypeInternalKeyValueStore:    {name: "InternalKeyValueStore", class: classInternal, modules: keyValueModules},
		EntityTypeInternalGenericComponent: {name: "InternalGenericComponent", class: classInternal, modules: objectModules},
		EntityTypeBucket:                   {name: "Bucket", class: classTransient, modules: objectModules},
		EntityTypeProof:                    {name: "Proof", class: classTransient, modules: objectModules},
		EntityTypeAuthZone:                 {name: "AuthZone", class: classTransient, modules: objectModules},
	}
)

func (e EntityType) Valid() bool {
	_, ok := entityTable[e]
	return ok
}

// IsGlobal reports whether nodes of this type may be globalized and are
// addressable by reference from anywhere once they are.
func (e EntityType) IsGlobal() bool {
	info, ok := entityTable[e]
	return ok && info.class == classGlobal
}

// IsInternal reports whether nodes of this type are persisted only as
// children owned by another node.
func (e EntityType) IsInternal() bool {
	info, ok := entityTable[e]
	return ok && info.class == classInternal
}

// IsTransient reports whether nodes of this type must never reach the
// substate store.
func (e EntityType) IsTransient() bool {
	info, ok := entityTable[e]
	return ok && info.class == classTransient
}

// AllowsModule reports whether nodes of this type may hold substates in
// module [m].
func (e EntityType) AllowsModule(m ModuleID) bool {
	info, ok := entityTable[e]
	if !ok {
		return false
	}
	for _, allowed := range info.modules {
		if allowed == m {
			return true
		}
	}
	return false
}

// AllowsKey reports whether a substate key of [k]'s kind is legal in module
// [m] for nodes of this type.
func (e EntityType) AllowsKey(m ModuleID, k SubstateKey) bool {
	if !e.AllowsModule(m) {
		return false
	}
	switch m {
	case ModuleTypeInfo, ModuleRoyalty:
		return k.IsField()
	case ModuleMetadata:
		return k.IsMap()
	case ModuleMain:
		if e == EntityTypeInternalKeyValueStore {
			return k.IsMap()
		}
		return true
	default:
		return true
	}
}

func (e EntityType) String() string {
	if info, ok := entityTable[e]; ok {
		return info.name
	}
	return "Unknown"
}

// ParseEntityType returns the entity type called [name].
func ParseEntityType(name string) (EntityType, error) {
	for entity, info := range entityTable {
		if info.name == name {
			return entity, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEntityType, name)
}
