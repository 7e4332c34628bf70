// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/idalloc"
	"github.com/ava-labs/substratevm/track"
	"github.com/ava-labs/substratevm/types"
)

const (
	DefaultMaxCallDepth    = 8
	DefaultMaxSubstateSize = 1 << 20

	// TransactionProcessor is the actor of the root call frame.
	TransactionProcessor = "TransactionProcessor"
)

var _ API = (*Kernel)(nil)

type Config struct {
	MaxCallDepth    int
	MaxSubstateSize int
}

func DefaultConfig() Config {
	return Config{
		MaxCallDepth:    DefaultMaxCallDepth,
		MaxSubstateSize: DefaultMaxSubstateSize,
	}
}

// Stats counts node lifecycle events of one transaction.
type Stats struct {
	NodesCreated    int `json:"nodesCreated"`
	NodesDropped    int `json:"nodesDropped"`
	NodesGlobalized int `json:"nodesGlobalized"`
	Invocations     int `json:"invocations"`
}

// Kernel executes one transaction. It owns the call frame stack, the heap
// of unpersisted nodes and the id allocator, and buffers all state access
// through a Track.
type Kernel struct {
	config   Config
	registry *Registry
	track    *track.Track
	alloc    *idalloc.Allocator
	heap     *Heap

	// frames[len(frames)-1] is the active frame
	frames []*CallFrame
	stats  Stats
}

// New returns a kernel with the root call frame entered.
func New(t *track.Track, alloc *idalloc.Allocator, registry *Registry, config Config) (*Kernel, error) {
	k := &Kernel{
		config:   config,
		registry: registry,
		track:    t,
		alloc:    alloc,
		heap:     NewHeap(),
	}
	root := newCallFrame(0, -1, Actor{Blueprint: TransactionProcessor})
	k.frames = append(k.frames, root)
	if err := k.createAuthZone(root); err != nil {
		return nil, kernelError(err)
	}
	return k, nil
}

func (k *Kernel) current() *CallFrame {
	return k.frames[len(k.frames)-1]
}

// CurrentFrame returns the active call frame.
func (k *Kernel) CurrentFrame() *CallFrame { return k.current() }

// Depth returns the number of frames on the stack.
func (k *Kernel) Depth() int { return len(k.frames) }

func (k *Kernel) Heap() *Heap { return k.heap }

func (k *Kernel) Stats() Stats { return k.stats }

// GrantStableRef makes the global node [id] visible to the root frame.
func (k *Kernel) GrantStableRef(id types.NodeID) error {
	if !id.IsGlobal() {
		return kernelError(passErr(StableRefNotFound, id))
	}
	exists, err := k.track.NodeExists(id)
	if err != nil {
		return kernelError(err)
	}
	if !exists {
		return kernelError(passErr(StableRefNotFound, id))
	}
	k.frames[0].stableRefs.Add(id)
	return nil
}

// GrantDirectAccess makes the stored internal node [id] visible to the
// root frame without going through its owner.
func (k *Kernel) GrantDirectAccess(id types.NodeID) error {
	exists, err := k.track.NodeExists(id)
	if err != nil {
		return kernelError(err)
	}
	if id.IsGlobal() || !exists {
		return kernelError(passErr(DirectRefNotFound, id))
	}
	k.frames[0].directRefs.Add(id)
	return nil
}

func (k *Kernel) createAuthZone(frame *CallFrame) error {
	id, err := k.alloc.AllocateNodeID(types.EntityTypeAuthZone)
	if err != nil {
		return err
	}
	if err := k.alloc.TakeNodeID(id); err != nil {
		return err
	}
	typeInfo, err := types.ObjectTypeInfo(AuthZoneBlueprint).Value()
	if err != nil {
		return err
	}
	substates := NodeSubstates{}
	substates.Set(types.ModuleTypeInfo, types.TypeInfoKey, typeInfo)
	substates.Set(types.ModuleMain, types.FieldKey(0), types.Value{})
	k.heap.insert(id, substates)
	node, _ := k.heap.get(id)
	node.pinned = true
	frame.owned.Add(id)
	frame.authZone = id
	return nil
}

func (k *Kernel) AllocateNodeID(entity types.EntityType) (types.NodeID, error) {
	id, err := k.alloc.AllocateNodeID(entity)
	return id, kernelError(err)
}

// PreAllocateNodeID reserves the address of a global node. Unlike ids from
// AllocateNodeID, the reservation is not tied to the active frame: any
// later frame may create the node.
func (k *Kernel) PreAllocateNodeID(entity types.EntityType) (types.NodeID, error) {
	id, err := k.preAllocateNodeID(entity)
	return id, kernelError(err)
}

func (k *Kernel) preAllocateNodeID(entity types.EntityType) (types.NodeID, error) {
	if !entity.IsGlobal() {
		return types.EmptyNodeID, fmt.Errorf("%w: %s", idalloc.ErrCannotPreAllocateLocal, entity)
	}
	id, err := k.alloc.AllocateNodeID(entity)
	if err != nil {
		return types.EmptyNodeID, err
	}
	if err := k.alloc.TakeNodeID(id); err != nil {
		return types.EmptyNodeID, err
	}
	if err := k.alloc.PreAllocateNodeID(id); err != nil {
		return types.EmptyNodeID, err
	}
	log.Debug("reserved address", "nodeID", id, "entity", entity)
	return id, nil
}

// checkMove verifies that [frame] may hand [id] over to someone else.
func (k *Kernel) checkMove(frame *CallFrame, id types.NodeID) error {
	if !frame.owned.Contains(id) {
		return passErr(OwnNotFound, id)
	}
	node, ok := k.heap.get(id)
	if !ok {
		return passErr(OwnNotFound, id)
	}
	if node.pinned {
		return passErr(NodePinned, id)
	}
	if node.locked() {
		return passErr(NodeLocked, id)
	}
	return nil
}

// checkRef verifies that [frame] may pass on a reference to [id]. Global
// nodes are resolved against the store; other nodes must be visible.
func (k *Kernel) checkRef(frame *CallFrame, id types.NodeID) error {
	if !id.IsGlobal() {
		if !frame.IsVisible(id) {
			return passErr(DirectRefNotFound, id)
		}
		return nil
	}
	if frame.stableRefs.Contains(id) {
		return nil
	}
	exists, err := k.track.NodeExists(id)
	if err != nil {
		return err
	}
	if !exists {
		return passErr(StableRefNotFound, id)
	}
	return nil
}

func (k *Kernel) checkValue(v types.Value) error {
	if err := v.Verify(); err != nil {
		return err
	}
	if k.config.MaxSubstateSize <= 0 {
		return nil
	}
	b, err := v.Encode()
	if err != nil {
		return err
	}
	if len(b) > k.config.MaxSubstateSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrSubstateTooLarge, len(b), k.config.MaxSubstateSize)
	}
	return nil
}

func checkLayout(nodeID types.NodeID, moduleID types.ModuleID, key types.SubstateKey) error {
	entity := nodeID.EntityType()
	if !entity.AllowsModule(moduleID) {
		return nodeErr(nodeID, fmt.Errorf("%w: %s on %s", ErrInvalidModule, moduleID, entity))
	}
	if !entity.AllowsKey(moduleID, key) {
		return nodeErr(nodeID, fmt.Errorf("%w: %s in %s", ErrInvalidSubstateKey, key, moduleID))
	}
	return nil
}

// adoptChildren validates the owned children and references of
// [substates] against [frame] and returns the children to move.
func (k *Kernel) adoptChildren(frame *CallFrame, nodeID types.NodeID, substates NodeSubstates) ([]types.NodeID, error) {
	var (
		children []types.NodeID
		seen     = make(map[types.NodeID]struct{})
	)
	for _, entry := range substates.sorted() {
		if err := checkLayout(nodeID, entry.moduleID, entry.key); err != nil {
			return nil, err
		}
		if err := k.checkValue(entry.value); err != nil {
			return nil, err
		}
		for _, child := range entry.value.Owned {
			if _, ok := seen[child]; ok || child == nodeID {
				return nil, fmt.Errorf("%w: %s", types.ErrDuplicateOwn, child)
			}
			seen[child] = struct{}{}
			if err := k.checkMove(frame, child); err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		for _, ref := range entry.value.References {
			if err := k.checkRef(frame, ref); err != nil {
				return nil, err
			}
		}
	}
	return children, nil
}

// CreateNode materializes an allocated node on the heap, owned by the
// active frame. Owned children named by the substates move into the node.
func (k *Kernel) CreateNode(nodeID types.NodeID, substates NodeSubstates) error {
	return kernelError(k.createNode(nodeID, substates))
}

func (k *Kernel) createNode(nodeID types.NodeID, substates NodeSubstates) error {
	frame := k.current()
	if _, ok := substates.Get(types.ModuleTypeInfo, types.TypeInfoKey); !ok {
		return nodeErr(nodeID, ErrMissingTypeInfo)
	}
	children, err := k.adoptChildren(frame, nodeID, substates)
	if err != nil {
		return err
	}
	if err := k.alloc.TakeNodeID(nodeID); err != nil {
		return err
	}
	frame.owned.RemoveAll(children...)
	k.heap.insert(nodeID, substates)
	frame.owned.Add(nodeID)
	k.stats.NodesCreated++
	log.Debug("created node", "nodeID", nodeID, "entity", nodeID.EntityType(), "depth", frame.depth)
	return nil
}

// DropNode removes an owned node from the heap and returns its substates.
// The nodes it owned become owned by the active frame.
func (k *Kernel) DropNode(nodeID types.NodeID) (NodeSubstates, error) {
	substates, err := k.dropNode(k.current(), nodeID, false)
	return substates, kernelError(err)
}

func (k *Kernel) dropNode(frame *CallFrame, nodeID types.NodeID, implicit bool) (NodeSubstates, error) {
	if !frame.owned.Contains(nodeID) {
		return nil, nodeErr(nodeID, ErrNodeNotOwned)
	}
	node, ok := k.heap.get(nodeID)
	if !ok {
		return nil, nodeErr(nodeID, ErrNodeNotFound)
	}
	if node.pinned && !implicit {
		return nil, nodeErr(nodeID, ErrNodePinned)
	}
	if node.locked() {
		return nil, nodeErr(nodeID, ErrNodeLocked)
	}

	k.heap.remove(nodeID)
	frame.owned.Remove(nodeID)
	for _, entry := range node.substates.sorted() {
		frame.owned.Append(entry.value.Owned...)
		for _, ref := range entry.value.References {
			if ref.IsGlobal() {
				frame.stableRefs.Add(ref)
			}
		}
	}
	k.stats.NodesDropped++
	log.Debug("dropped node", "nodeID", nodeID, "implicit", implicit)
	return node.substates, nil
}

// PinNode makes an owned heap node immovable.
func (k *Kernel) PinNode(nodeID types.NodeID) error {
	frame := k.current()
	if !frame.owned.Contains(nodeID) {
		return kernelError(nodeErr(nodeID, ErrNodeNotOwned))
	}
	node, ok := k.heap.get(nodeID)
	if !ok {
		return kernelError(nodeErr(nodeID, ErrNodeNotFound))
	}
	node.pinned = true
	return nil
}

// Globalize attaches the standard modules to an owned node and moves it,
// with every node it owns, into the store.
func (k *Kernel) Globalize(nodeID types.NodeID, modules NodeSubstates) error {
	return kernelError(k.globalize(nodeID, modules))
}

func (k *Kernel) globalize(nodeID types.NodeID, modules NodeSubstates) error {
	frame := k.current()
	if !nodeID.IsGlobal() {
		return nodeErr(nodeID, ErrCannotGlobalize)
	}
	if !frame.owned.Contains(nodeID) {
		return nodeErr(nodeID, ErrNodeNotOwned)
	}
	node, ok := k.heap.get(nodeID)
	if !ok {
		return nodeErr(nodeID, ErrNodeNotFound)
	}
	if node.pinned {
		return nodeErr(nodeID, ErrNodePinned)
	}
	if node.locked() {
		return nodeErr(nodeID, ErrNodeLocked)
	}

	standard := make(map[types.ModuleID]struct{}, len(types.StandardModules))
	for _, moduleID := range types.StandardModules {
		standard[moduleID] = struct{}{}
		if !nodeID.EntityType().AllowsModule(moduleID) {
			continue
		}
		if _, ok := modules[moduleID]; !ok {
			return nodeErr(nodeID, fmt.Errorf("%w: %s", ErrMissingModule, moduleID))
		}
		if _, ok := node.substates[moduleID]; ok {
			return nodeErr(nodeID, fmt.Errorf("%w: %s", ErrModuleAlreadyAttached, moduleID))
		}
	}
	for moduleID := range modules {
		if _, ok := standard[moduleID]; !ok {
			return nodeErr(nodeID, fmt.Errorf("%w: %s", ErrInvalidModule, moduleID))
		}
	}
	children, err := k.adoptChildren(frame, nodeID, modules)
	if err != nil {
		return err
	}

	frame.owned.RemoveAll(children...)
	for _, entry := range modules.sorted() {
		node.substates.Set(entry.moduleID, entry.key, cloneValue(entry.value))
	}
	if err := k.persistNode(nodeID); err != nil {
		return err
	}
	frame.owned.Remove(nodeID)
	frame.stableRefs.Add(nodeID)
	k.stats.NodesGlobalized++
	log.Debug("globalized node", "nodeID", nodeID, "entity", nodeID.EntityType())
	return nil
}

// persistNode moves a heap node and its descendants into the track.
func (k *Kernel) persistNode(nodeID types.NodeID) error {
	if nodeID.IsTransient() {
		return nodeErr(nodeID, ErrCannotPersistNode)
	}
	node, ok := k.heap.get(nodeID)
	if !ok {
		return nodeErr(nodeID, ErrNodeNotFound)
	}
	if node.pinned {
		return nodeErr(nodeID, ErrNodePinned)
	}
	if node.locked() {
		return nodeErr(nodeID, ErrNodeLocked)
	}
	exists, err := k.track.NodeExists(nodeID)
	if err != nil {
		return err
	}
	if exists {
		return nodeErr(nodeID, ErrNodeAlreadyExists)
	}
	for _, entry := range node.substates.sorted() {
		for _, ref := range entry.value.References {
			if k.heap.Contains(ref) {
				return nodeErr(ref, ErrHeapReferenceInStore)
			}
		}
		for _, child := range entry.value.Owned {
			if err := k.persistNode(child); err != nil {
				return err
			}
		}
		b, err := entry.value.Encode()
		if err != nil {
			return err
		}
		id := types.NewSubstateID(nodeID, entry.moduleID, entry.key)
		if err := k.track.InsertSubstate(id, b); err != nil {
			return err
		}
	}
	k.heap.remove(nodeID)
	return nil
}

// OpenSubstate locks a substate of a visible node for the active frame.
func (k *Kernel) OpenSubstate(nodeID types.NodeID, moduleID types.ModuleID, key types.SubstateKey, flags types.LockFlags) (LockHandle, error) {
	h, err := k.openSubstate(k.current(), nodeID, moduleID, key, flags)
	return h, kernelError(err)
}

func (k *Kernel) openSubstate(frame *CallFrame, nodeID types.NodeID, moduleID types.ModuleID, key types.SubstateKey, flags types.LockFlags) (LockHandle, error) {
	if !frame.IsVisible(nodeID) {
		return 0, nodeErr(nodeID, ErrNodeNotVisible)
	}
	if err := checkLayout(nodeID, moduleID, key); err != nil {
		return 0, err
	}

	lock := &openLock{
		id:    types.NewSubstateID(nodeID, moduleID, key),
		flags: flags,
	}
	if node, ok := k.heap.get(nodeID); ok {
		if err := node.acquire(lock.id, flags); err != nil {
			return 0, err
		}
		lock.onHeap = true
	} else {
		h, err := k.track.AcquireLock(lock.id, flags)
		if err != nil {
			return 0, err
		}
		lock.handle = h
	}

	v, err := k.read(lock)
	if err != nil {
		k.release(lock)
		return 0, err
	}
	lock.visible = frame.expose(v)
	return frame.newHandle(lock), nil
}

func (k *Kernel) lock(frame *CallFrame, h LockHandle) (*openLock, error) {
	lock, ok := frame.locks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLockHandle, h)
	}
	return lock, nil
}

// read returns the value behind [lock], empty when the substate is absent.
func (k *Kernel) read(lock *openLock) (types.Value, error) {
	if lock.onHeap {
		node, ok := k.heap.get(lock.id.NodeID)
		if !ok {
			return types.Value{}, nodeErr(lock.id.NodeID, ErrNodeNotFound)
		}
		v, _ := node.substates.Get(lock.id.ModuleID, lock.id.Key)
		return cloneValue(v), nil
	}
	b, ok, err := k.track.GetSubstate(lock.handle)
	if err != nil || !ok {
		return types.Value{}, err
	}
	return types.DecodeValue(b)
}

func (k *Kernel) release(lock *openLock) {
	if !lock.onHeap {
		// The handle was issued by this kernel and is released once.
		_ = k.track.ReleaseLock(lock.handle)
		return
	}
	if node, ok := k.heap.get(lock.id.NodeID); ok {
		node.release(lock.id, lock.flags)
	}
}

func (k *Kernel) ReadSubstate(h LockHandle) (types.Value, error) {
	lock, err := k.lock(k.current(), h)
	if err != nil {
		return types.Value{}, kernelError(err)
	}
	v, err := k.read(lock)
	return v, kernelError(err)
}

// WriteSubstate replaces the value behind a mutable lock. Nodes newly
// owned by the value move out of the frame; nodes no longer owned by a
// heap substate return to it.
func (k *Kernel) WriteSubstate(h LockHandle, value types.Value) error {
	return kernelError(k.writeSubstate(k.current(), h, value))
}

func (k *Kernel) writeSubstate(frame *CallFrame, h LockHandle, value types.Value) error {
	lock, err := k.lock(frame, h)
	if err != nil {
		return err
	}
	if !lock.flags.Contains(types.LockFlagsMutable) {
		return fmt.Errorf("%w: %s", ErrLockNotMutable, lock.id)
	}
	if err := k.checkValue(value); err != nil {
		return err
	}
	current, err := k.read(lock)
	if err != nil {
		return err
	}

	var added, removed []types.NodeID
	for _, child := range value.Owned {
		if current.OwnsNode(child) {
			continue
		}
		if err := k.checkMove(frame, child); err != nil {
			return err
		}
		if lock.onHeap && k.heap.ownedBy(lock.id.NodeID, child) {
			return nodeErr(child, ErrOwnershipCycle)
		}
		added = append(added, child)
	}
	for _, child := range current.Owned {
		if !value.OwnsNode(child) {
			removed = append(removed, child)
		}
	}
	for _, ref := range value.References {
		if err := k.checkRef(frame, ref); err != nil {
			return err
		}
		if !lock.onHeap && k.heap.Contains(ref) {
			return nodeErr(ref, ErrHeapReferenceInStore)
		}
	}
	if !lock.onHeap && len(removed) > 0 {
		return nodeErr(removed[0], ErrStoredNodeRemoved)
	}

	frame.owned.RemoveAll(added...)
	if lock.onHeap {
		node, ok := k.heap.get(lock.id.NodeID)
		if !ok {
			return nodeErr(lock.id.NodeID, ErrNodeNotFound)
		}
		node.substates.Set(lock.id.ModuleID, lock.id.Key, cloneValue(value))
		frame.owned.Append(removed...)
	} else {
		for _, child := range added {
			if err := k.persistNode(child); err != nil {
				return err
			}
		}
		b, err := value.Encode()
		if err != nil {
			return err
		}
		if err := k.track.PutSubstate(lock.handle, b); err != nil {
			return err
		}
	}

	frame.removeTransient(lock.visible)
	lock.visible = frame.expose(value)
	return nil
}

// RemoveSubstate deletes the substate behind a mutable lock.
func (k *Kernel) RemoveSubstate(h LockHandle) error {
	return kernelError(k.removeSubstate(k.current(), h))
}

func (k *Kernel) removeSubstate(frame *CallFrame, h LockHandle) error {
	lock, err := k.lock(frame, h)
	if err != nil {
		return err
	}
	if !lock.flags.Contains(types.LockFlagsMutable) {
		return fmt.Errorf("%w: %s", ErrLockNotMutable, lock.id)
	}
	current, err := k.read(lock)
	if err != nil {
		return err
	}
	if lock.onHeap {
		node, ok := k.heap.get(lock.id.NodeID)
		if !ok {
			return nodeErr(lock.id.NodeID, ErrNodeNotFound)
		}
		delete(node.substates[lock.id.ModuleID], lock.id.Key)
		frame.owned.Append(current.Owned...)
	} else {
		if len(current.Owned) > 0 {
			return nodeErr(current.Owned[0], ErrStoredNodeRemoved)
		}
		if err := k.track.RemoveSubstate(lock.handle); err != nil {
			return err
		}
	}
	frame.removeTransient(lock.visible)
	lock.visible = nil
	return nil
}

func (k *Kernel) CloseSubstate(h LockHandle) error {
	frame := k.current()
	lock, err := k.lock(frame, h)
	if err != nil {
		return kernelError(err)
	}
	if id, ok := frame.lockedAfterClose(h, lock); ok {
		return kernelError(nodeErr(id, ErrExposedNodeLocked))
	}
	delete(frame.locks, h)
	k.release(lock)
	frame.removeTransient(lock.visible)
	return nil
}

// ListSubstates returns the substates of a module of a visible node in key
// order.
func (k *Kernel) ListSubstates(nodeID types.NodeID, moduleID types.ModuleID) ([]SubstateEntry, error) {
	entries, err := k.listSubstates(k.current(), nodeID, moduleID)
	return entries, kernelError(err)
}

func (k *Kernel) listSubstates(frame *CallFrame, nodeID types.NodeID, moduleID types.ModuleID) ([]SubstateEntry, error) {
	if !frame.IsVisible(nodeID) {
		return nil, nodeErr(nodeID, ErrNodeNotVisible)
	}
	if !nodeID.EntityType().AllowsModule(moduleID) {
		return nil, nodeErr(nodeID, fmt.Errorf("%w: %s", ErrInvalidModule, moduleID))
	}
	if node, ok := k.heap.get(nodeID); ok {
		var entries []SubstateEntry
		for _, entry := range node.substates.sorted() {
			if entry.moduleID == moduleID {
				entries = append(entries, SubstateEntry{Key: entry.key, Value: entry.value})
			}
		}
		return entries, nil
	}
	stored, err := k.track.ListSubstates(nodeID, moduleID)
	if err != nil {
		return nil, err
	}
	entries := make([]SubstateEntry, 0, len(stored))
	for _, s := range stored {
		v, err := types.DecodeValue(s.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, SubstateEntry{Key: s.Key, Value: v})
	}
	return entries, nil
}

func (k *Kernel) Actor() Actor { return k.current().actor }

func (k *Kernel) AuthZone() types.NodeID { return k.current().authZone }

// typeInfo reads the type info of a node visible to [frame].
func (k *Kernel) typeInfo(frame *CallFrame, nodeID types.NodeID) (types.TypeInfo, error) {
	h, err := k.openSubstate(frame, nodeID, types.ModuleTypeInfo, types.TypeInfoKey, types.LockFlagsReadOnly)
	if err != nil {
		return types.TypeInfo{}, err
	}
	lock := frame.locks[h]
	v, err := k.read(lock)
	delete(frame.locks, h)
	k.release(lock)
	frame.removeTransient(lock.visible)
	if err != nil {
		return types.TypeInfo{}, err
	}
	return types.TypeInfoFromValue(v)
}

// Invoke calls a blueprint function or method in a new call frame. The
// nodes owned by the arguments move to the callee, and the nodes owned by
// the output move back.
func (k *Kernel) Invoke(invocation Invocation) (types.Value, error) {
	output, err := k.invoke(invocation)
	if err != nil {
		return types.Value{}, kernelError(err)
	}
	return output, nil
}

func (k *Kernel) invoke(invocation Invocation) (types.Value, error) {
	if len(k.frames) > k.config.MaxCallDepth {
		return types.Value{}, fmt.Errorf("%w: %d", ErrMaxCallDepthExceeded, k.config.MaxCallDepth)
	}
	if err := invocation.Args.Verify(); err != nil {
		return types.Value{}, err
	}

	caller := k.current()
	update := updateFromValue(invocation.Args)
	blueprint := invocation.Blueprint
	if invocation.Receiver != nil {
		receiver := *invocation.Receiver
		if err := k.checkRef(caller, receiver); err != nil {
			return types.Value{}, createFrameError(err)
		}
		if receiver.IsGlobal() {
			caller.stableRefs.Add(receiver)
		}
		typeInfo, err := k.typeInfo(caller, receiver)
		if err != nil {
			return types.Value{}, err
		}
		blueprint = typeInfo.Blueprint
		update.NodeRefsToCopy = append(update.NodeRefsToCopy, receiver)
	}
	bp, ok := k.registry.Get(blueprint)
	if !ok {
		return types.Value{}, fmt.Errorf("%w: %q", ErrBlueprintNotFound, blueprint)
	}

	callee := newCallFrame(len(k.frames), len(k.frames)-1, Actor{
		Blueprint: blueprint,
		Function:  invocation.Function,
		Receiver:  invocation.Receiver,
	})
	if err := k.passMessage(caller, callee, update); err != nil {
		return types.Value{}, createFrameError(err)
	}

	k.alloc.Push()
	k.frames = append(k.frames, callee)
	if err := k.createAuthZone(callee); err != nil {
		return types.Value{}, err
	}
	k.stats.Invocations++
	log.Debug("invoking blueprint",
		"blueprint", blueprint,
		"function", invocation.Function,
		"depth", callee.depth,
	)

	output, err := bp.Call(k, invocation.Function, invocation.Receiver, invocation.Args)
	if err != nil {
		return types.Value{}, applicationError(err)
	}
	if err := output.Verify(); err != nil {
		return types.Value{}, err
	}
	if err := k.returnMessage(callee, caller, updateFromValue(output)); err != nil {
		return types.Value{}, err
	}
	if err := k.teardown(callee); err != nil {
		return types.Value{}, err
	}
	return output, nil
}

func createFrameError(err error) error {
	var passMsgErr *PassMessageError
	if errors.As(err, &passMsgErr) {
		return &CreateFrameError{Err: passMsgErr}
	}
	return err
}

// passMessage moves and copies the nodes of [update] from [from] into a
// new frame [to]. Nothing is applied unless every node passes the checks.
func (k *Kernel) passMessage(from *CallFrame, to *CallFrame, update CallFrameUpdate) error {
	for _, id := range update.NodesToMove {
		if err := k.checkMove(from, id); err != nil {
			return err
		}
	}
	for _, id := range update.NodeRefsToCopy {
		if err := k.checkRef(from, id); err != nil {
			return err
		}
	}

	from.owned.RemoveAll(update.NodesToMove...)
	to.owned.Append(update.NodesToMove...)
	for _, id := range update.NodeRefsToCopy {
		if id.IsGlobal() {
			to.stableRefs.Add(id)
		} else {
			to.directRefs.Add(id)
		}
	}
	return nil
}

// returnMessage moves the output of [callee] back to its caller. Non-global
// references must already be visible to the caller.
func (k *Kernel) returnMessage(callee *CallFrame, caller *CallFrame, update CallFrameUpdate) error {
	for _, id := range update.NodesToMove {
		if err := k.checkMove(callee, id); err != nil {
			return err
		}
	}
	for _, id := range update.NodeRefsToCopy {
		if err := k.checkRef(callee, id); err != nil {
			return err
		}
		if !id.IsGlobal() && !caller.IsVisible(id) {
			return passErr(DirectRefNotFound, id)
		}
	}

	callee.owned.RemoveAll(update.NodesToMove...)
	caller.owned.Append(update.NodesToMove...)
	for _, id := range update.NodeRefsToCopy {
		if id.IsGlobal() {
			caller.stableRefs.Add(id)
		}
	}
	return nil
}

// teardown pops [frame] off the stack. The frame must have closed every
// lock, and every node it still owns must allow being dropped implicitly.
func (k *Kernel) teardown(frame *CallFrame) error {
	if frame != k.current() {
		return ErrNoCallFrame
	}
	if len(frame.locks) > 0 {
		var first *openLock
		for _, lock := range frame.locks {
			if first == nil || lock.id.Less(first.id) {
				first = lock
			}
		}
		return nodeErr(first.id.NodeID, fmt.Errorf("%w: %d", ErrOpenLocksOnTeardown, len(frame.locks)))
	}
	if _, err := k.dropNode(frame, frame.authZone, true); err != nil {
		return err
	}
	for frame.owned.Cardinality() > 0 {
		owned := frame.OwnedNodes()
		dropped := false
		for _, id := range owned {
			ok, err := k.allowsImplicitDrop(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := k.dropNode(frame, id, true); err != nil {
				return err
			}
			dropped = true
		}
		if !dropped {
			return nodeErr(owned[0], fmt.Errorf("%w: %d", ErrOwnedNodesRemaining, len(owned)))
		}
	}
	if err := k.alloc.Pop(); err != nil {
		return err
	}
	k.frames = k.frames[:len(k.frames)-1]
	return nil
}

func (k *Kernel) allowsImplicitDrop(nodeID types.NodeID) (bool, error) {
	node, ok := k.heap.get(nodeID)
	if !ok {
		return false, nodeErr(nodeID, ErrNodeNotFound)
	}
	v, ok := node.substates.Get(types.ModuleTypeInfo, types.TypeInfoKey)
	if !ok {
		return false, nodeErr(nodeID, ErrMissingTypeInfo)
	}
	typeInfo, err := types.TypeInfoFromValue(v)
	if err != nil {
		return false, err
	}
	bp, ok := k.registry.Get(typeInfo.Blueprint)
	if !ok {
		return false, nil
	}
	dropper, ok := bp.(ImplicitDropper)
	return ok && dropper.AllowsImplicitDrop(node.substates), nil
}

// Teardown closes the root frame at the end of a transaction.
func (k *Kernel) Teardown() error {
	if len(k.frames) != 1 {
		return kernelError(fmt.Errorf("%w: %d frames open", ErrNoCallFrame, len(k.frames)))
	}
	return kernelError(k.teardown(k.frames[0]))
}
