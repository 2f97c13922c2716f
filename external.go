package strata

import (
	"context"

	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// Mapper makes placement decisions. Implementations run outside the engine
// and may exchange opaque messages with their counterparts on other address
// spaces over the mapper channel.
type Mapper interface {
	// SelectInstance picks one of the candidate instances for a mapped
	// region. Candidates are never empty.
	SelectInstance(
		region types.LogicalRegion,
		fields mask.FieldMask,
		candidates []types.InstanceID,
	) types.InstanceID

	// HandleMessage receives an opaque mapper message from a peer.
	HandleMessage(source types.AddressSpaceID, payload []byte)
}

// InstanceProvider manages physical instances on this address space.
type InstanceProvider interface {
	// Find returns the local instances covering the fields of a region.
	Find(region types.LogicalRegion, fields mask.FieldMask) []types.InstanceID

	// Allocate creates a local instance covering the fields of a region.
	Allocate(ctx context.Context, region types.LogicalRegion, fields mask.FieldMask) (types.InstanceID, error)

	// SetPriority adjusts the collection priority of an instance.
	SetPriority(instance types.InstanceID, priority int64)

	// Affinity returns the processors with fast access to an instance.
	Affinity(instance types.InstanceID) mask.ProcessorMask
}

// MapRegion makes the current data of a region locally valid and picks a
// physical instance for it. Fields owned remotely are fetched from their
// owners first; fields never written need no data movement.
func (e *Engine) MapRegion(
	ctx context.Context,
	region types.LogicalRegion,
	fields mask.FieldMask,
) (types.InstanceID, error) {
	for _, info := range e.versions.Resolve(region, fields) {
		if info.Version == 0 || info.Valid.Contains(e.config.AddressSpace) {
			continue
		}
		if _, err := e.versions.Fetch(ctx, region, info.Fields, info.Version, info.Owner); err != nil {
			return 0, err
		}
	}

	candidates := e.config.Instances.Find(region, fields)
	if len(candidates) == 0 {
		return e.config.Instances.Allocate(ctx, region, fields)
	}
	if e.config.Mapper == nil {
		return candidates[0], nil
	}
	return e.config.Mapper.SelectInstance(region, fields, candidates), nil
}

// FindRemoteInstance asks a peer for an instance covering the fields of a
// region. A zero instance ID means the peer holds none.
func (e *Engine) FindRemoteInstance(
	ctx context.Context,
	target types.AddressSpaceID,
	region types.LogicalRegion,
	fields mask.FieldMask,
) (wire.InstanceRecord, error) {
	request := wire.InstanceRequestRecord{
		Region: region,
		Mask:   fields,
	}
	_, payload, err := e.msgs.Request(ctx, target, types.MsgInstanceRequest, wire.Put(&request))
	if err != nil {
		return wire.InstanceRecord{}, err
	}
	return wire.Get[wire.InstanceRecord](payload)
}

// SetGCPriority adjusts the collection priority of a local instance and
// propagates the change to every peer.
func (e *Engine) SetGCPriority(instance types.InstanceID, priority int64) {
	if e.config.Instances != nil {
		e.config.Instances.SetPriority(instance, priority)
	}
	record := wire.GCPriorityRecord{
		Instance: instance,
		Priority: priority,
	}
	e.msgs.Broadcast(types.MsgGCPriorityUpdate, wire.Put(&record))
}

// SendMapperMessage forwards an opaque mapper payload to a peer's mapper.
func (e *Engine) SendMapperMessage(target types.AddressSpaceID, payload []byte) {
	e.msgs.Notify(target, types.MsgMapper, payload)
}
