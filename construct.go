package strata

import (
	"context"

	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/version"
	"github.com/outofforest/strata/wire"
)

// Construction helpers create structure locally and announce it on the
// structure channel, so the same FIFO carries creation and the analyses
// referring to it. Imports are idempotent and creation is deterministic per
// creator, so announces may race without conflict.

// CreateIndexSpace creates a root index space and announces it.
func (e *Engine) CreateIndexSpace(domain types.Domain) types.IndexSpaceID {
	id := e.forest.CreateIndexSpace(domain)
	record := wire.IndexSpaceRecord{
		ID:     id,
		Gen:    1,
		Domain: domain,
	}
	e.msgs.Broadcast(types.MsgIndexSpaceNode, wire.Put(&record))
	return id
}

// CreateIndexPartition creates an index partition and announces it.
func (e *Engine) CreateIndexPartition(
	parent types.IndexSpaceID,
	color types.Color,
	disjoint bool,
) (types.IndexPartitionID, error) {
	id, err := e.forest.CreateIndexPartition(parent, color, disjoint)
	if err != nil {
		return 0, err
	}
	record, err := e.forest.ExportIndexPartition(id)
	if err != nil {
		return 0, err
	}
	e.msgs.Broadcast(types.MsgIndexPartitionNode, wire.Put(&record))
	return id, nil
}

// CreateIndexSubspace creates a child index space under a partition and
// announces it.
func (e *Engine) CreateIndexSubspace(
	parent types.IndexPartitionID,
	color types.Color,
	domain types.Domain,
) (types.IndexSpaceID, error) {
	id, err := e.forest.CreateIndexSubspace(parent, color, domain)
	if err != nil {
		return 0, err
	}
	record, err := e.forest.ExportIndexSpace(id)
	if err != nil {
		return 0, err
	}
	e.msgs.Broadcast(types.MsgIndexSpaceNode, wire.Put(&record))
	return id, nil
}

// CreateFieldSpace creates a field space and announces it.
func (e *Engine) CreateFieldSpace() types.FieldSpaceID {
	id := e.forest.CreateFieldSpace()
	record := wire.FieldSpaceRecord{
		ID:  id,
		Gen: 1,
	}
	e.msgs.Broadcast(types.MsgFieldSpaceNode, wire.Put(&record))
	return id
}

// AllocateField allocates a field inside a field space and announces it.
func (e *Engine) AllocateField(space types.FieldSpaceID, size uint32) (types.FieldID, error) {
	field, err := e.forest.AllocateField(space, size)
	if err != nil {
		return 0, err
	}
	info, err := e.forest.FieldInfoOf(space, field)
	if err != nil {
		return 0, err
	}
	record := wire.FieldAllocRecord{
		Space:  space,
		Field:  field,
		Offset: info.Offset,
		Size:   info.Size,
	}
	e.msgs.Broadcast(types.MsgFieldAllocNotify, wire.Put(&record))
	return field, nil
}

// FreeField releases a field and announces the release.
func (e *Engine) FreeField(space types.FieldSpaceID, field types.FieldID) error {
	if err := e.forest.FreeField(space, field); err != nil {
		return err
	}
	record := wire.FieldAllocRecord{
		Space: space,
		Field: field,
		Freed: 1,
	}
	e.msgs.Broadcast(types.MsgFieldAllocNotify, wire.Put(&record))
	return nil
}

// CreateTree creates a top-level region over an index space and a field
// space and announces it.
func (e *Engine) CreateTree(
	index types.IndexSpaceID,
	fields types.FieldSpaceID,
) (types.LogicalRegion, error) {
	region, err := e.forest.CreateTree(index, fields)
	if err != nil {
		return types.LogicalRegion{}, err
	}
	record := wire.RegionRecord{
		Region: region,
		Gen:    1,
	}
	e.msgs.Broadcast(types.MsgRegionNode, wire.Put(&record))
	return region, nil
}

// DestroyRegion marks a region deleted. The node itself survives until
// every reference named by in-flight analyses is released and two garbage
// collection epochs pass.
func (e *Engine) DestroyRegion(region types.LogicalRegion) error {
	return e.forest.MarkDeleted(region)
}

// FetchIndexSpace pulls an index space node from the peer owning it.
func (e *Engine) FetchIndexSpace(
	ctx context.Context,
	target types.AddressSpaceID,
	id types.IndexSpaceID,
) error {
	request := wire.StructureRequestRecord{
		Index: id,
	}
	_, payload, err := e.msgs.Request(ctx, target, types.MsgIndexSpaceRequest, wire.Put(&request))
	if err != nil {
		return err
	}
	record, err := wire.Get[wire.IndexSpaceRecord](payload)
	if err != nil {
		return err
	}
	return e.forest.ImportIndexSpace(record)
}

// FetchIndexPartition pulls an index partition node from the peer owning it.
func (e *Engine) FetchIndexPartition(
	ctx context.Context,
	target types.AddressSpaceID,
	id types.IndexPartitionID,
) error {
	request := wire.StructureRequestRecord{
		Part: id,
	}
	_, payload, err := e.msgs.Request(ctx, target, types.MsgIndexPartitionRequest, wire.Put(&request))
	if err != nil {
		return err
	}
	record, err := wire.Get[wire.IndexPartitionRecord](payload)
	if err != nil {
		return err
	}
	return e.forest.ImportIndexPartition(record)
}

// PushVersion eagerly distributes the current version state of a region to
// a peer, making it a valid holder without a request round trip.
func (e *Engine) PushVersion(
	target types.AddressSpaceID,
	region types.LogicalRegion,
	fields mask.FieldMask,
) {
	for _, info := range e.versions.Resolve(region, fields) {
		if info.Version == 0 {
			continue
		}
		record := versionRecord(region, info)
		record.Valid.Add(target)
		e.msgs.Notify(target, types.MsgVersionInit, wire.Put(&record))
	}
}

func versionRecord(region types.LogicalRegion, info version.Info) wire.VersionRecord {
	return wire.VersionRecord{
		Region:  region,
		Mask:    info.Fields,
		DID:     info.DID,
		Version: info.Version,
		Valid:   info.Valid,
		Owner:   info.Owner,
	}
}
