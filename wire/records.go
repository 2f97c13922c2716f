package wire

import (
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
)

// IndexSpaceRecord announces or returns an index space node.
type IndexSpaceRecord struct {
	ID     types.IndexSpaceID
	Parent types.IndexPartitionID
	Color  types.Color
	Gen    types.Generation
	Domain types.Domain
}

// IndexPartitionRecord announces or returns an index partition node.
type IndexPartitionRecord struct {
	ID       types.IndexPartitionID
	Parent   types.IndexSpaceID
	Color    types.Color
	Gen      types.Generation
	Disjoint uint8
}

// FieldSpaceRecord announces a field space node.
type FieldSpaceRecord struct {
	ID  types.FieldSpaceID
	Gen types.Generation
}

// FieldAllocRecord announces allocation or release of a field.
type FieldAllocRecord struct {
	Space  types.FieldSpaceID
	Field  types.FieldID
	Offset uint32
	Size   uint32
	Freed  uint8
}

// RegionRecord announces a top-level region node.
type RegionRecord struct {
	Region types.LogicalRegion
	Gen    types.Generation
}

// StructureRequestRecord asks the owner for a structural node.
type StructureRequestRecord struct {
	Index types.IndexSpaceID
	Part  types.IndexPartitionID
}

// RefUpdateRecord reconciles a reference count delta to the owner. The
// message kind distinguishes valid from resource references.
type RefUpdateRecord struct {
	DID   types.DistributedID
	Gen   types.Generation
	Delta int64
}

// EpochRecord broadcasts a garbage collection epoch boundary.
type EpochRecord struct {
	Owner types.AddressSpaceID
	Epoch uint64
}

// VersionRequestRecord asks the owner of a version for its state.
type VersionRequestRecord struct {
	Region    types.LogicalRegion
	Mask      mask.FieldMask
	Version   types.VersionNumber
	Requester types.AddressSpaceID
}

// VersionRecord carries the authoritative state of a version. Redirect is
// meaningful only when HasRedirect is set; ownership moves at most once per
// version so a redirect is followed a single hop.
type VersionRecord struct {
	Region      types.LogicalRegion
	Mask        mask.FieldMask
	DID         types.DistributedID
	Version     types.VersionNumber
	Valid       mask.NodeMask
	Stale       mask.NodeMask
	Owner       types.AddressSpaceID
	Redirect    types.AddressSpaceID
	HasRedirect uint8
}

// InstanceRequestRecord asks for the instances valid for a region subset.
type InstanceRequestRecord struct {
	Region types.LogicalRegion
	Mask   mask.FieldMask
}

// InstanceRecord describes a physical instance held by an address space.
type InstanceRecord struct {
	Instance types.InstanceID
	Space    types.AddressSpaceID
	Fields   mask.FieldMask
	Procs    mask.ProcessorMask
}

// GCPriorityRecord updates the collection priority of an instance.
type GCPriorityRecord struct {
	Instance types.InstanceID
	Priority int64
}

// ShutdownRecord carries one step of the shutdown handshake.
type ShutdownRecord struct {
	Phase    uint64
	Observed uint64
}
