package types

const (
	// DigestLength is the number of bytes taken by a frame digest.
	DigestLength = 32
)

type (
	// TreeID identifies a region tree rooted at a top-level region.
	TreeID uint64

	// IndexSpaceID identifies an index space node.
	IndexSpaceID uint64

	// IndexPartitionID identifies an index partition node.
	IndexPartitionID uint64

	// FieldSpaceID identifies a field space node.
	FieldSpaceID uint64

	// FieldID identifies a field inside a field space.
	FieldID uint32

	// Color discriminates children of a tree node.
	Color uint32

	// AddressSpaceID identifies a node of the cluster.
	AddressSpaceID uint32

	// ProcessorID identifies a processor inside an address space.
	ProcessorID uint32

	// DistributedID identifies an object referenced across address spaces.
	DistributedID uint64

	// Generation detects stale references to recycled identities.
	Generation uint32

	// OperationID identifies an operation submitted for dependence analysis.
	OperationID uint64

	// VersionNumber identifies an authoritative snapshot of field data.
	VersionNumber uint64

	// ReductionOpID identifies an associative reduction operator.
	ReductionOpID uint32

	// InstanceID identifies a physical instance owned by the external layer.
	InstanceID uint64
)

// DistributedIDBits is the number of low bits holding the local sequence
// of a distributed ID. The minting address space lives in the high bits so
// two spaces never mint the same ID.
const DistributedIDBits = 40

// MakeDistributedID builds a distributed ID minted by the given space.
func MakeDistributedID(space AddressSpaceID, sequence uint64) DistributedID {
	return DistributedID(uint64(space)<<DistributedIDBits | sequence)
}

// Minter returns the address space which minted the distributed ID.
func (did DistributedID) Minter() AddressSpaceID {
	return AddressSpaceID(did >> DistributedIDBits)
}

// PrivilegeMode describes the access an operation requests on fields.
type PrivilegeMode uint8

// Privilege modes.
const (
	// NoAccess requests no access at all.
	NoAccess PrivilegeMode = iota

	// ReadOnly requests read access.
	ReadOnly

	// ReadWrite requests read and write access.
	ReadWrite

	// WriteOnly requests write access discarding previous data.
	WriteOnly

	// Reduce requests application of an associative reduction operator.
	Reduce
)

// IsRead tells whether the privilege observes previous data.
func (p PrivilegeMode) IsRead() bool {
	return p == ReadOnly || p == ReadWrite
}

// IsWrite tells whether the privilege mutates data.
func (p PrivilegeMode) IsWrite() bool {
	return p == ReadWrite || p == WriteOnly
}

// CoherenceProperty modifies how overlapping accesses serialize.
type CoherenceProperty uint8

// Coherence properties.
const (
	// Exclusive demands full serialization of conflicting accesses.
	Exclusive CoherenceProperty = iota

	// Atomic allows reordering as long as accesses stay atomic.
	Atomic

	// Simultaneous permits concurrent conflicting accesses.
	Simultaneous

	// Relaxed permits concurrent accesses with no guarantees.
	Relaxed
)

// OpenState enumerates logical states of a field subset at a tree node.
type OpenState uint8

// Open states.
const (
	// NotOpen means no child holds unflushed accesses.
	NotOpen OpenState = iota

	// OpenReadOnly means children hold read accesses only.
	OpenReadOnly

	// OpenReadWrite means dirty data may exist below.
	OpenReadWrite

	// OpenSingleReduce means one child holds reductions below.
	OpenSingleReduce

	// OpenMultiReduce means multiple children reduce with the same operator.
	OpenMultiReduce
)

// DependenceType classifies an edge between two operations.
type DependenceType uint8

// Dependence types.
const (
	// NoDependence means the operations may run concurrently.
	NoDependence DependenceType = iota

	// TrueDependence means the later operation reads data the earlier wrote.
	TrueDependence

	// AntiDependence means the later operation overwrites data the earlier reads.
	AntiDependence

	// AtomicDependence means both sides requested atomic coherence.
	AtomicDependence

	// SimultaneousDependence is a non-blocking notification edge.
	SimultaneousDependence
)

// Blocking tells whether the edge must delay execution of the later operation.
func (d DependenceType) Blocking() bool {
	return d == TrueDependence || d == AntiDependence || d == AtomicDependence
}

// ChannelKind identifies one of the ordered virtual channels.
type ChannelKind uint8

// Virtual channels.
const (
	// DefaultChannel carries reference-count and GC traffic.
	DefaultChannel ChannelKind = iota

	// StructureChannel carries region tree structure updates.
	StructureChannel

	// VersionChannel carries version state traffic.
	VersionChannel

	// ViewChannel carries instance and view traffic.
	ViewChannel

	// MapperChannel carries mapper traffic.
	MapperChannel

	// ShutdownChannel carries the shutdown handshake.
	ShutdownChannel

	// NumChannels is the number of virtual channels.
	NumChannels
)

// MessageKind identifies the payload layout of a frame.
type MessageKind uint16

// Message kinds.
const (
	// MsgNone is the zero value, never sent.
	MsgNone MessageKind = iota

	// MsgIndexSpaceNode announces an index space node.
	MsgIndexSpaceNode

	// MsgIndexSpaceRequest requests an index space node.
	MsgIndexSpaceRequest

	// MsgIndexSpaceReturn returns a requested index space node.
	MsgIndexSpaceReturn

	// MsgIndexPartitionNode announces an index partition node.
	MsgIndexPartitionNode

	// MsgIndexPartitionRequest requests an index partition node.
	MsgIndexPartitionRequest

	// MsgIndexPartitionReturn returns a requested index partition node.
	MsgIndexPartitionReturn

	// MsgFieldSpaceNode announces a field space node.
	MsgFieldSpaceNode

	// MsgFieldAllocNotify announces field allocation inside a field space.
	MsgFieldAllocNotify

	// MsgRegionNode announces a top-level region node.
	MsgRegionNode

	// MsgValidUpdate reconciles valid reference counts to the owner.
	MsgValidUpdate

	// MsgResourceUpdate reconciles resource reference counts to the owner.
	MsgResourceUpdate

	// MsgGCEpoch broadcasts a garbage collection epoch boundary.
	MsgGCEpoch

	// MsgGCPriorityUpdate updates collection priority of an instance.
	MsgGCPriorityUpdate

	// MsgVersionPath announces the version path for a region subtree.
	MsgVersionPath

	// MsgVersionInit initializes version state on a remote space.
	MsgVersionInit

	// MsgVersionRequest requests version state from its owner.
	MsgVersionRequest

	// MsgVersionResponse carries requested version state.
	MsgVersionResponse

	// MsgVersionRedirect redirects a version request to the new owner.
	MsgVersionRedirect

	// MsgInstanceRequest requests a physical instance record.
	MsgInstanceRequest

	// MsgInstanceResponse carries a physical instance record.
	MsgInstanceResponse

	// MsgMapper carries opaque mapper traffic.
	MsgMapper

	// MsgShutdownNotify starts the shutdown handshake.
	MsgShutdownNotify

	// MsgShutdownResponse acknowledges the shutdown handshake.
	MsgShutdownResponse

	// NumMessageKinds is the number of message kinds.
	NumMessageKinds
)

// Channel returns the virtual channel a message kind travels on.
func (k MessageKind) Channel() ChannelKind {
	switch k {
	case MsgIndexSpaceNode, MsgIndexSpaceRequest, MsgIndexSpaceReturn,
		MsgIndexPartitionNode, MsgIndexPartitionRequest, MsgIndexPartitionReturn,
		MsgFieldSpaceNode, MsgFieldAllocNotify, MsgRegionNode:
		return StructureChannel
	case MsgVersionPath, MsgVersionInit, MsgVersionRequest, MsgVersionResponse, MsgVersionRedirect:
		return VersionChannel
	case MsgInstanceRequest, MsgInstanceResponse, MsgGCPriorityUpdate:
		return ViewChannel
	case MsgMapper:
		return MapperChannel
	case MsgShutdownNotify, MsgShutdownResponse:
		return ShutdownChannel
	default:
		return DefaultChannel
	}
}

// LogicalRegion names a region node: a (tree, index space, field space) triple.
type LogicalRegion struct {
	Tree   TreeID
	Index  IndexSpaceID
	Fields FieldSpaceID
}

// LogicalPartition names a partition node.
type LogicalPartition struct {
	Tree   TreeID
	Part   IndexPartitionID
	Fields FieldSpaceID
}

// Domain describes the point set of an index space.
type Domain struct {
	Lo int64
	Hi int64
}
