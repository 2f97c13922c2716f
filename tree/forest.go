// Package tree implements the region tree: the naming hierarchy of index
// spaces, index partitions, field spaces, regions and partitions. The
// forest owns structure and navigation only; tree-walking analysis state
// lives with the analyzer. Nodes are arena entries keyed by stable IDs and
// generations, and every cross-reference is an ID lookup, never a pointer
// web.
package tree

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/strata/dist"
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
)

// ErrStructure reports a malformed tree reference: an unknown color, an
// unknown node or a stale generation. Always a caller bug, never retried.
var ErrStructure = errors.New("malformed region tree reference")

// Kind discriminates tree node variants.
type Kind uint8

// Tree node kinds.
const (
	// IndexSpace is a point set node.
	IndexSpace Kind = iota

	// IndexPartition is a partition of an index space.
	IndexPartition

	// FieldSpace is a namespace of fields.
	FieldSpace

	// Region is an (index space, field space) pairing in a tree.
	Region

	// Partition is an (index partition, field space) pairing in a tree.
	Partition
)

// idBits is the number of low bits holding the local sequence of node IDs.
// The creating address space lives in the high bits, so IDs minted on
// different spaces never collide.
const idBits = 40

// FieldInfo describes an allocated field.
type FieldInfo struct {
	Offset uint32
	Size   uint32
}

// Node is a tagged variant over the five tree node shapes. Only the fields
// of the active kind are meaningful.
type Node struct {
	Kind    Kind
	Gen     types.Generation
	Deleted bool

	// IndexSpace, IndexPartition.
	Index    types.IndexSpaceID
	Part     types.IndexPartitionID
	Color    types.Color
	Domain   types.Domain
	Disjoint bool
	children map[types.Color]uint64

	// FieldSpace.
	FieldSpaceID types.FieldSpaceID
	fields       map[types.FieldID]FieldInfo
	allocated    mask.FieldMask
	nextField    types.FieldID
	nextOffset   uint32

	// Region, Partition.
	Region      types.LogicalRegion
	PartitionID types.LogicalPartition
	collectable *dist.Collectable
}

// Config stores forest configuration.
type Config struct {
	Self     types.AddressSpaceID
	Registry *dist.Registry
}

// New creates an empty forest.
func New(config Config) *Forest {
	return &Forest{
		config:      config,
		indexSpaces: map[types.IndexSpaceID]*Node{},
		indexParts:  map[types.IndexPartitionID]*Node{},
		fieldSpaces: map[types.FieldSpaceID]*Node{},
		regions:     map[types.LogicalRegion]*Node{},
		partitions:  map[types.LogicalPartition]*Node{},
		trees:       map[types.TreeID]types.LogicalRegion{},
	}
}

// Forest owns every tree node known to this address space.
type Forest struct {
	config Config

	mu          sync.RWMutex
	indexSpaces map[types.IndexSpaceID]*Node
	indexParts  map[types.IndexPartitionID]*Node
	fieldSpaces map[types.FieldSpaceID]*Node
	regions     map[types.LogicalRegion]*Node
	partitions  map[types.LogicalPartition]*Node
	trees       map[types.TreeID]types.LogicalRegion
	seq         uint64
}

func (f *Forest) nextID() uint64 {
	f.seq++
	return uint64(f.config.Self)<<idBits | f.seq
}

// CreateIndexSpace creates a root index space node.
func (f *Forest) CreateIndexSpace(domain types.Domain) types.IndexSpaceID {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := types.IndexSpaceID(f.nextID())
	f.indexSpaces[id] = &Node{
		Kind:     IndexSpace,
		Gen:      1,
		Index:    id,
		Domain:   domain,
		children: map[types.Color]uint64{},
	}
	return id
}

// CreateIndexPartition partitions an index space. Creation is idempotent
// keyed by (parent, color) so duplicate creation messages from different
// requesters converge on one node.
func (f *Forest) CreateIndexPartition(
	parent types.IndexSpaceID,
	color types.Color,
	disjoint bool,
) (types.IndexPartitionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parentNode, exists := f.indexSpaces[parent]
	if !exists {
		return 0, errors.Wrapf(ErrStructure, "unknown index space %d", parent)
	}
	if parentNode.Deleted {
		return 0, errors.Wrapf(ErrStructure, "index space %d is marked for deletion", parent)
	}
	if existing, exists := parentNode.children[color]; exists {
		return types.IndexPartitionID(existing), nil
	}

	id := types.IndexPartitionID(f.nextID())
	f.indexParts[id] = &Node{
		Kind:     IndexPartition,
		Gen:      1,
		Part:     id,
		Index:    parent,
		Color:    color,
		Disjoint: disjoint,
		children: map[types.Color]uint64{},
	}
	parentNode.children[color] = uint64(id)
	return id, nil
}

// CreateIndexSubspace creates a child index space of a partition,
// idempotent keyed by (parent, color).
func (f *Forest) CreateIndexSubspace(
	parent types.IndexPartitionID,
	color types.Color,
	domain types.Domain,
) (types.IndexSpaceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parentNode, exists := f.indexParts[parent]
	if !exists {
		return 0, errors.Wrapf(ErrStructure, "unknown index partition %d", parent)
	}
	if parentNode.Deleted {
		return 0, errors.Wrapf(ErrStructure, "index partition %d is marked for deletion", parent)
	}
	if existing, exists := parentNode.children[color]; exists {
		return types.IndexSpaceID(existing), nil
	}

	id := types.IndexSpaceID(f.nextID())
	f.indexSpaces[id] = &Node{
		Kind:     IndexSpace,
		Gen:      1,
		Index:    id,
		Part:     parent,
		Color:    color,
		Domain:   domain,
		children: map[types.Color]uint64{},
	}
	parentNode.children[color] = uint64(id)
	return id, nil
}

// CreateFieldSpace creates a field space node.
func (f *Forest) CreateFieldSpace() types.FieldSpaceID {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := types.FieldSpaceID(f.nextID())
	f.fieldSpaces[id] = &Node{
		Kind:         FieldSpace,
		Gen:          1,
		FieldSpaceID: id,
		fields:       map[types.FieldID]FieldInfo{},
	}
	return id
}

// AllocateField allocates a field inside a field space. Field capacity is a
// deployment constant; exhausting it panics as a configuration error.
func (f *Forest) AllocateField(space types.FieldSpaceID, size uint32) (types.FieldID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.fieldSpaces[space]
	if !exists {
		return 0, errors.Wrapf(ErrStructure, "unknown field space %d", space)
	}

	id := node.nextField
	node.nextField++
	node.fields[id] = FieldInfo{
		Offset: node.nextOffset,
		Size:   size,
	}
	node.nextOffset += size
	node.allocated.Add(id)
	return id, nil
}

// FreeField releases a field.
func (f *Forest) FreeField(space types.FieldSpaceID, field types.FieldID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.fieldSpaces[space]
	if !exists {
		return errors.Wrapf(ErrStructure, "unknown field space %d", space)
	}
	if _, exists := node.fields[field]; !exists {
		return errors.Wrapf(ErrStructure, "field %d not allocated in space %d", field, space)
	}
	delete(node.fields, field)
	node.allocated.Remove(field)
	return nil
}

// FieldInfoOf returns offset and size of a field.
func (f *Forest) FieldInfoOf(space types.FieldSpaceID, field types.FieldID) (FieldInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.fieldSpaces[space]
	if !exists {
		return FieldInfo{}, errors.Wrapf(ErrStructure, "unknown field space %d", space)
	}
	info, exists := node.fields[field]
	if !exists {
		return FieldInfo{}, errors.Wrapf(ErrStructure, "field %d not allocated in space %d", field, space)
	}
	return info, nil
}

// AllocatedFields returns the mask of allocated fields of a field space.
func (f *Forest) AllocatedFields(space types.FieldSpaceID) (mask.FieldMask, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.fieldSpaces[space]
	if !exists {
		return mask.FieldMask{}, errors.Wrapf(ErrStructure, "unknown field space %d", space)
	}
	return node.allocated, nil
}

// CreateTree roots a new region tree at (index space, field space).
func (f *Forest) CreateTree(
	index types.IndexSpaceID,
	fields types.FieldSpaceID,
) (types.LogicalRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.indexSpaces[index]; !exists {
		return types.LogicalRegion{}, errors.Wrapf(ErrStructure, "unknown index space %d", index)
	}
	if _, exists := f.fieldSpaces[fields]; !exists {
		return types.LogicalRegion{}, errors.Wrapf(ErrStructure, "unknown field space %d", fields)
	}

	tree := types.TreeID(f.nextID())
	root := types.LogicalRegion{
		Tree:   tree,
		Index:  index,
		Fields: fields,
	}
	f.trees[tree] = root
	f.regionNode(root)
	return root, nil
}

// regionNode returns the region node, creating it lazily when first named.
// Callers hold the forest mutex.
func (f *Forest) regionNode(r types.LogicalRegion) *Node {
	node, exists := f.regions[r]
	if !exists {
		node = &Node{
			Kind:        Region,
			Gen:         1,
			Region:      r,
			collectable: f.config.Registry.Mint(1),
		}
		f.regions[r] = node
	}
	return node
}

func (f *Forest) partitionNode(p types.LogicalPartition) *Node {
	node, exists := f.partitions[p]
	if !exists {
		node = &Node{
			Kind:        Partition,
			Gen:         1,
			PartitionID: p,
			collectable: f.config.Registry.Mint(1),
		}
		f.partitions[p] = node
	}
	return node
}

// Collectable returns the distributed collectable backing a region node.
func (f *Forest) Collectable(r types.LogicalRegion) (*dist.Collectable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkRegion(r); err != nil {
		return nil, err
	}
	return f.regionNode(r).collectable, nil
}

func (f *Forest) checkRegion(r types.LogicalRegion) error {
	if _, exists := f.trees[r.Tree]; !exists {
		return errors.Wrapf(ErrStructure, "unknown region tree %d", r.Tree)
	}
	if _, exists := f.indexSpaces[r.Index]; !exists {
		return errors.Wrapf(ErrStructure, "unknown index space %d", r.Index)
	}
	if _, exists := f.fieldSpaces[r.Fields]; !exists {
		return errors.Wrapf(ErrStructure, "unknown field space %d", r.Fields)
	}
	return nil
}

// MarkDeleted starts two-phase deletion of a region node. The node rejects
// new children but keeps answering queries; actual removal waits until all
// in-flight analyses drop their resource references.
func (f *Forest) MarkDeleted(r types.LogicalRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkRegion(r); err != nil {
		return err
	}
	node := f.regionNode(r)
	if node.Deleted {
		return nil
	}
	node.Deleted = true
	if indexNode, exists := f.indexSpaces[r.Index]; exists {
		indexNode.Deleted = true
	}
	f.config.Registry.RemoveResourceRef(node.collectable)
	return nil
}

// Remove completes deletion of a region node. It fails while analyses still
// hold resource references.
func (f *Forest) Remove(r types.LogicalRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.regions[r]
	if !exists {
		return errors.Wrapf(ErrStructure, "unknown region")
	}
	if !node.Deleted {
		return errors.New("region is not marked for deletion")
	}
	if node.collectable.ResourceCount() > 0 {
		return errors.Errorf("region still referenced by %d analyses", node.collectable.ResourceCount())
	}
	delete(f.regions, r)
	if root, exists := f.trees[r.Tree]; exists && root == r {
		delete(f.trees, r.Tree)
	}
	return nil
}
