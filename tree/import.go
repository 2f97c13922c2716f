package tree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// Structural announce messages from peers are imported idempotently: a node
// that already exists is left untouched, a record with a stale generation
// is a structural error.

// ImportIndexSpace installs an index space announced by a peer.
func (f *Forest) ImportIndexSpace(record wire.IndexSpaceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, exists := f.indexSpaces[record.ID]; exists {
		if existing.Gen != record.Gen {
			return errors.Wrapf(ErrStructure, "index space %d generation mismatch: %d != %d",
				record.ID, existing.Gen, record.Gen)
		}
		return nil
	}

	node := &Node{
		Kind:     IndexSpace,
		Gen:      record.Gen,
		Index:    record.ID,
		Part:     record.Parent,
		Color:    record.Color,
		Domain:   record.Domain,
		children: map[types.Color]uint64{},
	}
	f.indexSpaces[record.ID] = node
	if record.Parent != 0 {
		if parentNode, exists := f.indexParts[record.Parent]; exists {
			parentNode.children[record.Color] = uint64(record.ID)
		}
	}
	// Announces from different creators have no mutual ordering, so child
	// partitions may have arrived first. Reattach them.
	for id, part := range f.indexParts {
		if part.Index == record.ID {
			node.children[part.Color] = uint64(id)
		}
	}
	return nil
}

// ExportIndexSpace builds the announce record for an index space.
func (f *Forest) ExportIndexSpace(id types.IndexSpaceID) (wire.IndexSpaceRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.indexSpaces[id]
	if !exists {
		return wire.IndexSpaceRecord{}, errors.Wrapf(ErrStructure, "unknown index space %d", id)
	}
	return wire.IndexSpaceRecord{
		ID:     id,
		Parent: node.Part,
		Color:  node.Color,
		Gen:    node.Gen,
		Domain: node.Domain,
	}, nil
}

// ImportIndexPartition installs an index partition announced by a peer.
func (f *Forest) ImportIndexPartition(record wire.IndexPartitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, exists := f.indexParts[record.ID]; exists {
		if existing.Gen != record.Gen {
			return errors.Wrapf(ErrStructure, "index partition %d generation mismatch: %d != %d",
				record.ID, existing.Gen, record.Gen)
		}
		return nil
	}

	node := &Node{
		Kind:     IndexPartition,
		Gen:      record.Gen,
		Part:     record.ID,
		Index:    record.Parent,
		Color:    record.Color,
		Disjoint: record.Disjoint != 0,
		children: map[types.Color]uint64{},
	}
	f.indexParts[record.ID] = node
	if parentNode, exists := f.indexSpaces[record.Parent]; exists {
		parentNode.children[record.Color] = uint64(record.ID)
	}
	// Child subspaces announced before this partition reattach here.
	for id, space := range f.indexSpaces {
		if space.Part == record.ID {
			node.children[space.Color] = uint64(id)
		}
	}
	return nil
}

// ExportIndexPartition builds the announce record for an index partition.
func (f *Forest) ExportIndexPartition(id types.IndexPartitionID) (wire.IndexPartitionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.indexParts[id]
	if !exists {
		return wire.IndexPartitionRecord{}, errors.Wrapf(ErrStructure, "unknown index partition %d", id)
	}
	record := wire.IndexPartitionRecord{
		ID:     id,
		Parent: node.Index,
		Color:  node.Color,
		Gen:    node.Gen,
	}
	if node.Disjoint {
		record.Disjoint = 1
	}
	return record, nil
}

// ImportFieldSpace installs a field space announced by a peer.
func (f *Forest) ImportFieldSpace(record wire.FieldSpaceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, exists := f.fieldSpaces[record.ID]; exists {
		if existing.Gen != record.Gen {
			return errors.Wrapf(ErrStructure, "field space %d generation mismatch: %d != %d",
				record.ID, existing.Gen, record.Gen)
		}
		return nil
	}
	f.fieldSpaces[record.ID] = &Node{
		Kind:         FieldSpace,
		Gen:          record.Gen,
		FieldSpaceID: record.ID,
		fields:       map[types.FieldID]FieldInfo{},
	}
	return nil
}

// ImportFieldAlloc applies a field allocation or release from a peer.
func (f *Forest) ImportFieldAlloc(record wire.FieldAllocRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.fieldSpaces[record.Space]
	if !exists {
		return errors.Wrapf(ErrStructure, "unknown field space %d", record.Space)
	}

	if record.Freed != 0 {
		delete(node.fields, record.Field)
		node.allocated.Remove(record.Field)
		return nil
	}

	node.fields[record.Field] = FieldInfo{
		Offset: record.Offset,
		Size:   record.Size,
	}
	node.allocated.Add(record.Field)
	if record.Field >= node.nextField {
		node.nextField = record.Field + 1
	}
	if end := record.Offset + record.Size; end > node.nextOffset {
		node.nextOffset = end
	}
	return nil
}

// ImportRegion installs a top-level region announced by a peer.
func (f *Forest) ImportRegion(record wire.RegionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, exists := f.regions[record.Region]; exists {
		if existing.Gen != record.Gen {
			return errors.Wrapf(ErrStructure, "region generation mismatch: %d != %d",
				existing.Gen, record.Gen)
		}
		return nil
	}
	f.trees[record.Region.Tree] = record.Region
	node := f.regionNode(record.Region)
	node.Gen = record.Gen
	return nil
}
