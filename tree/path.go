package tree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/strata/types"
)

// Step is one node on the path from a tree root to a target region. Child
// colors select the branch taken below this node; they are meaningless on
// the final step.
type Step struct {
	// Region is set on region steps, Partition on partition steps.
	IsRegion  bool
	Region    types.LogicalRegion
	Partition types.LogicalPartition

	// ChildColor is the color of the next step's node under this one.
	ChildColor types.Color
}

// RegionChild resolves the partition of a region by color.
func (f *Forest) RegionChild(r types.LogicalRegion, color types.Color) (types.LogicalPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkRegion(r); err != nil {
		return types.LogicalPartition{}, err
	}
	indexNode := f.indexSpaces[r.Index]
	child, exists := indexNode.children[color]
	if !exists {
		return types.LogicalPartition{}, errors.Wrapf(ErrStructure,
			"index space %d has no partition colored %d", r.Index, color)
	}

	p := types.LogicalPartition{
		Tree:   r.Tree,
		Part:   types.IndexPartitionID(child),
		Fields: r.Fields,
	}
	f.partitionNode(p)
	return p, nil
}

// PartitionChild resolves the subregion of a partition by color.
func (f *Forest) PartitionChild(p types.LogicalPartition, color types.Color) (types.LogicalRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	partNode, exists := f.indexParts[p.Part]
	if !exists {
		return types.LogicalRegion{}, errors.Wrapf(ErrStructure, "unknown index partition %d", p.Part)
	}
	child, exists := partNode.children[color]
	if !exists {
		return types.LogicalRegion{}, errors.Wrapf(ErrStructure,
			"index partition %d has no subspace colored %d", p.Part, color)
	}

	r := types.LogicalRegion{
		Tree:   p.Tree,
		Index:  types.IndexSpaceID(child),
		Fields: p.Fields,
	}
	f.regionNode(r)
	return r, nil
}

// RegionParent returns the partition above a region, or false at a root.
func (f *Forest) RegionParent(r types.LogicalRegion) (types.LogicalPartition, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	indexNode, exists := f.indexSpaces[r.Index]
	if !exists {
		return types.LogicalPartition{}, false, errors.Wrapf(ErrStructure, "unknown index space %d", r.Index)
	}
	if indexNode.Part == 0 {
		return types.LogicalPartition{}, false, nil
	}
	return types.LogicalPartition{
		Tree:   r.Tree,
		Part:   indexNode.Part,
		Fields: r.Fields,
	}, true, nil
}

// PartitionParent returns the region above a partition.
func (f *Forest) PartitionParent(p types.LogicalPartition) (types.LogicalRegion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	partNode, exists := f.indexParts[p.Part]
	if !exists {
		return types.LogicalRegion{}, errors.Wrapf(ErrStructure, "unknown index partition %d", p.Part)
	}
	return types.LogicalRegion{
		Tree:   p.Tree,
		Index:  partNode.Index,
		Fields: p.Fields,
	}, nil
}

// Root returns the root region of a tree.
func (f *Forest) Root(tree types.TreeID) (types.LogicalRegion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	root, exists := f.trees[tree]
	if !exists {
		return types.LogicalRegion{}, errors.Wrapf(ErrStructure, "unknown region tree %d", tree)
	}
	return root, nil
}

// Disjoint tells whether a partition's subregions never overlap.
func (f *Forest) Disjoint(p types.LogicalPartition) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	partNode, exists := f.indexParts[p.Part]
	return exists && partNode.Disjoint
}

// Path returns the node sequence from the tree root down to the target
// region, root first, target last. Every step but the last carries the
// color of the branch taken beneath it.
func (f *Forest) Path(target types.LogicalRegion) ([]Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkRegion(target); err != nil {
		return nil, err
	}
	root, exists := f.trees[target.Tree]
	if !exists {
		return nil, errors.Wrapf(ErrStructure, "unknown region tree %d", target.Tree)
	}

	// Built bottom-up walking parent links, then reversed.
	steps := []Step{{
		IsRegion: true,
		Region:   target,
	}}
	f.regionNode(target)

	index := target.Index
	for index != root.Index {
		indexNode, exists := f.indexSpaces[index]
		if !exists {
			return nil, errors.Wrapf(ErrStructure, "unknown index space %d", index)
		}
		if indexNode.Part == 0 {
			return nil, errors.Wrapf(ErrStructure,
				"region %d is not below the root of tree %d", index, target.Tree)
		}

		partNode, exists := f.indexParts[indexNode.Part]
		if !exists {
			return nil, errors.Wrapf(ErrStructure, "unknown index partition %d", indexNode.Part)
		}

		p := types.LogicalPartition{
			Tree:   target.Tree,
			Part:   indexNode.Part,
			Fields: target.Fields,
		}
		f.partitionNode(p)
		steps = append(steps, Step{
			Partition:  p,
			ChildColor: indexNode.Color,
		})

		r := types.LogicalRegion{
			Tree:   target.Tree,
			Index:  partNode.Index,
			Fields: target.Fields,
		}
		f.regionNode(r)
		steps = append(steps, Step{
			IsRegion:   true,
			Region:     r,
			ChildColor: partNode.Color,
		})

		index = partNode.Index
	}

	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, nil
}
