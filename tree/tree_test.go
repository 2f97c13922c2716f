package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/dist"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

type nullSender struct {
	self types.AddressSpaceID
}

func (s nullSender) Self() types.AddressSpaceID {
	return s.self
}

func (s nullSender) Notify(types.AddressSpaceID, types.MessageKind, []byte) {}
func (s nullSender) Broadcast(types.MessageKind, []byte)                    {}

func newForest(self types.AddressSpaceID) *Forest {
	return New(Config{
		Self:     self,
		Registry: dist.New(dist.Config{Sender: nullSender{self: self}}),
	})
}

// buildTree creates a two-level tree: root region split by a disjoint
// partition into two subregions.
func buildTree(t *testing.T, f *Forest) (types.LogicalRegion, types.LogicalRegion, types.LogicalRegion) {
	requireT := require.New(t)

	index := f.CreateIndexSpace(types.Domain{Lo: 0, Hi: 99})
	part, err := f.CreateIndexPartition(index, 0, true)
	requireT.NoError(err)
	_, err = f.CreateIndexSubspace(part, 0, types.Domain{Lo: 0, Hi: 49})
	requireT.NoError(err)
	_, err = f.CreateIndexSubspace(part, 1, types.Domain{Lo: 50, Hi: 99})
	requireT.NoError(err)

	fields := f.CreateFieldSpace()
	_, err = f.AllocateField(fields, 8)
	requireT.NoError(err)

	root, err := f.CreateTree(index, fields)
	requireT.NoError(err)

	p, err := f.RegionChild(root, 0)
	requireT.NoError(err)
	left, err := f.PartitionChild(p, 0)
	requireT.NoError(err)
	right, err := f.PartitionChild(p, 1)
	requireT.NoError(err)
	return root, left, right
}

func TestCreateIndexPartitionIsIdempotent(t *testing.T) {
	requireT := require.New(t)
	f := newForest(0)

	index := f.CreateIndexSpace(types.Domain{Lo: 0, Hi: 9})
	p1, err := f.CreateIndexPartition(index, 3, true)
	requireT.NoError(err)
	p2, err := f.CreateIndexPartition(index, 3, true)
	requireT.NoError(err)
	requireT.Equal(p1, p2)
}

func TestUnknownColor(t *testing.T) {
	requireT := require.New(t)
	f := newForest(0)

	root, _, _ := buildTree(t, f)
	_, err := f.RegionChild(root, 9)
	requireT.ErrorIs(err, ErrStructure)
}

func TestFieldAllocation(t *testing.T) {
	requireT := require.New(t)
	f := newForest(0)

	space := f.CreateFieldSpace()
	f1, err := f.AllocateField(space, 8)
	requireT.NoError(err)
	f2, err := f.AllocateField(space, 4)
	requireT.NoError(err)
	requireT.NotEqual(f1, f2)

	info, err := f.FieldInfoOf(space, f2)
	requireT.NoError(err)
	requireT.Equal(uint32(8), info.Offset)
	requireT.Equal(uint32(4), info.Size)

	allocated, err := f.AllocatedFields(space)
	requireT.NoError(err)
	requireT.Equal(2, allocated.Count())

	requireT.NoError(f.FreeField(space, f1))
	allocated, err = f.AllocatedFields(space)
	requireT.NoError(err)
	requireT.Equal(1, allocated.Count())

	_, err = f.FieldInfoOf(space, f1)
	requireT.ErrorIs(err, ErrStructure)
}

func TestPath(t *testing.T) {
	requireT := require.New(t)
	f := newForest(0)

	root, left, right := buildTree(t, f)

	steps, err := f.Path(left)
	requireT.NoError(err)
	requireT.Len(steps, 3)

	requireT.True(steps[0].IsRegion)
	requireT.Equal(root, steps[0].Region)
	requireT.Equal(types.Color(0), steps[0].ChildColor)

	requireT.False(steps[1].IsRegion)
	requireT.Equal(types.Color(0), steps[1].ChildColor)
	requireT.True(f.Disjoint(steps[1].Partition))

	requireT.True(steps[2].IsRegion)
	requireT.Equal(left, steps[2].Region)

	steps, err = f.Path(right)
	requireT.NoError(err)
	requireT.Equal(types.Color(1), steps[1].ChildColor)

	steps, err = f.Path(root)
	requireT.NoError(err)
	requireT.Len(steps, 1)
}

func TestParents(t *testing.T) {
	requireT := require.New(t)
	f := newForest(0)

	root, left, _ := buildTree(t, f)

	_, exists, err := f.RegionParent(root)
	requireT.NoError(err)
	requireT.False(exists)

	p, exists, err := f.RegionParent(left)
	requireT.NoError(err)
	requireT.True(exists)

	back, err := f.PartitionParent(p)
	requireT.NoError(err)
	requireT.Equal(root, back)
}

func TestTwoPhaseDeletion(t *testing.T) {
	requireT := require.New(t)
	f := newForest(0)

	root, _, _ := buildTree(t, f)

	c, err := f.Collectable(root)
	requireT.NoError(err)
	requireT.Equal(int64(1), c.ResourceCount())

	// Removal before deletion is a caller bug.
	requireT.Error(f.Remove(root))

	requireT.NoError(f.MarkDeleted(root))
	requireT.Equal(int64(0), c.ResourceCount())
	requireT.NoError(f.Remove(root))

	_, err = f.Collectable(root)
	requireT.Error(err)
}

func TestImportIsIdempotent(t *testing.T) {
	requireT := require.New(t)

	creator := newForest(0)
	index := creator.CreateIndexSpace(types.Domain{Lo: 0, Hi: 9})
	record, err := creator.ExportIndexSpace(index)
	requireT.NoError(err)

	replica := newForest(1)
	requireT.NoError(replica.ImportIndexSpace(record))
	requireT.NoError(replica.ImportIndexSpace(record))

	record.Gen++
	requireT.ErrorIs(replica.ImportIndexSpace(record), ErrStructure)
}

func TestImportedTreeNavigates(t *testing.T) {
	requireT := require.New(t)

	creator := newForest(0)
	root, left, _ := buildTree(t, creator)

	replica := newForest(1)

	indexRecord, err := creator.ExportIndexSpace(root.Index)
	requireT.NoError(err)
	requireT.NoError(replica.ImportIndexSpace(indexRecord))

	p, _, err := creator.RegionParent(left)
	requireT.NoError(err)
	partRecord, err := creator.ExportIndexPartition(p.Part)
	requireT.NoError(err)
	requireT.NoError(replica.ImportIndexPartition(partRecord))

	leftRecord, err := creator.ExportIndexSpace(left.Index)
	requireT.NoError(err)
	requireT.NoError(replica.ImportIndexSpace(leftRecord))

	requireT.NoError(replica.ImportFieldSpace(wire.FieldSpaceRecord{ID: root.Fields, Gen: 1}))
	requireT.NoError(replica.ImportRegion(wire.RegionRecord{Region: root, Gen: 1}))

	steps, err := replica.Path(left)
	requireT.NoError(err)
	requireT.Len(steps, 3)
	requireT.Equal(root, steps[0].Region)
}

func TestImportOutOfOrderReattaches(t *testing.T) {
	requireT := require.New(t)

	creator := newForest(0)
	root, left, _ := buildTree(t, creator)

	p, _, err := creator.RegionParent(left)
	requireT.NoError(err)

	indexRecord, err := creator.ExportIndexSpace(root.Index)
	requireT.NoError(err)
	partRecord, err := creator.ExportIndexPartition(p.Part)
	requireT.NoError(err)
	leftRecord, err := creator.ExportIndexSpace(left.Index)
	requireT.NoError(err)

	// Children arrive before their parents.
	replica := newForest(1)
	requireT.NoError(replica.ImportIndexSpace(leftRecord))
	requireT.NoError(replica.ImportIndexPartition(partRecord))
	requireT.NoError(replica.ImportIndexSpace(indexRecord))

	requireT.NoError(replica.ImportFieldSpace(wire.FieldSpaceRecord{ID: root.Fields, Gen: 1}))
	requireT.NoError(replica.ImportRegion(wire.RegionRecord{Region: root, Gen: 1}))

	back, err := replica.RegionChild(root, 0)
	requireT.NoError(err)
	requireT.Equal(p, back)

	steps, err := replica.Path(left)
	requireT.NoError(err)
	requireT.Len(steps, 3)
	requireT.Equal(root, steps[0].Region)
	requireT.Equal(left, steps[2].Region)
}
