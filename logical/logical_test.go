package logical

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/dist"
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/tree"
	"github.com/outofforest/strata/types"
)

type nullSender struct{}

func (s nullSender) Self() types.AddressSpaceID {
	return 0
}

func (s nullSender) Notify(types.AddressSpaceID, types.MessageKind, []byte) {}
func (s nullSender) Broadcast(types.MessageKind, []byte)                    {}

type fixture struct {
	forest   *tree.Forest
	registry *dist.Registry
	analyzer *Analyzer

	root  types.LogicalRegion
	left  types.LogicalRegion
	right types.LogicalRegion
	f0    types.FieldID
	f1    types.FieldID

	opSeq atomic.Uint64
}

// newFixture builds a tree of one root region split by a disjoint partition
// into left and right subregions, with two allocated fields.
func newFixture(t *testing.T) *fixture {
	requireT := require.New(t)

	fx := &fixture{}
	fx.registry = dist.New(dist.Config{Sender: nullSender{}})
	fx.forest = tree.New(tree.Config{Self: 0, Registry: fx.registry})

	index := fx.forest.CreateIndexSpace(types.Domain{Lo: 0, Hi: 99})
	part, err := fx.forest.CreateIndexPartition(index, 0, true)
	requireT.NoError(err)
	_, err = fx.forest.CreateIndexSubspace(part, 0, types.Domain{Lo: 0, Hi: 49})
	requireT.NoError(err)
	_, err = fx.forest.CreateIndexSubspace(part, 1, types.Domain{Lo: 50, Hi: 99})
	requireT.NoError(err)

	fields := fx.forest.CreateFieldSpace()
	fx.f0, err = fx.forest.AllocateField(fields, 8)
	requireT.NoError(err)
	fx.f1, err = fx.forest.AllocateField(fields, 8)
	requireT.NoError(err)

	fx.root, err = fx.forest.CreateTree(index, fields)
	requireT.NoError(err)

	p, err := fx.forest.RegionChild(fx.root, 0)
	requireT.NoError(err)
	fx.left, err = fx.forest.PartitionChild(p, 0)
	requireT.NoError(err)
	fx.right, err = fx.forest.PartitionChild(p, 1)
	requireT.NoError(err)

	fx.opSeq.Store(1000)
	fx.analyzer = New(Config{
		Forest:   fx.forest,
		Registry: fx.registry,
		NextOp: func() types.OperationID {
			return types.OperationID(fx.opSeq.Add(1))
		},
	})
	return fx
}

func (fx *fixture) write(region types.LogicalRegion, fields mask.FieldMask) Requirement {
	return Requirement{
		Region:    region,
		Fields:    fields,
		Privilege: types.ReadWrite,
		Coherence: types.Exclusive,
	}
}

func (fx *fixture) read(region types.LogicalRegion, fields mask.FieldMask) Requirement {
	return Requirement{
		Region:    region,
		Fields:    fields,
		Privilege: types.ReadOnly,
		Coherence: types.Exclusive,
	}
}

func (fx *fixture) reduce(region types.LogicalRegion, fields mask.FieldMask, redop types.ReductionOpID) Requirement {
	return Requirement{
		Region:    region,
		Fields:    fields,
		Privilege: types.Reduce,
		Coherence: types.Exclusive,
		Redop:     redop,
	}
}

func TestReadAfterWriteDependsOnWrittenFieldsOnly(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	result, err := fx.analyzer.Register(1, fx.write(fx.root, mask.Fields(fx.f0)))
	requireT.NoError(err)
	requireT.Empty(result.Deps)

	result, err = fx.analyzer.Register(2, fx.read(fx.root, mask.Fields(fx.f0, fx.f1)))
	requireT.NoError(err)
	requireT.Len(result.Deps, 1)
	requireT.Equal(types.OperationID(1), result.Deps[0].Predecessor)
	requireT.Equal(types.TrueDependence, result.Deps[0].Type)
	requireT.Equal(mask.Fields(fx.f0), result.Deps[0].Fields)
}

func TestReadsNeverSerialize(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	_, err := fx.analyzer.Register(1, fx.read(fx.root, mask.Fields(fx.f0)))
	requireT.NoError(err)
	result, err := fx.analyzer.Register(2, fx.read(fx.root, mask.Fields(fx.f0)))
	requireT.NoError(err)
	requireT.Empty(result.Deps)
}

func TestDisjointFieldsNeverSerialize(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	_, err := fx.analyzer.Register(1, fx.write(fx.left, mask.Fields(fx.f0)))
	requireT.NoError(err)
	result, err := fx.analyzer.Register(2, fx.write(fx.left, mask.Fields(fx.f1)))
	requireT.NoError(err)
	requireT.Empty(result.Deps)
	requireT.Empty(result.Closes)
}

func TestAntiDependence(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	_, err := fx.analyzer.Register(1, fx.read(fx.root, mask.Fields(fx.f0)))
	requireT.NoError(err)
	result, err := fx.analyzer.Register(2, fx.write(fx.root, mask.Fields(fx.f0)))
	requireT.NoError(err)
	requireT.Len(result.Deps, 1)
	requireT.Equal(types.AntiDependence, result.Deps[0].Type)
}

func TestAtomicCoherence(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	req := fx.write(fx.root, mask.Fields(fx.f0))
	req.Coherence = types.Atomic
	_, err := fx.analyzer.Register(1, req)
	requireT.NoError(err)

	result, err := fx.analyzer.Register(2, req)
	requireT.NoError(err)
	requireT.Len(result.Deps, 1)
	requireT.Equal(types.AtomicDependence, result.Deps[0].Type)
	requireT.True(result.Deps[0].Type.Blocking())
}

func TestSimultaneousCoherence(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	req := fx.write(fx.root, mask.Fields(fx.f0))
	req.Coherence = types.Simultaneous
	_, err := fx.analyzer.Register(1, req)
	requireT.NoError(err)

	relaxed := req
	relaxed.Coherence = types.Relaxed
	result, err := fx.analyzer.Register(2, relaxed)
	requireT.NoError(err)
	requireT.Len(result.Deps, 1)
	requireT.Equal(types.SimultaneousDependence, result.Deps[0].Type)
	requireT.False(result.Deps[0].Type.Blocking())
}

func TestSameReductionOperatorsCommute(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	for op := types.OperationID(1); op <= 3; op++ {
		result, err := fx.analyzer.Register(op, fx.reduce(fx.root, mask.Fields(fx.f0), 7))
		requireT.NoError(err)
		requireT.Empty(result.Deps)
	}

	// A different operator serializes against all three.
	result, err := fx.analyzer.Register(4, fx.reduce(fx.root, mask.Fields(fx.f0), 8))
	requireT.NoError(err)
	requireT.Len(result.Deps, 3)
	for _, dep := range result.Deps {
		requireT.Equal(types.TrueDependence, dep.Type)
	}
}

func TestSequentialOrderReconstruction(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.write(fx.root, fields))
	requireT.NoError(err)
	_, err = fx.analyzer.Register(2, fx.read(fx.root, fields))
	requireT.NoError(err)
	_, err = fx.analyzer.Register(3, fx.read(fx.root, fields))
	requireT.NoError(err)

	// The second writer waits for both reads and the first write.
	result, err := fx.analyzer.Register(4, fx.write(fx.root, fields))
	requireT.NoError(err)
	preds := map[types.OperationID]types.DependenceType{}
	for _, dep := range result.Deps {
		preds[dep.Predecessor] = dep.Type
	}
	requireT.Len(preds, 3)
	requireT.Equal(types.TrueDependence, preds[1])
	requireT.Equal(types.AntiDependence, preds[2])
	requireT.Equal(types.AntiDependence, preds[3])

	// The writer supersedes everything before it.
	result, err = fx.analyzer.Register(5, fx.write(fx.root, fields))
	requireT.NoError(err)
	requireT.Len(result.Deps, 1)
	requireT.Equal(types.OperationID(4), result.Deps[0].Predecessor)
}

func TestSiblingConflictEmitsClose(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.write(fx.left, fields))
	requireT.NoError(err)

	// Reading the sibling flushes the open write with a synthetic close.
	result, err := fx.analyzer.Register(2, fx.read(fx.right, fields))
	requireT.NoError(err)
	requireT.Len(result.Closes, 1)

	closed := result.Closes[0]
	requireT.Equal(fields, closed.Fields)
	requireT.Len(closed.Deps, 1)
	requireT.Equal(types.OperationID(1), closed.Deps[0].Predecessor)
	requireT.Equal(types.TrueDependence, closed.Deps[0].Type)

	requireT.Len(result.Deps, 1)
	requireT.Equal(closed.Op, result.Deps[0].Predecessor)
	requireT.Equal(types.TrueDependence, result.Deps[0].Type)
}

func TestSameBranchNeverCloses(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.write(fx.left, fields))
	requireT.NoError(err)

	result, err := fx.analyzer.Register(2, fx.write(fx.left, fields))
	requireT.NoError(err)
	requireT.Empty(result.Closes)
	requireT.Len(result.Deps, 1)
	requireT.Equal(types.OperationID(1), result.Deps[0].Predecessor)
}

func TestReadOnlySiblingsStayOpen(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.read(fx.left, fields))
	requireT.NoError(err)

	result, err := fx.analyzer.Register(2, fx.read(fx.right, fields))
	requireT.NoError(err)
	requireT.Empty(result.Closes)
	requireT.Empty(result.Deps)
}

func TestMultiReduceSiblings(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.reduce(fx.left, fields, 7))
	requireT.NoError(err)

	// Same operator on the sibling widens the open state without a close.
	result, err := fx.analyzer.Register(2, fx.reduce(fx.right, fields, 7))
	requireT.NoError(err)
	requireT.Empty(result.Closes)
	requireT.Empty(result.Deps)

	// A read over the root flushes both branches with one close.
	result, err = fx.analyzer.Register(3, fx.read(fx.root, fields))
	requireT.NoError(err)
	requireT.Len(result.Closes, 1)
	requireT.Len(result.Closes[0].Deps, 2)
}

func TestCloseSubtree(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.write(fx.left, fields))
	requireT.NoError(err)

	closed, err := fx.analyzer.CloseSubtree(fx.root, fields)
	requireT.NoError(err)
	requireT.Equal(fields, closed.Fields)
	requireT.Len(closed.Deps, 1)
	requireT.Equal(types.OperationID(1), closed.Deps[0].Predecessor)

	// Nothing is left open afterwards.
	closed, err = fx.analyzer.CloseSubtree(fx.root, fields)
	requireT.NoError(err)
	requireT.Empty(closed.Deps)
	requireT.True(closed.Fields.IsEmpty())
}

func TestValidation(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	noRedop := Requirement{
		Region:    fx.root,
		Fields:    mask.Fields(fx.f0),
		Privilege: types.Reduce,
	}
	_, err := fx.analyzer.Register(1, noRedop)
	requireT.ErrorIs(err, ErrPrivilegeConflict)

	strayRedop := fx.write(fx.root, mask.Fields(fx.f0))
	strayRedop.Redop = 7
	_, err = fx.analyzer.Register(1, strayRedop)
	requireT.ErrorIs(err, ErrPrivilegeConflict)

	noAccess := Requirement{
		Region:    fx.root,
		Fields:    mask.Fields(fx.f0),
		Privilege: types.NoAccess,
	}
	_, err = fx.analyzer.Register(1, noAccess)
	requireT.ErrorIs(err, ErrPrivilegeConflict)
}

func TestRetireReleasesTreeReferences(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)

	c, err := fx.forest.Collectable(fx.root)
	requireT.NoError(err)
	before := c.ResourceCount()

	_, err = fx.analyzer.Register(1, fx.write(fx.root, mask.Fields(fx.f0)))
	requireT.NoError(err)
	requireT.Equal(before+1, c.ResourceCount())

	fx.analyzer.Retire(1)
	requireT.Equal(before, c.ResourceCount())
}

func TestTrace(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)
	fx.analyzer.EnableTrace()

	fields := mask.Fields(fx.f0)
	_, err := fx.analyzer.Register(1, fx.write(fx.root, fields))
	requireT.NoError(err)
	_, err = fx.analyzer.Register(2, fx.read(fx.root, fields))
	requireT.NoError(err)

	edges := fx.analyzer.TraceEdges()
	requireT.Len(edges, 1)
	requireT.Equal(types.OperationID(1), edges[0].From)
	requireT.Equal(types.OperationID(2), edges[0].To)
	requireT.Equal("true", edges[0].Type)
	requireT.Equal([]types.FieldID{fx.f0}, edges[0].Fields)

	b, err := fx.analyzer.TraceJSON()
	requireT.NoError(err)
	requireT.Contains(string(b), `"type":"true"`)
}

func TestEnableTraceDuringRegistration(t *testing.T) {
	requireT := require.New(t)
	fx := newFixture(t)
	fields := mask.Fields(fx.f0)

	errCh := make(chan error, 1)
	go func() {
		for i := range 50 {
			if _, err := fx.analyzer.Register(types.OperationID(i+1), fx.write(fx.root, fields)); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	fx.analyzer.EnableTrace()
	requireT.NoError(<-errCh)

	// Each writer depends on the previous one; edges recorded after the
	// enablement form a suffix of that chain.
	for _, edge := range fx.analyzer.TraceEdges() {
		requireT.Equal(edge.From+1, edge.To)
		requireT.Equal("true", edge.Type)
	}
}
