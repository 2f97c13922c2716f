package dist

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

func newTestCtx() context.Context {
	return logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
}

type capturingSender struct {
	self types.AddressSpaceID

	mu    sync.Mutex
	sends []captured
}

type captured struct {
	target  types.AddressSpaceID
	kind    types.MessageKind
	payload []byte
}

func (s *capturingSender) Self() types.AddressSpaceID {
	return s.self
}

func (s *capturingSender) Notify(target types.AddressSpaceID, kind types.MessageKind, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, captured{target: target, kind: kind, payload: payload})
}

func (s *capturingSender) Broadcast(kind types.MessageKind, payload []byte) {
	s.Notify(0, kind, payload)
}

func (s *capturingSender) captured() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), s.sends...)
}

func TestMintAndRefCounts(t *testing.T) {
	requireT := require.New(t)

	r := New(Config{Sender: &capturingSender{self: 0}})
	c := r.Mint(1)

	requireT.Equal(types.AddressSpaceID(0), c.Owner())
	requireT.Equal(types.AddressSpaceID(0), c.DID().Minter())
	requireT.Equal(int64(1), c.ResourceCount())
	requireT.Equal(int64(0), c.ValidCount())

	r.AddValidRef(c)
	r.AddValidRef(c)
	requireT.Equal(int64(2), c.ValidCount())
	r.RemoveValidRef(c)
	requireT.Equal(int64(1), c.ValidCount())

	found, exists := r.Lookup(c.DID())
	requireT.True(exists)
	requireT.Same(c, found)
}

func TestTrackIsIdempotent(t *testing.T) {
	requireT := require.New(t)

	r := New(Config{Sender: &capturingSender{self: 1}})
	did := types.MakeDistributedID(0, 7)

	c1 := r.Track(did, 1)
	c2 := r.Track(did, 1)
	requireT.Same(c1, c2)
	requireT.Equal(types.AddressSpaceID(0), c1.Owner())
	requireT.Equal(1, r.Len())
}

func TestReplicaReconcilesZeroCrossings(t *testing.T) {
	requireT := require.New(t)

	sender := &capturingSender{self: 1}
	r := New(Config{Sender: sender})
	c := r.Track(types.MakeDistributedID(0, 7), 1)

	r.AddValidRef(c)
	r.AddValidRef(c)
	r.RemoveValidRef(c)
	r.RemoveValidRef(c)
	r.AddResourceRef(c)

	sends := sender.captured()
	requireT.Len(sends, 3)
	requireT.Equal(types.MsgValidUpdate, sends[0].kind)
	requireT.Equal(types.MsgValidUpdate, sends[1].kind)
	requireT.Equal(types.MsgResourceUpdate, sends[2].kind)
	requireT.Equal(types.AddressSpaceID(0), sends[0].target)

	record, err := wire.Get[wire.RefUpdateRecord](sends[0].payload)
	requireT.NoError(err)
	requireT.Equal(int64(1), record.Delta)
}

func TestOwnerDefersDestructionTwoEpochs(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestCtx()

	var destroyed []types.DistributedID
	r := New(Config{
		Sender: &capturingSender{self: 0},
		OnDestroy: func(did types.DistributedID) {
			destroyed = append(destroyed, did)
		},
	})

	c := r.Mint(1)
	r.RemoveResourceRef(c)

	r.Advance(ctx)
	requireT.Empty(destroyed)
	requireT.Equal(1, r.Len())

	r.Advance(ctx)
	requireT.Equal([]types.DistributedID{c.DID()}, destroyed)
	requireT.Equal(0, r.Len())
}

func TestReferenceResetsEpochCounter(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestCtx()

	var destroyed int
	r := New(Config{
		Sender: &capturingSender{self: 0},
		OnDestroy: func(types.DistributedID) {
			destroyed++
		},
	})

	c := r.Mint(1)
	r.RemoveResourceRef(c)
	r.Advance(ctx)

	// A reference arriving between epochs keeps the object alive and the
	// countdown starts over once it drops again.
	r.AddResourceRef(c)
	r.Advance(ctx)
	r.RemoveResourceRef(c)
	r.Advance(ctx)
	requireT.Equal(0, destroyed)

	r.Advance(ctx)
	requireT.Equal(1, destroyed)
}

func TestStaleUpdateDropped(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestCtx()

	r := New(Config{Sender: &capturingSender{self: 0}})

	record := wire.RefUpdateRecord{
		DID:   types.MakeDistributedID(1, 99),
		Gen:   1,
		Delta: 1,
	}
	h := wire.Header{Kind: types.MsgValidUpdate}
	requireT.NoError(r.HandleRefUpdate(ctx, h, wire.Put(&record)))
	requireT.Equal(0, r.Len())
}

func TestHandleEpochPrunesReplicas(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestCtx()

	r := New(Config{Sender: &capturingSender{self: 1}})
	c := r.Track(types.MakeDistributedID(0, 7), 1)
	requireT.Equal(int64(0), c.ResourceCount())

	record := wire.EpochRecord{Owner: 0, Epoch: 1}
	requireT.NoError(r.HandleEpoch(ctx, wire.Header{}, wire.Put(&record)))
	requireT.Equal(1, r.Len())

	record.Epoch = 2
	requireT.NoError(r.HandleEpoch(ctx, wire.Header{}, wire.Put(&record)))
	requireT.Equal(0, r.Len())
}

func TestAdvanceBroadcastsEpoch(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestCtx()

	sender := &capturingSender{self: 0}
	r := New(Config{Sender: sender})

	r.Advance(ctx)
	r.Advance(ctx)
	requireT.Equal(uint64(2), r.Epoch())

	sends := sender.captured()
	requireT.Len(sends, 2)
	record, err := wire.Get[wire.EpochRecord](sends[1].payload)
	requireT.NoError(err)
	requireT.Equal(uint64(2), record.Epoch)
	requireT.Equal(types.AddressSpaceID(0), record.Owner)
}
