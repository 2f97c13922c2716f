// Package dist implements distributed collectables: objects referenced from
// multiple address spaces without a global lock. Every collectable carries
// two independent counts. Valid references keep the object's content
// usable; resource references keep its bookkeeping alive for remote spaces
// which may still ask about it. The owner is the only space allowed to
// decide final destruction, which it defers by garbage collection epochs so
// an in-flight message can never name a freed object.
package dist

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// Sender is the slice of the message manager the registry needs.
type Sender interface {
	Self() types.AddressSpaceID
	Notify(target types.AddressSpaceID, kind types.MessageKind, payload []byte)
	Broadcast(kind types.MessageKind, payload []byte)
}

// zeroEpochsToDestroy is the number of consecutive epochs both counts must
// stay zero before the owner frees an object. Two epochs guarantee a
// message in flight during the first snapshot is delivered before the
// object goes away.
const zeroEpochsToDestroy = 2

// Collectable is a cross-node reference-counted object.
type Collectable struct {
	did   types.DistributedID
	owner types.AddressSpaceID
	gen   types.Generation

	valid    atomic.Int64
	resource atomic.Int64

	// Owner side only, guarded by the registry mutex during Advance.
	zeroEpochs uint32
}

// DID returns the distributed ID.
func (c *Collectable) DID() types.DistributedID {
	return c.did
}

// Owner returns the owning address space.
func (c *Collectable) Owner() types.AddressSpaceID {
	return c.owner
}

// Gen returns the generation of the identity.
func (c *Collectable) Gen() types.Generation {
	return c.gen
}

// ValidCount returns the locally known valid reference count.
func (c *Collectable) ValidCount() int64 {
	return c.valid.Load()
}

// ResourceCount returns the locally known resource reference count.
func (c *Collectable) ResourceCount() int64 {
	return c.resource.Load()
}

// Config stores registry configuration.
type Config struct {
	Sender Sender

	// OnDestroy is called when the owner frees an object.
	OnDestroy func(types.DistributedID)
}

// New creates a collectable registry for one address space.
func New(config Config) *Registry {
	return &Registry{
		config:  config,
		self:    config.Sender.Self(),
		objects: map[types.DistributedID]*Collectable{},
	}
}

// Registry keeps every collectable known to this address space.
type Registry struct {
	config Config
	self   types.AddressSpaceID

	mu      sync.RWMutex
	objects map[types.DistributedID]*Collectable
	seq     uint64
	epoch   uint64
}

// Mint creates a collectable owned by this address space. The creator
// starts with one resource reference so the object survives until its
// structures are registered.
func (r *Registry) Mint(gen types.Generation) *Collectable {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	c := &Collectable{
		did:   types.MakeDistributedID(r.self, r.seq),
		owner: r.self,
		gen:   gen,
	}
	c.resource.Store(1)
	r.objects[c.did] = c
	return c
}

// Track registers a remotely owned collectable. Idempotent: concurrent
// tracking of the same ID returns the same object.
func (r *Registry) Track(did types.DistributedID, gen types.Generation) *Collectable {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, exists := r.objects[did]; exists {
		return c
	}
	c := &Collectable{
		did:   did,
		owner: did.Minter(),
		gen:   gen,
	}
	r.objects[did] = c
	return c
}

// Lookup finds a collectable by ID.
func (r *Registry) Lookup(did types.DistributedID) (*Collectable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.objects[did]
	return c, exists
}

// AddValidRef takes a valid reference. Zero-crossing transitions on a
// replica are reconciled to the owner asynchronously.
func (r *Registry) AddValidRef(c *Collectable) {
	if c.valid.Add(1) == 1 && c.owner != r.self {
		r.sendUpdate(c, types.MsgValidUpdate, 1)
	}
}

// RemoveValidRef releases a valid reference.
func (r *Registry) RemoveValidRef(c *Collectable) {
	if c.valid.Add(-1) == 0 && c.owner != r.self {
		r.sendUpdate(c, types.MsgValidUpdate, -1)
	}
}

// AddResourceRef takes a resource reference.
func (r *Registry) AddResourceRef(c *Collectable) {
	if c.resource.Add(1) == 1 && c.owner != r.self {
		r.sendUpdate(c, types.MsgResourceUpdate, 1)
	}
}

// RemoveResourceRef releases a resource reference.
func (r *Registry) RemoveResourceRef(c *Collectable) {
	if c.resource.Add(-1) == 0 && c.owner != r.self {
		r.sendUpdate(c, types.MsgResourceUpdate, -1)
	}
}

func (r *Registry) sendUpdate(c *Collectable, kind types.MessageKind, delta int64) {
	record := wire.RefUpdateRecord{
		DID:   c.did,
		Gen:   c.gen,
		Delta: delta,
	}
	r.config.Sender.Notify(c.owner, kind, wire.Put(&record))
}

// HandleRefUpdate applies a reconciliation message from a replica. An
// update naming an already destroyed object is logged and dropped; epoch
// spacing guarantees it cannot affect correctness.
func (r *Registry) HandleRefUpdate(ctx context.Context, h wire.Header, payload []byte) error {
	record, err := wire.Get[wire.RefUpdateRecord](payload)
	if err != nil {
		return err
	}

	c, exists := r.Lookup(record.DID)
	if !exists || c.gen != record.Gen {
		logger.Get(ctx).Debug("reference update for destroyed object dropped",
			zap.Uint64("did", uint64(record.DID)),
			zap.Int64("delta", record.Delta))
		return nil
	}

	switch h.Kind {
	case types.MsgValidUpdate:
		c.valid.Add(record.Delta)
	case types.MsgResourceUpdate:
		c.resource.Add(record.Delta)
	default:
		return errors.Errorf("unexpected reference update kind %d", h.Kind)
	}
	return nil
}

// Advance moves this space's garbage collection epoch forward. The owner
// snapshots reference state, broadcasts the boundary, and frees objects
// whose counts were zero in two consecutive epochs.
func (r *Registry) Advance(ctx context.Context) {
	r.mu.Lock()
	r.epoch++
	epoch := r.epoch

	var destroyed []types.DistributedID
	for did, c := range r.objects {
		if c.owner != r.self {
			continue
		}
		if c.valid.Load() == 0 && c.resource.Load() == 0 {
			c.zeroEpochs++
			if c.zeroEpochs >= zeroEpochsToDestroy {
				delete(r.objects, did)
				destroyed = append(destroyed, did)
			}
		} else {
			c.zeroEpochs = 0
		}
	}
	r.mu.Unlock()

	record := wire.EpochRecord{
		Owner: r.self,
		Epoch: epoch,
	}
	r.config.Sender.Broadcast(types.MsgGCEpoch, wire.Put(&record))

	log := logger.Get(ctx)
	for _, did := range destroyed {
		log.Debug("collectable destroyed", zap.Uint64("did", uint64(did)), zap.Uint64("epoch", epoch))
		if r.config.OnDestroy != nil {
			r.config.OnDestroy(did)
		}
	}
}

// HandleEpoch processes an epoch boundary from a remote owner. Tracked
// replicas of that owner with no local references are pruned with the same
// two-epoch spacing.
func (r *Registry) HandleEpoch(_ context.Context, _ wire.Header, payload []byte) error {
	record, err := wire.Get[wire.EpochRecord](payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for did, c := range r.objects {
		if c.owner != record.Owner {
			continue
		}
		if c.valid.Load() == 0 && c.resource.Load() == 0 {
			c.zeroEpochs++
			if c.zeroEpochs >= zeroEpochsToDestroy {
				delete(r.objects, did)
			}
		} else {
			c.zeroEpochs = 0
		}
	}
	return nil
}

// Epoch returns the current local epoch.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Len returns the number of known collectables.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
