// Package strata is the dependence and versioning engine of a task-based
// runtime: it decides which previously submitted operations a new operation
// must wait for, and tracks which address spaces hold authoritative copies
// of region data so tasks can be mapped anywhere in the cluster.
package strata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/strata/chans"
	"github.com/outofforest/strata/dist"
	"github.com/outofforest/strata/logical"
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/tree"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/version"
	"github.com/outofforest/strata/wire"
)

// opBits is the number of low bits holding the local operation sequence.
const opBits = 40

// Config stores engine configuration.
type Config struct {
	AddressSpace types.AddressSpaceID
	Peers        []types.AddressSpaceID
	Transport    chans.Transport
	Mapper       Mapper
	Instances    InstanceProvider

	// EpochInterval is the cadence of garbage collection epochs.
	EpochInterval time.Duration
}

// New creates the engine of one address space.
func New(config Config) *Engine {
	if config.EpochInterval == 0 {
		config.EpochInterval = 100 * time.Millisecond
	}

	e := &Engine{
		config: config,
		pinned: map[types.OperationID][]versionPin{},
	}
	e.msgs = chans.New(chans.Config{
		Self:      config.AddressSpace,
		Peers:     config.Peers,
		Transport: config.Transport,
	})
	e.registry = dist.New(dist.Config{
		Sender: e.msgs,
		OnDestroy: func(did types.DistributedID) {
			e.versions.Collect(did)
		},
	})
	e.forest = tree.New(tree.Config{
		Self:     config.AddressSpace,
		Registry: e.registry,
	})
	e.versions = version.New(version.Config{
		Registry:  e.registry,
		Requester: e.msgs,
	})
	e.analyzer = logical.New(logical.Config{
		Forest:   e.forest,
		Registry: e.registry,
		NextOp:   e.NextOperationID,
	})

	e.registerHandlers()
	return e
}

// Engine owns the dependence and versioning state of one address space.
type Engine struct {
	config   Config
	msgs     *chans.Manager
	registry *dist.Registry
	forest   *tree.Forest
	analyzer *logical.Analyzer
	versions *version.Manager
	opSeq    atomic.Uint64

	pinnedMu sync.Mutex
	pinned   map[types.OperationID][]versionPin
}

// versionPin names one version state an operation consumes.
type versionPin struct {
	region  types.LogicalRegion
	fields  mask.FieldMask
	version types.VersionNumber
}

// Forest returns the region tree forest.
func (e *Engine) Forest() *tree.Forest {
	return e.forest
}

// Analyzer returns the dependence analyzer.
func (e *Engine) Analyzer() *logical.Analyzer {
	return e.analyzer
}

// Registry returns the distributed collectable registry.
func (e *Engine) Registry() *dist.Registry {
	return e.registry
}

// NextOperationID mints an operation ID unique across the cluster.
func (e *Engine) NextOperationID() types.OperationID {
	return types.OperationID(uint64(e.config.AddressSpace)<<opBits | e.opSeq.Add(1))
}

// Deliver accepts an inbound frame from the transport.
func (e *Engine) Deliver(ctx context.Context, frame []byte) error {
	return e.msgs.Deliver(ctx, frame)
}

// RegisterRequirements computes the ordered wait-set of an operation over
// all its region requirements and records the operation in the tree state.
// Requirements of one context must be submitted in program order; the
// wait-sets then reproduce a valid sequential execution. Writing
// requirements mint new versions owned by this address space; reading
// requirements pin the versions they consume until the operation retires.
func (e *Engine) RegisterRequirements(
	op types.OperationID,
	reqs []logical.Requirement,
) ([]logical.Dependence, []logical.Close, error) {
	var deps []logical.Dependence
	var closes []logical.Close
	for _, req := range reqs {
		result, err := e.analyzer.Register(op, req)
		if err != nil {
			return nil, nil, err
		}
		deps = append(deps, result.Deps...)
		closes = append(closes, result.Closes...)

		if req.Privilege.IsRead() {
			for _, info := range e.versions.Resolve(req.Region, req.Fields) {
				if info.Version == 0 {
					continue
				}
				e.versions.Retain(req.Region, info.Fields, info.Version)
				e.pinnedMu.Lock()
				e.pinned[op] = append(e.pinned[op], versionPin{
					region:  req.Region,
					fields:  info.Fields,
					version: info.Version,
				})
				e.pinnedMu.Unlock()
			}
		}

		if req.Privilege.IsWrite() || req.Privilege == types.Reduce {
			for _, info := range e.versions.RecordWrite(req.Region, req.Fields, e.config.AddressSpace) {
				record := versionRecord(req.Region, info)
				e.msgs.Broadcast(types.MsgVersionPath, wire.Put(&record))
			}
		}
	}
	return deps, closes, nil
}

// ResolveVersion answers which address spaces hold authoritative data for
// the fields of a region, and at which versions.
func (e *Engine) ResolveVersion(region types.LogicalRegion, fields mask.FieldMask) []version.Info {
	return e.versions.Resolve(region, fields)
}

// CloseSubtree flushes the open state below a region node, producing a
// synthetic close operation.
func (e *Engine) CloseSubtree(region types.LogicalRegion, fields mask.FieldMask) (logical.Close, error) {
	return e.analyzer.CloseSubtree(region, fields)
}

// Retire tells the engine an operation completed and can no longer be
// named as a dependence predecessor. Versions the operation pinned become
// collectable again.
func (e *Engine) Retire(op types.OperationID) {
	e.analyzer.Retire(op)

	e.pinnedMu.Lock()
	pins := e.pinned[op]
	delete(e.pinned, op)
	e.pinnedMu.Unlock()

	for _, pin := range pins {
		e.versions.Release(pin.region, pin.fields, pin.version)
	}
}

// Run supervises the channel pumps and the garbage collection epochs.
func (e *Engine) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("channels", parallel.Fail, e.msgs.Run)
		spawn("epochs", parallel.Fail, func(ctx context.Context) error {
			ticker := time.NewTicker(e.config.EpochInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
					e.registry.Advance(ctx)
				}
			}
		})
		return nil
	})
}

// Shutdown runs the shutdown handshake with every peer over the shutdown
// channel, so it can never be delayed by bursts on other channels.
func (e *Engine) Shutdown(ctx context.Context) error {
	record := wire.ShutdownRecord{
		Phase: 1,
	}
	for _, peer := range e.msgs.Peers() {
		if _, _, err := e.msgs.Request(ctx, peer, types.MsgShutdownNotify, wire.Put(&record)); err != nil {
			return errors.Wrapf(err, "shutdown handshake with space %d failed", peer)
		}
	}
	logger.Get(ctx).Info("shutdown handshake complete",
		zap.Uint32("space", uint32(e.config.AddressSpace)))
	return nil
}
