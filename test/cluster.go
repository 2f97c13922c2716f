// Package test provides in-process helpers for exercising engines of
// several address spaces inside one test binary.
package test

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/strata"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// NewCluster creates a cluster of the given address spaces. Engines join
// with Join before traffic flows.
func NewCluster(spaces ...types.AddressSpaceID) *Cluster {
	return &Cluster{
		spaces:  spaces,
		engines: map[types.AddressSpaceID]*strata.Engine{},
		held:    map[types.MessageKind]bool{},
		down:    map[types.AddressSpaceID]bool{},
	}
}

// Cluster connects engines with a loopback transport delivering frames
// synchronously in send order.
type Cluster struct {
	spaces []types.AddressSpaceID

	mu      sync.Mutex
	engines map[types.AddressSpaceID]*strata.Engine
	held    map[types.MessageKind]bool
	parked  []parkedFrame
	down    map[types.AddressSpaceID]bool
}

type parkedFrame struct {
	target types.AddressSpaceID
	stream streamKey
	frame  []byte
}

type streamKey struct {
	Source  types.AddressSpaceID
	Target  types.AddressSpaceID
	Channel types.ChannelKind
}

// Join creates the engine of one address space wired to the cluster.
func (c *Cluster) Join(
	space types.AddressSpaceID,
	mapper strata.Mapper,
	instances strata.InstanceProvider,
) *Engine {
	peers := make([]types.AddressSpaceID, 0, len(c.spaces)-1)
	for _, s := range c.spaces {
		if s != space {
			peers = append(peers, s)
		}
	}

	e := strata.New(strata.Config{
		AddressSpace: space,
		Peers:        peers,
		Transport:    &transport{cluster: c},
		Mapper:       mapper,
		Instances:    instances,
	})

	c.mu.Lock()
	c.engines[space] = e
	c.mu.Unlock()
	return e
}

// Engine is re-exported so tests importing only this package can name it.
type Engine = strata.Engine

// Run supervises every joined engine until the context is canceled.
func (c *Cluster) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		for space, e := range c.engines {
			spawn(fmt.Sprintf("space-%d", space), parallel.Fail, e.Run)
		}
		return nil
	})
}

// Hold parks frames of the given kinds instead of delivering them. Later
// frames on a stream with a parked predecessor park too, keeping per
// channel order intact.
func (c *Cluster) Hold(kinds ...types.MessageKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range kinds {
		c.held[kind] = true
	}
}

// Release delivers every parked frame in park order and stops holding.
func (c *Cluster) Release(ctx context.Context) error {
	c.mu.Lock()
	parked := c.parked
	c.parked = nil
	c.held = map[types.MessageKind]bool{}
	engines := make(map[types.AddressSpaceID]*strata.Engine, len(c.engines))
	for space, e := range c.engines {
		engines[space] = e
	}
	c.mu.Unlock()

	for _, p := range parked {
		if err := engines[p.target].Deliver(ctx, p.frame); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect makes the transport refuse frames to an address space.
func (c *Cluster) Disconnect(space types.AddressSpaceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[space] = true
}

func (c *Cluster) deliver(
	ctx context.Context,
	target types.AddressSpaceID,
	channel types.ChannelKind,
	frame []byte,
) error {
	h, _, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	stream := streamKey{Source: h.Source, Target: target, Channel: channel}

	c.mu.Lock()
	if c.down[target] {
		c.mu.Unlock()
		return errors.Errorf("space %d is down", target)
	}
	if c.held[h.Kind] || c.streamParkedLocked(stream) {
		c.parked = append(c.parked, parkedFrame{target: target, stream: stream, frame: frame})
		c.mu.Unlock()
		return nil
	}
	e, exists := c.engines[target]
	c.mu.Unlock()

	if !exists {
		return errors.Errorf("space %d never joined", target)
	}
	return e.Deliver(ctx, frame)
}

func (c *Cluster) streamParkedLocked(stream streamKey) bool {
	for _, p := range c.parked {
		if p.stream == stream {
			return true
		}
	}
	return false
}

type transport struct {
	cluster *Cluster
}

func (t *transport) Send(
	ctx context.Context,
	target types.AddressSpaceID,
	channel types.ChannelKind,
	frame []byte,
) error {
	return t.cluster.deliver(ctx, target, channel, frame)
}
