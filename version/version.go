// Package version tracks, per region tree node and field subset, the
// current version number and the address spaces holding valid data. Writes
// mint new versions and narrow the valid set to the writer; remote reads
// fetch serialized state from the version's owner over the version channel,
// following at most one ownership redirect.
package version

import (
	"context"
	"sync"

	"github.com/outofforest/strata/dist"
	"github.com/outofforest/strata/mask"
	"github.com/outofforest/strata/types"
	"github.com/outofforest/strata/wire"
)

// Requester is the slice of the message manager the version manager needs.
type Requester interface {
	Self() types.AddressSpaceID
	Request(
		ctx context.Context,
		target types.AddressSpaceID,
		kind types.MessageKind,
		payload []byte,
	) (wire.Header, []byte, error)
	Respond(target types.AddressSpaceID, kind types.MessageKind, tag uint64, payload []byte)
}

// Info describes the authoritative state of one field subset.
type Info struct {
	DID     types.DistributedID
	Version types.VersionNumber
	Fields  mask.FieldMask
	Valid   mask.NodeMask
	Owner   types.AddressSpaceID
}

// state is one version state. Current states hold the latest version per
// field; superseded states stay queryable for redirects until collected. A
// state holds one valid reference on its collectable exactly while the
// local space is in its valid set.
type state struct {
	collectable *dist.Collectable
	version     types.VersionNumber
	fields      mask.FieldMask
	valid       mask.NodeMask
	stale       mask.NodeMask
	owner       types.AddressSpaceID
	redirect    types.AddressSpaceID
	hasRedirect bool
}

type nodeVersions struct {
	current []*state
	history []*state
}

type fetch struct {
	done   chan struct{}
	record wire.VersionRecord
	err    error
}

// Config stores version manager configuration.
type Config struct {
	Registry  *dist.Registry
	Requester Requester
}

// New creates a version manager.
func New(config Config) *Manager {
	return &Manager{
		config:   config,
		self:     config.Requester.Self(),
		nodes:    map[types.LogicalRegion]*nodeVersions{},
		inflight: map[uint64]*fetch{},
	}
}

// Manager owns the version state of every region node on this address
// space.
type Manager struct {
	config Config
	self   types.AddressSpaceID

	mu       sync.Mutex
	nodes    map[types.LogicalRegion]*nodeVersions
	inflight map[uint64]*fetch
}

func (m *Manager) node(region types.LogicalRegion) *nodeVersions {
	nv, exists := m.nodes[region]
	if !exists {
		nv = &nodeVersions{}
		m.nodes[region] = nv
	}
	return nv
}

// RecordWrite mints new versions for the written fields and narrows their
// valid set to the writer. Prior versions stay behind as redirect targets
// until no analysis names them. Returns the states the write produced.
func (m *Manager) RecordWrite(
	region types.LogicalRegion,
	fields mask.FieldMask,
	writer types.AddressSpaceID,
) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	nv := m.node(region)
	remaining := fields
	var produced []Info

	kept := nv.current[:0]
	var minted []*state
	for _, s := range nv.current {
		overlap := s.fields.Intersect(fields)
		if overlap.IsEmpty() {
			kept = append(kept, s)
			continue
		}

		// The superseded slice of the old version remains answerable and
		// points at the new owner.
		old := &state{
			collectable: s.collectable,
			version:     s.version,
			fields:      overlap,
			valid:       s.valid,
			stale:       s.stale,
			owner:       s.owner,
			redirect:    writer,
			hasRedirect: true,
		}
		nv.history = append(nv.history, old)

		next := &state{
			collectable: m.config.Registry.Mint(1),
			version:     s.version + 1,
			fields:      overlap,
			valid:       mask.Nodes(writer),
			stale:       s.valid.Subtract(mask.Nodes(writer)),
			owner:       writer,
		}
		if next.valid.Contains(m.self) {
			m.config.Registry.AddValidRef(next.collectable)
		}
		minted = append(minted, next)
		produced = append(produced, infoOf(next))

		s.fields = s.fields.Subtract(overlap)
		if s.fields.IsEmpty() {
			// Fully superseded, drop the creation references.
			if s.valid.Contains(m.self) {
				m.config.Registry.RemoveValidRef(s.collectable)
			}
			m.config.Registry.RemoveResourceRef(s.collectable)
		} else {
			kept = append(kept, s)
		}
		remaining = remaining.Subtract(overlap)
	}
	nv.current = append(kept, minted...)

	if !remaining.IsEmpty() {
		first := &state{
			collectable: m.config.Registry.Mint(1),
			version:     1,
			fields:      remaining,
			valid:       mask.Nodes(writer),
			owner:       writer,
		}
		if first.valid.Contains(m.self) {
			m.config.Registry.AddValidRef(first.collectable)
		}
		nv.current = append(nv.current, first)
		produced = append(produced, infoOf(first))
	}
	return produced
}

func infoOf(s *state) Info {
	return Info{
		DID:     s.collectable.DID(),
		Version: s.version,
		Fields:  s.fields,
		Valid:   s.valid,
		Owner:   s.owner,
	}
}

// Resolve answers which address spaces hold authoritative data for the
// fields, and at which versions. Fields never written resolve to version
// zero with no authoritative holder.
func (m *Manager) Resolve(region types.LogicalRegion, fields mask.FieldMask) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	nv := m.node(region)
	remaining := fields
	var infos []Info
	for _, s := range nv.current {
		overlap := s.fields.Intersect(fields)
		if overlap.IsEmpty() {
			continue
		}
		info := infoOf(s)
		info.Fields = overlap
		infos = append(infos, info)
		remaining = remaining.Subtract(overlap)
	}
	if !remaining.IsEmpty() {
		infos = append(infos, Info{
			Fields: remaining,
		})
	}
	return infos
}

// Retain takes a resource reference on the states covering the version, on
// behalf of an analysis naming it as a dependence predecessor.
func (m *Manager) Retain(region types.LogicalRegion, fields mask.FieldMask, version types.VersionNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.matching(region, fields, version) {
		m.config.Registry.AddResourceRef(s.collectable)
	}
}

// Release drops the resource reference taken by Retain.
func (m *Manager) Release(region types.LogicalRegion, fields mask.FieldMask, version types.VersionNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.matching(region, fields, version) {
		m.config.Registry.RemoveResourceRef(s.collectable)
	}
}

func (m *Manager) matching(
	region types.LogicalRegion,
	fields mask.FieldMask,
	version types.VersionNumber,
) []*state {
	nv := m.node(region)
	var states []*state
	for _, s := range nv.current {
		if s.version == version && !s.fields.IsDisjoint(fields) {
			states = append(states, s)
		}
	}
	for _, s := range nv.history {
		if s.version == version && !s.fields.IsDisjoint(fields) {
			states = append(states, s)
		}
	}
	return states
}

// Collect drops the superseded states backed by a destroyed collectable.
// Wired to the registry's destruction hook.
func (m *Manager) Collect(did types.DistributedID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, nv := range m.nodes {
		kept := nv.history[:0]
		for _, s := range nv.history {
			if s.collectable.DID() != did {
				kept = append(kept, s)
			}
		}
		nv.history = kept
	}
}
